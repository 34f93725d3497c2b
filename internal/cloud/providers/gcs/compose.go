package gcs

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rescale/cloudstore/internal/checksum"
	"github.com/rescale/cloudstore/internal/constants"
)

// composeTree merges sources in batches of MaxComposeSources, level by level,
// until a single batch remains; that batch writes the destination key. Every
// target, intermediate or final, carries the object metadata. Each compose is
// pinned to its sources' generations and its result is checked against the
// combined CRC32C of its inputs.
func (s *uploadSession) composeTree(ctx context.Context, level []partObject) (partObject, error) {
	for depth := 0; ; depth++ {
		batches := batch(level, constants.MaxComposeSources)
		last := len(batches) == 1
		next := make([]partObject, len(batches))

		g, gctx := errgroup.WithContext(ctx)
		for i, srcs := range batches {
			dst := s.key
			if !last {
				dst = CompositeName(s.key, depth, i)
				s.track(dst)
			}
			g.Go(func() error {
				obj, err := s.compose(gctx, dst, srcs)
				next[i] = obj
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return partObject{}, err
		}

		s.client.logger.Debug().
			Str("key", s.key).
			Int("level", depth).
			Int("sources", len(level)).
			Int("results", len(next)).
			Msg("compose level done")

		if last {
			return next[0], nil
		}
		level = next
	}
}

func (s *uploadSession) compose(ctx context.Context, dst string, srcs []partObject) (partObject, error) {
	sources := make([]Source, len(srcs))
	crcs := make([]checksum.PartCRC, len(srcs))
	var length int64
	for i, src := range srcs {
		sources[i] = Source{Name: src.name, Generation: src.generation}
		crcs[i] = src.crc
		length += src.crc.Length
	}
	expected := checksum.Fold(crcs)

	op := "compose " + dst
	var result partObject
	err := s.call(ctx, op, func(ctx context.Context) error {
		attrs, err := s.client.api.Compose(ctx, s.bucket, dst, sources, ObjectMeta{ContentType: ContentType, Metadata: s.meta})
		if err != nil {
			return wrapError(op, s.bucket, dst, err)
		}
		result = partObject{
			name:       dst,
			generation: attrs.Generation,
			crc:        checksum.PartCRC{CRC: attrs.CRC32C, Length: length},
			attrs:      attrs,
		}
		return nil
	})
	if err != nil {
		return partObject{}, err
	}

	if err := checksum.VerifyCRC32C(fmt.Sprintf("compose %s crc32c", dst), expected, result.crc.CRC); err != nil {
		return partObject{}, err
	}
	return result, nil
}

// batch splits items into consecutive groups of at most size.
func batch[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	return append(out, items)
}
