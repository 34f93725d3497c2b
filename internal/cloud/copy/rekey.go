package copy

import (
	"context"
	"maps"

	"github.com/rescale/cloudstore/internal/cloud"
	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/cloud/transfer"
	encryption "github.com/rescale/cloudstore/internal/crypto"
	"github.com/rescale/cloudstore/internal/http"
	"github.com/rescale/cloudstore/internal/logging"
	"github.com/rescale/cloudstore/internal/resources"
)

// RekeyOptions changes the recipients of an encrypted object.
type RekeyOptions struct {
	Backend cloud.Backend
	Bucket  string
	Key     string

	// Add receives the data key, unwrapped with a private key from Keys.
	Add []encryption.Recipient
	// Remove names recipients to drop. No private key is needed.
	Remove []string
	Keys   encryption.KeyProvider

	Resources *resources.Manager
	Retry     http.Config
	Faults    *transfer.Faults
	Logger    *logging.Logger
}

// Rekey rewrites the object's envelope and copies the object onto itself
// with the new metadata. The stored ciphertext is unchanged.
func Rekey(ctx context.Context, opts RekeyOptions) (cloud.ObjectInfo, error) {
	if len(opts.Add) == 0 && len(opts.Remove) == 0 {
		return cloud.ObjectInfo{}, storage.Usagef("No encryption key name is specified")
	}
	if opts.Resources == nil {
		opts.Resources = resources.NewManager(resources.Config{})
	}

	call := cloud.NewCall(opts.Resources, opts.Retry)
	info, err := cloud.Stat(ctx, call, opts.Backend, opts.Bucket, opts.Key)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}
	meta, versioned, err := transfer.ParseMetadata(info.Metadata)
	if err != nil {
		return cloud.ObjectInfo{}, err
	}
	if !versioned || !meta.Encrypted() {
		return cloud.ObjectInfo{}, storage.Usagef("Object doesn't seem to be encrypted")
	}

	env := encryption.Envelope{
		KeyNames:     meta.KeyNames,
		WrappedKeys:  meta.WrappedKeys,
		PubKeyHashes: meta.PubKeyHashes,
	}
	// unwrap before removing, so a caller may swap out the key it holds
	var dataKey []byte
	if len(opts.Add) > 0 {
		if dataKey, err = encryption.Open(env, opts.Keys); err != nil {
			return cloud.ObjectInfo{}, err
		}
	}
	remove := func() error {
		if len(opts.Remove) == 0 {
			return nil
		}
		env, err = encryption.RemoveRecipients(env, opts.Remove)
		return err
	}
	add := func() error {
		env, err = encryption.AddRecipients(env, dataKey, opts.Add)
		return err
	}
	// remove first to stay under the recipient limit, unless every current
	// key is being replaced
	steps := []func() error{remove, add}
	if len(opts.Remove) >= len(env.KeyNames) {
		steps = []func() error{add, remove}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return cloud.ObjectInfo{}, err
		}
	}
	meta.KeyNames, meta.WrappedKeys, meta.PubKeyHashes = env.KeyNames, env.WrappedKeys, env.PubKeyHashes

	// keep user metadata cloudstore does not own
	updated := maps.Clone(info.Metadata)
	if updated == nil {
		updated = map[string]string{}
	}
	maps.Copy(updated, meta.Encode())

	return Copy(ctx, Options{
		Backend:   opts.Backend,
		SrcBucket: opts.Bucket,
		SrcKey:    opts.Key,
		DstBucket: opts.Bucket,
		DstKey:    opts.Key,
		Metadata:  updated,
		Resources: opts.Resources,
		Retry:     opts.Retry,
		Faults:    opts.Faults,
		Logger:    opts.Logger,
	})
}
