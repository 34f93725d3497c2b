package transfer

import (
	"strconv"
	"strings"

	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/constants"
)

// Metadata is the user metadata cloudstore writes on every uploaded object.
// The three key lists are aligned by index.
type Metadata struct {
	Version      string
	ChunkSize    int64
	FileLength   int64
	KeyNames     []string
	WrappedKeys  []string
	PubKeyHashes []string
}

// Encrypted reports whether the object carries an encryption envelope.
func (m Metadata) Encrypted() bool {
	return len(m.KeyNames) > 0
}

// Encode renders the metadata as backend user-metadata pairs.
func (m Metadata) Encode() map[string]string {
	out := map[string]string{
		constants.MetaVersion:    m.Version,
		constants.MetaChunkSize:  strconv.FormatInt(m.ChunkSize, 10),
		constants.MetaFileLength: strconv.FormatInt(m.FileLength, 10),
	}
	if m.Encrypted() {
		out[constants.MetaKeyName] = strings.Join(m.KeyNames, ",")
		out[constants.MetaSymmetricKey] = strings.Join(m.WrappedKeys, ",")
		out[constants.MetaPubKeyHash] = strings.Join(m.PubKeyHashes, ",")
	}
	return out
}

// ParseMetadata reads cloudstore metadata from backend user metadata.
// ok is false for objects written by other tools (no version key).
// Objects with an unknown version are a usage error.
func ParseMetadata(meta map[string]string) (m Metadata, ok bool, err error) {
	meta = lowerKeys(meta)

	version, present := meta[constants.MetaVersion]
	if !present {
		return Metadata{}, false, nil
	}
	if version != constants.FormatVersion {
		return Metadata{}, true, storage.Usagef("file uploaded with unsupported version: %s, should be %s",
			version, constants.FormatVersion)
	}

	m.Version = version
	if m.ChunkSize, err = parseSize(meta, constants.MetaChunkSize); err != nil {
		return Metadata{}, true, err
	}
	if m.FileLength, err = parseSize(meta, constants.MetaFileLength); err != nil {
		return Metadata{}, true, err
	}

	m.KeyNames = splitList(meta[constants.MetaKeyName])
	m.WrappedKeys = splitList(meta[constants.MetaSymmetricKey])
	m.PubKeyHashes = splitList(meta[constants.MetaPubKeyHash])

	if m.Encrypted() && len(m.WrappedKeys) != len(m.KeyNames) {
		return Metadata{}, true, storage.Usagef("object has %d key names but %d wrapped keys",
			len(m.KeyNames), len(m.WrappedKeys))
	}
	if len(m.PubKeyHashes) > 0 && len(m.PubKeyHashes) != len(m.KeyNames) {
		return Metadata{}, true, storage.Usagef("object has %d key names but %d public-key hashes",
			len(m.KeyNames), len(m.PubKeyHashes))
	}
	return m, true, nil
}

func parseSize(meta map[string]string, key string) (int64, error) {
	v, ok := meta[key]
	if !ok {
		return 0, storage.Usagef("object metadata is missing %s", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, storage.Usagef("object metadata %s has invalid value %q", key, v)
	}
	return n, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// S3 lowercases user-metadata keys; GCS keeps them as written.
func lowerKeys(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[strings.ToLower(k)] = v
	}
	return out
}
