package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"

	"github.com/rescale/cloudstore/internal/cloud/storage"
	"github.com/rescale/cloudstore/internal/constants"
)

// Recipient is a named public key an object is encrypted for.
type Recipient struct {
	Name string
	Key  *rsa.PublicKey
}

// Envelope holds the wrapped data key for each recipient. The slices are
// aligned by index and stored comma-joined in object metadata.
type Envelope struct {
	KeyNames     []string
	WrappedKeys  []string // base64 RSA ciphertexts
	PubKeyHashes []string
}

// PubKeyHash returns the first 8 characters of base64(sha256(DER public key)).
func PubKeyHash(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return EncodeBase64(sum[:])[:constants.PubKeyHashLength], nil
}

// Seal wraps dataKey for every recipient.
func Seal(dataKey []byte, recipients []Recipient) (Envelope, error) {
	if len(recipients) == 0 {
		return Envelope{}, storage.Usagef("at least one encryption key is required")
	}
	if len(recipients) > constants.MaxRecipients {
		return Envelope{}, storage.Usagef("at most %d encryption keys are supported, got %d",
			constants.MaxRecipients, len(recipients))
	}

	var env Envelope
	seen := make(map[string]bool, len(recipients))
	for _, r := range recipients {
		if seen[r.Name] {
			return Envelope{}, storage.Usagef("encryption key %q given more than once", r.Name)
		}
		seen[r.Name] = true

		wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, r.Key, dataKey)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to wrap data key for %s: %w", r.Name, err)
		}
		hash, err := PubKeyHash(r.Key)
		if err != nil {
			return Envelope{}, err
		}
		env.KeyNames = append(env.KeyNames, r.Name)
		env.WrappedKeys = append(env.WrappedKeys, EncodeBase64(wrapped))
		env.PubKeyHashes = append(env.PubKeyHashes, hash)
	}
	return env, nil
}

// Open recovers the data key using the first private key from provider that
// matches the envelope.
//
// A single-recipient envelope may omit the public-key hash; when present it
// must match. Multi-recipient envelopes must carry hashes, and key names are
// tried in order until a private key with a matching hash is found.
func Open(env Envelope, provider KeyProvider) ([]byte, error) {
	if provider == nil {
		return nil, storage.Usagef("No encryption key provider is specified")
	}
	if len(env.KeyNames) == 0 {
		return nil, storage.Usagef("object is not encrypted")
	}

	var (
		priv    *rsa.PrivateKey
		wrapped string
	)

	if len(env.KeyNames) == 1 {
		name := env.KeyNames[0]
		key, err := provider.PrivateKey(name)
		if errors.Is(err, ErrKeyNotFound) {
			return nil, storage.Usagef("private key '%s' is not available to decrypt", name)
		}
		if err != nil {
			return nil, err
		}
		if len(env.PubKeyHashes) > 0 {
			local, err := PubKeyHash(&key.PublicKey)
			if err != nil {
				return nil, err
			}
			if local != env.PubKeyHashes[0] {
				return nil, storage.Usagef("Public-key checksums do not match. Calculated hash: %s, Expected hash: %s",
					local, env.PubKeyHashes[0])
			}
		}
		priv, wrapped = key, env.WrappedKeys[0]
	} else {
		if len(env.PubKeyHashes) != len(env.KeyNames) {
			return nil, storage.Usagef("public key hashes are required when object has multiple encryption keys")
		}
		for i, name := range env.KeyNames {
			key, err := provider.PrivateKey(name)
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			local, err := PubKeyHash(&key.PublicKey)
			if err != nil {
				return nil, err
			}
			if local == env.PubKeyHashes[i] {
				priv, wrapped = key, env.WrappedKeys[i]
				break
			}
		}
		if priv == nil {
			return nil, storage.Usagef("No eligible private key found")
		}
	}

	ciphertext, err := DecodeBase64(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid wrapped key: %v", storage.ErrDecryptionFailed, err)
	}
	dataKey, err := rsa.DecryptPKCS1v15(nil, priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot unwrap data key: %v", storage.ErrDecryptionFailed, err)
	}
	if len(dataKey) != KeySize {
		return nil, fmt.Errorf("%w: data key is %d bytes", storage.ErrDecryptionFailed, len(dataKey))
	}
	return dataKey, nil
}

// AddRecipients wraps dataKey for each of add and appends them to env. Names
// already present in env are rejected, as is a result with more than
// MaxRecipients entries. env must carry a public-key hash per recipient.
func AddRecipients(env Envelope, dataKey []byte, add []Recipient) (Envelope, error) {
	if len(add) == 0 {
		return env, nil
	}
	if len(env.PubKeyHashes) != len(env.KeyNames) {
		return Envelope{}, storage.Usagef("Public key hashes are required when object has multiple encryption keys")
	}
	for _, r := range add {
		if slices.Contains(env.KeyNames, r.Name) {
			return Envelope{}, storage.Usagef("%s already exists", r.Name)
		}
	}
	if n := len(env.KeyNames) + len(add); n > constants.MaxRecipients {
		return Envelope{}, storage.Usagef("No more than %d keys are allowed, got %d", constants.MaxRecipients, n)
	}

	added, err := Seal(dataKey, add)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		KeyNames:     append(slices.Clone(env.KeyNames), added.KeyNames...),
		WrappedKeys:  append(slices.Clone(env.WrappedKeys), added.WrappedKeys...),
		PubKeyHashes: append(slices.Clone(env.PubKeyHashes), added.PubKeyHashes...),
	}, nil
}

// RemoveRecipients drops the named recipients from env. Every name must be
// present, and at least one recipient has to remain.
func RemoveRecipients(env Envelope, names []string) (Envelope, error) {
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		if !slices.Contains(env.KeyNames, name) {
			return Envelope{}, storage.Usagef("%s is not an encryption key of this object", name)
		}
		drop[name] = true
	}
	if len(drop) >= len(env.KeyNames) {
		return Envelope{}, storage.Usagef("cannot remove the last encryption key")
	}

	var out Envelope
	for i, name := range env.KeyNames {
		if drop[name] {
			continue
		}
		out.KeyNames = append(out.KeyNames, name)
		out.WrappedKeys = append(out.WrappedKeys, env.WrappedKeys[i])
		if i < len(env.PubKeyHashes) {
			out.PubKeyHashes = append(out.PubKeyHashes, env.PubKeyHashes[i])
		}
	}
	return out, nil
}
