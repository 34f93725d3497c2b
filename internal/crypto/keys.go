package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

// ErrKeyNotFound is returned by a KeyProvider for an unknown alias.
var ErrKeyNotFound = errors.New("key not found")

// KeyProvider looks up RSA key pairs by alias.
type KeyProvider interface {
	PublicKey(alias string) (*rsa.PublicKey, error)
	PrivateKey(alias string) (*rsa.PrivateKey, error)
}

// DirectoryKeyProvider reads <dir>/<alias>.pem files holding a PEM
// "PUBLIC KEY" block and/or a PKCS#8 "PRIVATE KEY" block.
type DirectoryKeyProvider struct {
	dir string
}

// NewDirectoryKeyProvider creates a provider rooted at dir.
func NewDirectoryKeyProvider(dir string) *DirectoryKeyProvider {
	return &DirectoryKeyProvider{dir: dir}
}

// Dir returns the key directory.
func (p *DirectoryKeyProvider) Dir() string {
	return p.dir
}

func (p *DirectoryKeyProvider) path(alias string) (string, error) {
	if alias == "" || strings.ContainsAny(alias, `/\`) || alias == "." || alias == ".." {
		return "", storage.Usagef("invalid key alias %q", alias)
	}
	return filepath.Join(p.dir, alias+".pem"), nil
}

func (p *DirectoryKeyProvider) blocks(alias string) (map[string]*pem.Block, error) {
	path, err := p.path(alias)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", path, err)
	}

	out := make(map[string]*pem.Block)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		out[block.Type] = block
	}
	return out, nil
}

// PublicKey returns the public key for alias, deriving it from the private
// key when the file has no public block.
func (p *DirectoryKeyProvider) PublicKey(alias string) (*rsa.PublicKey, error) {
	blocks, err := p.blocks(alias)
	if err != nil {
		return nil, err
	}
	if block, ok := blocks["PUBLIC KEY"]; ok {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key %s: %w", alias, err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key %s is not an RSA key", alias)
		}
		return rsaKey, nil
	}
	if _, ok := blocks["PRIVATE KEY"]; ok {
		priv, err := p.PrivateKey(alias)
		if err != nil {
			return nil, err
		}
		return &priv.PublicKey, nil
	}
	return nil, fmt.Errorf("%w: no public key in %s", ErrKeyNotFound, alias)
}

// PrivateKey returns the private key for alias.
func (p *DirectoryKeyProvider) PrivateKey(alias string) (*rsa.PrivateKey, error) {
	blocks, err := p.blocks(alias)
	if err != nil {
		return nil, err
	}
	block, ok := blocks["PRIVATE KEY"]
	if !ok {
		return nil, fmt.Errorf("%w: no private key in %s", ErrKeyNotFound, alias)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", alias, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is not an RSA key", alias)
	}
	return rsaKey, nil
}

// Recipients resolves aliases to public keys. Unknown aliases are usage errors.
func Recipients(provider KeyProvider, aliases []string) ([]Recipient, error) {
	if provider == nil {
		return nil, storage.Usagef("No encryption key provider is specified")
	}
	out := make([]Recipient, 0, len(aliases))
	for _, alias := range aliases {
		key, err := provider.PublicKey(alias)
		if errors.Is(err, ErrKeyNotFound) {
			return nil, storage.Usagef("public key '%s' not found", alias)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Recipient{Name: alias, Key: key})
	}
	return out, nil
}

// GenerateKeyPair writes a new RSA key pair to <dir>/<alias>.pem. An existing
// file is never overwritten.
func (p *DirectoryKeyProvider) GenerateKeyPair(alias string, bits int) (string, error) {
	path, err := p.path(alias)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", storage.Usagef("key file %s already exists", path)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", fmt.Errorf("failed to generate RSA key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}); err != nil {
		return "", fmt.Errorf("failed to write public key: %w", err)
	}
	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: privDER}); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}
	return path, f.Close()
}
