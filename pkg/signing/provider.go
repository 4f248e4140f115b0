package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"licensing-controlplane/pkg/config"
)

// KeyProvider resolves signing material by key id. Deployments normally run
// a single static key, but verification accepts any key the provider knows,
// so a second key can be introduced and the old one retired without touching
// the Signer contract.
type KeyProvider interface {
	// SigningKey returns the key used for new signatures.
	SigningKey() (keyID string, key ed25519.PrivateKey, err error)
	// PublicKey resolves the verification key for a key id.
	PublicKey(keyID string) (ed25519.PublicKey, error)
}

type StaticProvider struct {
	active string
	keys   map[string]ed25519.PrivateKey
}

func NewStaticProvider(activeKeyID string, seeds map[string][]byte) (*StaticProvider, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("signing: no keys configured")
	}
	if _, ok := seeds[activeKeyID]; !ok {
		return nil, fmt.Errorf("signing: active key %q not present in key set", activeKeyID)
	}

	keys := make(map[string]ed25519.PrivateKey, len(seeds))
	for id, seed := range seeds {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing: key %q has seed length %d, expected %d", id, len(seed), ed25519.SeedSize)
		}
		keys[id] = ed25519.NewKeyFromSeed(seed)
	}

	return &StaticProvider{active: activeKeyID, keys: keys}, nil
}

func (p *StaticProvider) SigningKey() (string, ed25519.PrivateKey, error) {
	return p.active, p.keys[p.active], nil
}

func (p *StaticProvider) PublicKey(keyID string) (ed25519.PublicKey, error) {
	key, ok := p.keys[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key.Public().(ed25519.PublicKey), nil
}

// FromConfig builds the provider from base64-encoded seeds in configuration.
func FromConfig(cfg *config.Config) (KeyProvider, error) {
	seeds := make(map[string][]byte, len(cfg.Signing.Keys))
	for id, encoded := range cfg.Signing.Keys {
		seed, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("signing: decode seed for key %q: %w", id, err)
		}
		seeds[id] = seed
	}
	return NewStaticProvider(cfg.Signing.ActiveKeyID, seeds)
}
