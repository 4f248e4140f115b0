// Package signing signs and verifies license documents with Ed25519 over
// their canonical bytes.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"

	"licensing-controlplane/pkg/canonical"

	"go.uber.org/fx"
)

var (
	ErrSignatureMissing = errors.New("signing: document carries no signature")
	ErrSignatureInvalid = errors.New("signing: signature does not match document")
	ErrUnknownKey       = errors.New("signing: unknown signing key id")
)

var Module = fx.Module("signing",
	fx.Provide(FromConfig, New),
)

type Signer struct {
	keys KeyProvider
}

func New(keys KeyProvider) *Signer {
	return &Signer{keys: keys}
}

// Sign canonicalizes doc (excluding any existing signature field), signs the
// bytes and returns a copy of the document with the signature envelope
// attached under "signature".
func (s *Signer) Sign(doc map[string]any) (map[string]any, error) {
	payload := canonical.Strip(doc)
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}

	keyID, key, err := s.keys.SigningKey()
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(key, raw)

	signed := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		signed[k] = v
	}
	signed[canonical.SignatureField] = map[string]any{
		"key_id": keyID,
		"value":  base64.StdEncoding.EncodeToString(sig),
	}
	return signed, nil
}

// Verify strips the signature envelope, re-canonicalizes the remaining
// document and checks the signature against the public key named by the
// envelope's key id.
func (s *Signer) Verify(doc map[string]any) error {
	keyID, sig, err := envelope(doc)
	if err != nil {
		return err
	}

	pub, err := s.keys.PublicKey(keyID)
	if err != nil {
		return err
	}

	raw, err := canonical.Marshal(canonical.Strip(doc))
	if err != nil {
		return err
	}

	if !ed25519.Verify(pub, raw, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

func envelope(doc map[string]any) (keyID string, sig []byte, err error) {
	field, ok := doc[canonical.SignatureField]
	if !ok {
		return "", nil, ErrSignatureMissing
	}

	env, ok := field.(map[string]any)
	if !ok {
		return "", nil, ErrSignatureMissing
	}

	keyID, _ = env["key_id"].(string)
	value, _ := env["value"].(string)
	if keyID == "" || value == "" {
		return "", nil, ErrSignatureMissing
	}

	sig, err = base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", nil, ErrSignatureInvalid
	}
	return keyID, sig, nil
}
