package fetch

import (
	"bytes"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
)

// SignatureSuffixes are tried in order next to a signed source.
var SignatureSuffixes = []string{".asc", ".sig"}

// SignatureVerifier checks OpenPGP detached signatures against a keyring.
type SignatureVerifier struct {
	keyring openpgp.EntityList
}

// NewSignatureVerifier parses an armored public keyring.
func NewSignatureVerifier(armoredKeyring []byte) (*SignatureVerifier, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredKeyring))
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring contains no keys")
	}
	return &SignatureVerifier{keyring: keyring}, nil
}

// Verify checks sig over data. Armored signatures are tried first, then
// binary ones.
func (v *SignatureVerifier) Verify(data, sig []byte) error {
	_, err := openpgp.CheckArmoredDetachedSignature(v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil)
	if err == nil {
		return nil
	}
	if _, binErr := openpgp.CheckDetachedSignature(v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil); binErr == nil {
		return nil
	}
	return fmt.Errorf("verify signature: %w", err)
}
