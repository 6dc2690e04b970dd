// Package codec encodes event payloads to the bytes stored in the queue and
// decodes them back, tagging the chosen encoding so the Sync Engine can
// reverse it without guessing.
package codec

import (
	"github.com/kioskops/edge-sdk/internal/crypto"
	"github.com/kioskops/edge-sdk/internal/kerrors"
)

// Encoding tags how payload_blob bytes are to be interpreted.
type Encoding string

const (
	PlainUTF8 Encoding = "PLAIN_UTF8"
	AESGCMV1  Encoding = "AESGCM_V1"
)

// Encode picks AESGCM_V1 when encryptFlag is set and the provider is enabled,
// else PLAIN_UTF8. keyVersion is 0 (absent) for PLAIN_UTF8.
func Encode(jsonStr string, encryptFlag bool, provider crypto.Provider) (blob []byte, encoding Encoding, keyVersion int, err error) {
	if encryptFlag && provider != nil && provider.Enabled() {
		blob, err = provider.Encrypt([]byte(jsonStr))
		if err != nil {
			return nil, "", 0, err
		}
		return blob, AESGCMV1, provider.CurrentKeyVersion(), nil
	}
	return []byte(jsonStr), PlainUTF8, 0, nil
}

// Decode reverses Encode. An unrecognized encoding tag is a hard error; the
// function never guesses at an interpretation.
func Decode(blob []byte, encoding Encoding, keyVersion int, provider crypto.Provider) (string, error) {
	switch encoding {
	case PlainUTF8:
		return string(blob), nil
	case AESGCMV1:
		if provider == nil {
			return "", kerrors.Wrap(kerrors.ErrUnknownKeyVersion, "no crypto provider configured")
		}
		plain, err := provider.Decrypt(blob)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	default:
		return "", kerrors.Wrap(kerrors.ErrUnsupportedEncoding, "%q", encoding)
	}
}
