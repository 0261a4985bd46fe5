package relaycrypt

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// KeySchedule expands a handshake secret into n bytes of layer key
// material. Callers that already hold raw seed bytes skip this and use
// NewTor1 / NewCgo directly.
func KeySchedule(secret []byte, label string, n int) ([]byte, error) {
	shake := sha3.NewShake256()
	shake.Write([]byte(label))
	shake.Write(secret)
	out := make([]byte, n)
	if _, err := io.ReadFull(shake, out); err != nil {
		return nil, errors.Wrap(err, "expanding layer keys")
	}
	return out, nil
}
