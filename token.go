package consent

import (
	"crypto/rand"
	"encoding/base64"

	goerrors "github.com/goliatone/go-errors"
)

// tokenEntropyBytes gives 256 bits of entropy, double the 128-bit floor the
// protocol requires. Collisions are enforced away by the store's unique
// index either way.
const tokenEntropyBytes = 32

// NewOpaqueToken mints a URL-safe opaque token suitable for deep links.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read token entropy")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
