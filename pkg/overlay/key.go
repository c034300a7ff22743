package overlay

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// WorkspaceKeySize is the length in bytes of a WorkspaceKey.
const WorkspaceKeySize = 32

// WorkspaceKey is the symmetric key shared by every peer in a workspace,
// used by pkg/meshcrypto to encrypt and decrypt sync payloads. It carries
// no asymmetric structure or clamping — it is consumed directly by
// secretbox.
type WorkspaceKey [WorkspaceKeySize]byte

// GenerateWorkspaceKey generates a new random WorkspaceKey.
func GenerateWorkspaceKey() (WorkspaceKey, error) {
	var k WorkspaceKey
	if _, err := rand.Read(k[:]); err != nil {
		return WorkspaceKey{}, fmt.Errorf("generating workspace key: %w", err)
	}
	return k, nil
}

// ParseWorkspaceKey decodes a base64-encoded WorkspaceKey string.
func ParseWorkspaceKey(s string) (WorkspaceKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return WorkspaceKey{}, fmt.Errorf("decoding workspace key: %w", err)
	}
	if len(b) != WorkspaceKeySize {
		return WorkspaceKey{}, fmt.Errorf("invalid workspace key length: got %d, want %d", len(b), WorkspaceKeySize)
	}
	var k WorkspaceKey
	copy(k[:], b)
	return k, nil
}

// String returns the base64-encoded representation of the key.
func (k WorkspaceKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether k is the zero value.
func (k WorkspaceKey) IsZero() bool {
	var zero WorkspaceKey
	return k == zero
}

// MarshalText implements encoding.TextMarshaler for TOML/JSON encoding.
func (k WorkspaceKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler for TOML/JSON decoding.
func (k *WorkspaceKey) UnmarshalText(text []byte) error {
	parsed, err := ParseWorkspaceKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
