// Package meshcrypto provides padded, authenticated encryption of variable
// length payloads under a per-workspace symmetric key (§4.2). It wraps
// golang.org/x/crypto/nacl/secretbox — XSalsa20-Poly1305 with a 24-byte
// random nonce, exactly the "secretbox" construction named throughout the
// spec — and adds a fixed-block padding scheme that hides payload size.
package meshcrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the required length of a workspace key.
const KeySize = 32

// blockSize is the padding granularity: padded plaintext length is always
// a multiple of this many bytes. Padding defeats size-based fingerprinting
// of small vs. large edits; it is a wire-compatibility requirement.
const blockSize = 4096

// nonceSize and overhead mirror secretbox's fixed sizes.
const (
	nonceSize   = 24
	macOverhead = secretbox.Overhead // 16-byte Poly1305 tag
	lenHeader   = 4                  // u32_be(origLen)
)

// minPackedLen is the shortest input DecryptUpdate attempts to open: nonce +
// tag + the 4-byte length header. Output of EncryptUpdate is always longer,
// since padding makes the sealed part at least blockSize bytes.
const minPackedLen = nonceSize + macOverhead + lenHeader

// MaxPlaintextLen bounds the size of a single plaintext passed to
// EncryptUpdate.
const MaxPlaintextLen = 100 * 1024 * 1024 // 100 MiB

// Kind discriminates the failure modes of encryption/decryption operations.
type Kind int

const (
	// KindInvalidInput means the caller-provided plaintext/key shape
	// violates a documented precondition (empty or oversize plaintext).
	KindInvalidInput Kind = iota
	// KindInvalidKey means the key is not exactly KeySize bytes or is the
	// all-zero key, which is rejected to catch construction bugs.
	KindInvalidKey
	// KindAuthFail means the ciphertext failed to authenticate. Per §7,
	// this is never propagated to the application layer as an error the
	// caller acts on beyond dropping the frame; it is reported here so
	// the caller can do exactly that.
	KindAuthFail
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindInvalidKey:
		return "InvalidKey"
	case KindAuthFail:
		return "AuthFail"
	default:
		return "Unknown"
	}
}

// Error is returned by EncryptUpdate/DecryptUpdate on failure. Callers that
// need to distinguish failure modes should inspect Kind.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("meshcrypto: %s: %s", e.Kind, e.Msg) }

func fail(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ValidateKey reports whether key is exactly KeySize bytes and not the
// all-zero key. The zero key is rejected because it almost always
// indicates an uninitialized key variable rather than a deliberate choice.
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return fail(KindInvalidKey, "key must be %d bytes, got %d", KeySize, len(key))
	}
	var zero [KeySize]byte
	if subtle.ConstantTimeCompare(key, zero[:]) == 1 {
		return fail(KindInvalidKey, "key must not be all-zero")
	}
	return nil
}

// EncryptUpdate encrypts plaintext under key, returning
// nonce || secretbox(padded, nonce, key) where padded is
// u32_be(len(plaintext)) || plaintext || zero-pad, rounded up to the next
// blockSize boundary.
func EncryptUpdate(plaintext, key []byte) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, fail(KindInvalidInput, "plaintext must not be empty")
	}
	if len(plaintext) > MaxPlaintextLen {
		return nil, fail(KindInvalidInput, "plaintext length %d exceeds max %d", len(plaintext), MaxPlaintextLen)
	}

	padded := padPlaintext(plaintext)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("meshcrypto: generating nonce: %w", err)
	}

	var secretKey [KeySize]byte
	copy(secretKey[:], key)

	out := make([]byte, 0, nonceSize+len(padded)+macOverhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, padded, &nonce, &secretKey)

	return out, nil
}

// DecryptUpdate reverses EncryptUpdate. On any validation or
// authentication failure it returns a non-nil *Error with Kind describing
// why, and no plaintext.
func DecryptUpdate(packed, key []byte) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if len(packed) < minPackedLen {
		return nil, fail(KindInvalidInput, "packed length %d below minimum %d", len(packed), minPackedLen)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], packed[:nonceSize])
	ciphertext := packed[nonceSize:]

	var secretKey [KeySize]byte
	copy(secretKey[:], key)

	padded, ok := secretbox.Open(nil, ciphertext, &nonce, &secretKey)
	if !ok {
		return nil, fail(KindAuthFail, "ciphertext failed authentication")
	}

	if len(padded) < lenHeader {
		return nil, fail(KindInvalidInput, "decrypted payload shorter than length header")
	}

	origLen := binary.BigEndian.Uint32(padded[:lenHeader])
	maxLen := uint32(len(padded) - lenHeader)
	if origLen > maxLen {
		return nil, fail(KindInvalidInput, "declared length %d exceeds payload capacity %d", origLen, maxLen)
	}
	if origLen > MaxPlaintextLen {
		return nil, fail(KindInvalidInput, "declared length %d exceeds max %d", origLen, MaxPlaintextLen)
	}

	plaintext := make([]byte, origLen)
	copy(plaintext, padded[lenHeader:lenHeader+origLen])
	return plaintext, nil
}

// padPlaintext builds u32_be(len(plaintext)) || plaintext || zero-pad,
// with total length rounded up to the next blockSize boundary. A
// block-aligned total is bumped to the next block rather than left as-is,
// so the padded length is a function of which block len(plaintext) falls
// in, not whether it happens to land exactly on a boundary — otherwise
// size classes that should be indistinguishable (a full block's worth of
// payload vs. one byte more) produce different packed lengths.
func padPlaintext(plaintext []byte) []byte {
	total := lenHeader + len(plaintext)
	padded := (total/blockSize + 1) * blockSize

	out := make([]byte, padded)
	binary.BigEndian.PutUint32(out[:lenHeader], uint32(len(plaintext)))
	copy(out[lenHeader:], plaintext)
	return out
}

// TimingSafeEqual reports whether a and b are equal using a
// constant-time comparison, regardless of where they first differ.
func TimingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecureWipe overwrites buf with random bytes and then zeroes it. This is
// best-effort: Go's garbage collector may have already copied the backing
// array elsewhere, and the compiler is free to elide writes to a buffer it
// can prove is never read again. Callers should not rely on SecureWipe as
// a hard guarantee, only as a mitigation.
func SecureWipe(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = 0
	}
}

// errAuthFail is a sentinel for callers that want errors.Is-style checks
// without importing the Kind enum directly.
var errAuthFail = errors.New("meshcrypto: authentication failed")

// IsAuthFail reports whether err is (or wraps) an authentication failure.
func IsAuthFail(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindAuthFail
	}
	return errors.Is(err, errAuthFail)
}
