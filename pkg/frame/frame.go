// Package frame implements the binary wire layout for application payloads
// (§3/§4.1): a versioned header carrying the document id, followed by an
// opaque ciphertext (nonce || secretbox output, produced by
// pkg/meshcrypto). It also derives the 32-byte workspace topic used by
// the DHT and rendezvous transports.
//
// The frame layout and the topic derivation prefix are wire-compatible
// requirements — changing either breaks interop with other peers.
package frame

import (
	"crypto/sha256"
	"fmt"
)

// Version is the only frame version this implementation produces or
// accepts. Frames with any other version byte are dropped (ProtocolError).
const Version = 1

// MaxDocIDLen is the maximum encodable length of a UTF-8 document id,
// bounded by the single-byte length prefix.
const MaxDocIDLen = 255

// headerLen is the fixed portion of the frame: version byte + length byte.
const headerLen = 2

// topicPrefix is the fixed prefix hashed together with the workspace id to
// derive a topic. This value must never change — it is part of the wire
// protocol and altering it silently breaks discovery for every peer that
// hasn't upgraded.
const topicPrefix = "nightjar-workspace:"

// Encode writes the binary frame header for docID followed by ciphertext
// verbatim. docID must be at most MaxDocIDLen bytes once UTF-8 encoded.
func Encode(docID string, ciphertext []byte) ([]byte, error) {
	docIDBytes := []byte(docID)
	if len(docIDBytes) > MaxDocIDLen {
		return nil, fmt.Errorf("frame: docId length %d exceeds max %d", len(docIDBytes), MaxDocIDLen)
	}

	out := make([]byte, 0, headerLen+len(docIDBytes)+len(ciphertext))
	out = append(out, Version, byte(len(docIDBytes)))
	out = append(out, docIDBytes...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode parses a binary frame, returning the document id and the raw
// ciphertext (nonce || secretbox output). It returns an error for any
// version mismatch or truncated header/body — callers should treat both
// as ProtocolError: drop the frame and continue.
func Decode(data []byte) (docID string, ciphertext []byte, err error) {
	if len(data) < headerLen {
		return "", nil, fmt.Errorf("frame: truncated header (%d bytes)", len(data))
	}
	if data[0] != Version {
		return "", nil, fmt.Errorf("frame: unsupported version %d", data[0])
	}

	docIDLen := int(data[1])
	if len(data) < headerLen+docIDLen {
		return "", nil, fmt.Errorf("frame: truncated docId (want %d bytes, have %d)", docIDLen, len(data)-headerLen)
	}

	docID = string(data[headerLen : headerLen+docIDLen])
	ciphertext = data[headerLen+docIDLen:]
	return docID, ciphertext, nil
}

// Topic derives the 32-byte topic for a workspace id: SHA-256 of the fixed
// prefix concatenated with the workspace id's UTF-8 bytes. Peers sharing a
// workspace id always derive the same topic and so discover each other on
// DHT/rendezvous transports that route by topic.
func Topic(workspaceID string) [32]byte {
	h := sha256.New()
	h.Write([]byte(topicPrefix))
	h.Write([]byte(workspaceID))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
