package store

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Envelope sizes for AES-256-GCM.
const (
	IVSize  = 12 // GCM nonce
	TagSize = 16 // GCM authentication tag
)

// Envelope is one encrypted value: IV, authentication tag and ciphertext.
// The wire form is three hex segments joined by ':', e.g.
//
//	"9f3c…(24 hex):a1b2…(32 hex):deadbeef…"
//
// Legacy (pre-migration) values are raw hex with no ':' separator and are
// handled by the migration path only.
type Envelope struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// String encodes the envelope in its three-segment wire form.
func (e Envelope) String() string {
	return hex.EncodeToString(e.IV) + ":" + hex.EncodeToString(e.Tag) + ":" + hex.EncodeToString(e.Ciphertext)
}

// ParseEnvelope decodes the three-segment wire form. It rejects anything
// that does not have exactly three hex segments with the correct IV and
// tag lengths.
func ParseEnvelope(s string) (Envelope, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Envelope{}, fmt.Errorf("%w: want 3 segments, got %d", ErrBadEnvelope, len(parts))
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: iv: %v", ErrBadEnvelope, err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: tag: %v", ErrBadEnvelope, err)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: ciphertext: %v", ErrBadEnvelope, err)
	}

	if len(iv) != IVSize {
		return Envelope{}, fmt.Errorf("%w: iv is %d bytes, want %d", ErrBadEnvelope, len(iv), IVSize)
	}
	if len(tag) != TagSize {
		return Envelope{}, fmt.Errorf("%w: tag is %d bytes, want %d", ErrBadEnvelope, len(tag), TagSize)
	}

	return Envelope{IV: iv, Tag: tag, Ciphertext: ct}, nil
}

// isEnvelopeString reports whether s looks like the three-segment wire form.
func isEnvelopeString(s string) bool {
	_, err := ParseEnvelope(s)
	return err == nil
}
