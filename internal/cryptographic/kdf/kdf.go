package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Size is the output size of every secret in the key schedule.
const Size = sha256.Size

const labelPrefix = "MLS 1.0 "

// Extract is HKDF-Extract with SHA-256.
func Extract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// ExpandWithLabel derives length bytes from secret bound to label and
// context, mirroring the MLS KDFLabel structure.
func ExpandWithLabel(secret []byte, label string, context []byte, length int) ([]byte, error) {
	full := labelPrefix + label
	info := make([]byte, 0, 2+1+len(full)+4+len(context))
	info = binary.BigEndian.AppendUint16(info, uint16(length))
	info = append(info, byte(len(full)))
	info = append(info, full...)
	info = binary.BigEndian.AppendUint32(info, uint32(len(context)))
	info = append(info, context...)

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		return nil, fmt.Errorf("expand %q: %w", label, err)
	}
	return out, nil
}

// DeriveSecret derives a Size-byte secret for label with an empty context.
func DeriveSecret(secret []byte, label string) ([]byte, error) {
	return ExpandWithLabel(secret, label, nil, Size)
}

// MAC computes HMAC-SHA256 of data under key.
func MAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// VerifyMAC compares tag against the MAC of data in constant time.
func VerifyMAC(key, data, tag []byte) bool {
	return hmac.Equal(MAC(key, data), tag)
}
