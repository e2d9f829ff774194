package services

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint hashes the fields that constitute "content changed": title,
// content, weather, mood, space. msg_count is deliberately excluded so
// count-only changes are detected separately. Fields are length-framed so
// ("ab","c") and ("a","bc") never collide.
func Fingerprint(title, content, weather, mood, space string) string {
	h := sha256.New()
	for _, field := range []string{title, content, weather, mood, space} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
