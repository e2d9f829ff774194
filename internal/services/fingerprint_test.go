package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("title", "content", "sunny", "happy", "life")
	b := Fingerprint("title", "content", "sunny", "happy", "life")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("title", "content", "sunny", "happy", "life")
	assert.NotEqual(t, base, Fingerprint("title2", "content", "sunny", "happy", "life"))
	assert.NotEqual(t, base, Fingerprint("title", "content2", "sunny", "happy", "life"))
	assert.NotEqual(t, base, Fingerprint("title", "content", "rain", "happy", "life"))
	assert.NotEqual(t, base, Fingerprint("title", "content", "sunny", "sad", "life"))
	assert.NotEqual(t, base, Fingerprint("title", "content", "sunny", "happy", "work"))
}

func TestFingerprintLengthFraming(t *testing.T) {
	// Without framing, adjacent fields could compensate for each other.
	assert.NotEqual(t,
		Fingerprint("ab", "c", "", "", ""),
		Fingerprint("a", "bc", "", "", ""))
	assert.NotEqual(t,
		Fingerprint("", "", "", "", "x"),
		Fingerprint("x", "", "", "", ""))
}
