package github

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	secret := "s3cret"
	body := []byte(`{"action":"opened"}`)

	t.Run("valid signature accepted", func(t *testing.T) {
		assert.True(t, VerifySignature(secret, body, SignBody(secret, body)))
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		assert.False(t, VerifySignature("other", body, SignBody(secret, body)))
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		assert.False(t, VerifySignature(secret, []byte(`{"action":"closed"}`), SignBody(secret, body)))
	})

	t.Run("missing prefix rejected", func(t *testing.T) {
		assert.False(t, VerifySignature(secret, body, "deadbeef"))
	})

	t.Run("empty header rejected", func(t *testing.T) {
		assert.False(t, VerifySignature(secret, body, ""))
	})

	t.Run("empty secret rejected", func(t *testing.T) {
		assert.False(t, VerifySignature("", body, SignBody("", body)))
	})
}

func TestIsPermissionDenied(t *testing.T) {
	assert.True(t, IsPermissionDenied(ErrForbidden))
	assert.False(t, IsPermissionDenied(nil))
	assert.False(t, IsPermissionDenied(assert.AnError))
}
