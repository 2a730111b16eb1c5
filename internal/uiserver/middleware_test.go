package uiserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/seu-repo/sigec-sim/pkg/config"
)

func TestRateLimiter_BlocksAfterMax(t *testing.T) {
	rl := newRateLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		ok, _ := rl.allow("10.0.0.1")
		require.True(t, ok, "request %d within the window budget", i+1)
	}

	ok, retryAfter := rl.allow("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)

	ok, _ := rl.allow("10.0.0.1")
	require.True(t, ok)
	ok, _ = rl.allow("10.0.0.1")
	assert.False(t, ok)

	ok, _ = rl.allow("10.0.0.2")
	assert.True(t, ok, "a different client keeps its own budget")
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl := newRateLimiter(1, 20*time.Millisecond)

	ok, _ := rl.allow("10.0.0.1")
	require.True(t, ok)
	ok, _ = rl.allow("10.0.0.1")
	require.False(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, _ = rl.allow("10.0.0.1")
	assert.True(t, ok, "budget restored after the window rolls over")
}

func TestCheckBasicCredentials_Plaintext(t *testing.T) {
	auth := config.UIServerAuth{Username: "admin", Password: "s3cret"}

	assert.True(t, checkBasicCredentials(auth, "admin", "s3cret"))
	assert.False(t, checkBasicCredentials(auth, "admin", "wrong"))
	assert.False(t, checkBasicCredentials(auth, "other", "s3cret"))
}

func TestCheckBasicCredentials_HashWinsOverPlaintext(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	auth := config.UIServerAuth{
		Username:     "admin",
		Password:     "plain-pass",
		PasswordHash: string(hash),
	}

	assert.True(t, checkBasicCredentials(auth, "admin", "hashed-pass"))
	assert.False(t, checkBasicCredentials(auth, "admin", "plain-pass"),
		"plaintext must be ignored when a hash is configured")
}

func TestParseBasicAuth(t *testing.T) {
	// "admin:s3cret"
	username, password, ok := parseBasicAuth("Basic YWRtaW46czNjcmV0")
	require.True(t, ok)
	assert.Equal(t, "admin", username)
	assert.Equal(t, "s3cret", password)

	_, _, ok = parseBasicAuth("Bearer token")
	assert.False(t, ok)

	_, _, ok = parseBasicAuth("Basic !!!not-base64!!!")
	assert.False(t, ok)

	// "nocolon"
	_, _, ok = parseBasicAuth("Basic bm9jb2xvbg==")
	assert.False(t, ok)
}

func TestProtocolCredentials(t *testing.T) {
	// "admin:s3cret"
	username, password, ok := protocolCredentials("ui0.0.1, authorization.basic.YWRtaW46czNjcmV0")
	require.True(t, ok)
	assert.Equal(t, "admin", username)
	assert.Equal(t, "s3cret", password)

	_, _, ok = protocolCredentials("ui0.0.1")
	assert.False(t, ok, "no credential entry in the offer")

	_, _, ok = protocolCredentials("authorization.basic.!!!not-base64!!!")
	assert.False(t, ok)

	// "nocolon"
	_, _, ok = protocolCredentials("authorization.basic.bm9jb2xvbg==")
	assert.False(t, ok)
}
