package auth

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	token, err := SignSession(key, now.Add(time.Hour))
	require.NoError(t, err)

	actor, err := SessionVerifier{Now: func() time.Time { return now }}.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, ActorID(crypto.PubkeyToAddress(key.PublicKey)), actor)
}

func TestSessionExpired(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	token, err := SignSession(key, now)
	require.NoError(t, err)

	_, err = SessionVerifier{Now: func() time.Time { return now }}.Verify(token)
	assert.True(t, errors.Is(err, ErrExpired))
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestSessionRejectsForeignAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	token, err := SignSession(key, now.Add(time.Hour))
	require.NoError(t, err)
	parts := strings.Split(token, ".")
	parts[0] = ActorID(crypto.PubkeyToAddress(other.PublicKey))

	_, err = SessionVerifier{Now: func() time.Time { return now }}.Verify(strings.Join(parts, "."))
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestSessionMalformed(t *testing.T) {
	for _, token := range []string{"", "a.b", "0xzz.1.0x00", "0x00000000000000000000000000000000000000aa.x.0x00"} {
		_, err := SessionVerifier{}.Verify(token)
		assert.True(t, errors.Is(err, ErrUnauthenticated), "token=%q", token)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/paint", nil)
	assert.Equal(t, "", BearerToken(r))
	r.Header.Set("Authorization", "Bearer abc.1.0x")
	assert.Equal(t, "abc.1.0x", BearerToken(r))
}
