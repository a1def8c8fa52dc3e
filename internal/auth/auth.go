// Package auth verifies signed wallet sessions.
//
// A session token binds an actor address to an expiry and carries an EIP-191
// personal signature over both, so the server can recover the signer without
// holding any session state.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrExpired         = fmt.Errorf("%w: session expired", ErrUnauthenticated)
)

// Verifier resolves a bearer token to the actor it proves.
type Verifier interface {
	Verify(token string) (string, error)
}

// FuncVerifier adapts a function into a Verifier.
type FuncVerifier func(token string) (string, error)

func (f FuncVerifier) Verify(token string) (string, error) {
	return f(token)
}

// SessionVerifier checks tokens produced by SignSession.
type SessionVerifier struct {
	Now func() time.Time
}

func (v SessionVerifier) Verify(token string) (string, error) {
	addr, expiry, sig, err := parseToken(token)
	if err != nil {
		return "", err
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if !now().Before(time.Unix(expiry, 0)) {
		return "", ErrExpired
	}
	hash := accounts.TextHash([]byte(SessionMessage(addr, expiry)))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return "", fmt.Errorf("%w: signer mismatch", ErrUnauthenticated)
	}
	return ActorID(addr), nil
}

// ActorID is the canonical actor key for an address.
func ActorID(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// SessionMessage is the text the wallet signs.
func SessionMessage(addr common.Address, expiry int64) string {
	return fmt.Sprintf("monplace session %s %d", ActorID(addr), expiry)
}

// SignSession mints a token for key valid until expiry.
func SignSession(key *ecdsa.PrivateKey, expiry time.Time) (string, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	exp := expiry.Unix()
	sig, err := crypto.Sign(accounts.TextHash([]byte(SessionMessage(addr, exp))), key)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return fmt.Sprintf("%s.%d.%s", ActorID(addr), exp, hexutil.Encode(sig)), nil
}

func parseToken(token string) (common.Address, int64, []byte, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return common.Address{}, 0, nil, fmt.Errorf("%w: malformed token", ErrUnauthenticated)
	}
	if !common.IsHexAddress(parts[0]) {
		return common.Address{}, 0, nil, fmt.Errorf("%w: bad address", ErrUnauthenticated)
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return common.Address{}, 0, nil, fmt.Errorf("%w: bad expiry", ErrUnauthenticated)
	}
	sig, err := hexutil.Decode(parts[2])
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, 0, nil, fmt.Errorf("%w: bad signature", ErrUnauthenticated)
	}
	// Wallets emit V as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	return common.HexToAddress(parts[0]), expiry, sig, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
