package agent

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iceweasel13/monplace/internal/auth"
	"github.com/iceweasel13/monplace/internal/grid"
	"github.com/iceweasel13/monplace/internal/ledger"
	"github.com/iceweasel13/monplace/internal/reconcile"
)

type fakeLedger struct {
	mu      sync.Mutex
	paints  []reconcile.Proposal
	receipt chan error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{receipt: make(chan error, 1)}
}

func (l *fakeLedger) Paint(_ context.Context, x, y, colorIndex int) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paints = append(l.paints, reconcile.Proposal{Coord: grid.Coord{X: x, Y: y}, ColorIndex: colorIndex})
	return common.HexToHash("0x1234"), nil
}

func (l *fakeLedger) Await(ctx context.Context, _ common.Hash) (*types.Receipt, error) {
	select {
	case err := <-l.receipt:
		if err != nil {
			return nil, err
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLedger) paintCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.paints)
}

// paintEndpoint verifies the session like the real server and answers with status.
func paintEndpoint(t *testing.T, key *ecdsa.PrivateKey, status int) *httptest.Server {
	t.Helper()
	want := auth.ActorID(crypto.PubkeyToAddress(key.PublicKey))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := auth.SessionVerifier{}.Verify(auth.BearerToken(r))
		if err != nil || actor != want {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		var body map[string]int
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch status {
		case http.StatusOK:
			_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
		case http.StatusTooManyRequests:
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "cooldown active", "retryAfterSeconds": 30})
		default:
			w.WriteHeader(status)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPaintClientAdmitsThenSends(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := paintEndpoint(t, key, http.StatusOK)
	l := newFakeLedger()
	pc := NewPaintClient(srv.URL, key, time.Hour, l)

	hash, err := pc.Submit(context.Background(), reconcile.Proposal{ColorIndex: 4})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x1234").Hex(), hash)
	assert.Equal(t, 1, l.paintCount())

	l.receipt <- nil
	require.NoError(t, pc.Await(context.Background(), hash))

	l.receipt <- ledger.ErrReverted
	assert.ErrorIs(t, pc.Await(context.Background(), hash), ledger.ErrReverted)
}

func TestPaintClientCooldownSkipsLedger(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := paintEndpoint(t, key, http.StatusTooManyRequests)
	l := newFakeLedger()
	pc := NewPaintClient(srv.URL, key, time.Hour, l)

	_, err = pc.Submit(context.Background(), reconcile.Proposal{ColorIndex: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusTooManyRequests, rejected.Status)
	assert.Equal(t, 30*time.Second, rejected.RetryAfter)
	assert.Zero(t, l.paintCount())
}

func TestPaintClientReusesSession(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	pc := NewPaintClient("http://unused", key, time.Hour, newFakeLedger())
	pc.now = func() time.Time { return now }

	first, err := pc.session()
	require.NoError(t, err)
	now = now.Add(30 * time.Minute)
	second, err := pc.session()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	now = now.Add(29*time.Minute + 30*time.Second)
	third, err := pc.session()
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "tokens close to expiry are renewed")
}
