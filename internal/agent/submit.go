package agent

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/iceweasel13/monplace/internal/auth"
	"github.com/iceweasel13/monplace/internal/reconcile"
)

// ErrRejected matches every RejectedError.
var ErrRejected = errors.New("agent: paint rejected by server")

// RejectedError is a non-200 answer from POST /api/paint.
type RejectedError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected paint (%d): %s", e.Status, e.Message)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// LedgerWriter sends and tracks paint transactions. *ledger.Submitter implements it.
type LedgerWriter interface {
	Paint(ctx context.Context, x, y, colorIndex int) (common.Hash, error)
	Await(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// PaintClient asks the server to admit a paint and, once admitted, sends the
// ledger transaction.
type PaintClient struct {
	baseURL    string
	http       *http.Client
	key        *ecdsa.PrivateKey
	sessionTTL time.Duration
	ledger     LedgerWriter
	now        func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

var _ reconcile.Submitter = (*PaintClient)(nil)

func NewPaintClient(baseURL string, key *ecdsa.PrivateKey, sessionTTL time.Duration, ledger LedgerWriter) *PaintClient {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &PaintClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 15 * time.Second},
		key:        key,
		sessionTTL: sessionTTL,
		ledger:     ledger,
		now:        time.Now,
	}
}

// session returns a token valid for at least another minute.
func (p *PaintClient) session() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.token != "" && now.Add(time.Minute).Before(p.expiry) {
		return p.token, nil
	}
	expiry := now.Add(p.sessionTTL)
	token, err := auth.SignSession(p.key, expiry)
	if err != nil {
		return "", err
	}
	p.token, p.expiry = token, expiry
	return token, nil
}

func (p *PaintClient) Submit(ctx context.Context, prop reconcile.Proposal) (string, error) {
	if err := p.admit(ctx, prop); err != nil {
		return "", err
	}
	hash, err := p.ledger.Paint(ctx, prop.X, prop.Y, prop.ColorIndex)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (p *PaintClient) Await(ctx context.Context, txHash string) error {
	_, err := p.ledger.Await(ctx, common.HexToHash(txHash))
	return err
}

func (p *PaintClient) admit(ctx context.Context, prop reconcile.Proposal) error {
	token, err := p.session()
	if err != nil {
		return fmt.Errorf("sign session: %w", err)
	}
	body, err := json.Marshal(map[string]int{"x": prop.X, "y": prop.Y, "color": prop.ColorIndex})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/paint", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("paint request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var answer struct {
		Error             string `json:"error"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&answer)
	if answer.Error == "" {
		answer.Error = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		p.mu.Lock()
		p.token = ""
		p.mu.Unlock()
	}
	return &RejectedError{
		Status:     resp.StatusCode,
		Message:    answer.Error,
		RetryAfter: time.Duration(answer.RetryAfterSeconds) * time.Second,
	}
}
