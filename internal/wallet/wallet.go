// Package wallet is the client for the external Wallet/Ledger service.
//
// The wallet service is the system of record for account balances. Every
// settlement operation in this core is ultimately one or more primitive
// debit/credit calls against it, each of which can fail independently of
// local state.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridianpay/settlecore/internal/metrics"
)

var (
	ErrInvalidIdentity     = errors.New("wallet: invalid identity")
	ErrInvalidAmount       = errors.New("wallet: invalid amount")
	ErrInsufficientFunds   = errors.New("wallet: insufficient funds")
	ErrWalletUnavailable   = errors.New("wallet: service unavailable")
	ErrOperationRejected   = errors.New("wallet: operation rejected")
)

// CallError wraps wallet call failures with context.
type CallError struct {
	Op       string // Operation that failed
	Identity string
	Err      error // Underlying error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("wallet: %s failed for %s: %v", e.Op, e.Identity, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Service abstracts the remote wallet so managers don't depend on transport.
type Service interface {
	GetBalance(ctx context.Context, identity, token string) (int64, error)
	Debit(ctx context.Context, identity string, amount int64, token string) error
	Credit(ctx context.Context, identity string, amount int64, token string) error
}

// Client implements Service over the wallet service's HTTP JSON API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a wallet client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	Identity string `json:"identity"`
	Amount   int64  `json:"amount"`
	Token    string `json:"token,omitempty"`
}

type balanceResponse struct {
	Identity string `json:"identity"`
	Token    string `json:"token,omitempty"`
	Amount   int64  `json:"amount"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// GetBalance returns the identity's balance for a token ("" = native unit).
func (c *Client) GetBalance(ctx context.Context, identity, token string) (int64, error) {
	if identity == "" {
		return 0, ErrInvalidIdentity
	}

	q := url.Values{"identity": {identity}}
	if token != "" {
		q.Set("token", token)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/balance?"+q.Encode(), nil)
	if err != nil {
		return 0, &CallError{Op: "get_balance", Identity: identity, Err: err}
	}

	resp, err := c.http.Do(req)
	c.observe("get_balance", start, err)
	if err != nil {
		return 0, &CallError{Op: "get_balance", Identity: identity, Err: ErrWalletUnavailable}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &CallError{Op: "get_balance", Identity: identity, Err: decodeError(resp)}
	}

	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, &CallError{Op: "get_balance", Identity: identity, Err: err}
	}
	return out.Amount, nil
}

// Debit removes amount from the identity's wallet balance.
func (c *Client) Debit(ctx context.Context, identity string, amount int64, token string) error {
	return c.transfer(ctx, "debit", identity, amount, token)
}

// Credit adds amount to the identity's wallet balance.
func (c *Client) Credit(ctx context.Context, identity string, amount int64, token string) error {
	return c.transfer(ctx, "credit", identity, amount, token)
}

func (c *Client) transfer(ctx context.Context, op, identity string, amount int64, token string) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	body, err := json.Marshal(transferRequest{Identity: identity, Amount: amount, Token: token})
	if err != nil {
		return &CallError{Op: op, Identity: identity, Err: err}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/"+op, bytes.NewReader(body))
	if err != nil {
		return &CallError{Op: op, Identity: identity, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	c.observe(op, start, err)
	if err != nil {
		return &CallError{Op: op, Identity: identity, Err: ErrWalletUnavailable}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &CallError{Op: op, Identity: identity, Err: decodeError(resp)}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.WalletCallsTotal.WithLabelValues(op, result).Inc()
	metrics.WalletCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func decodeError(resp *http.Response) error {
	var er errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)

	switch resp.StatusCode {
	case http.StatusPaymentRequired, http.StatusConflict:
		return ErrInsufficientFunds
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if er.Message != "" {
			return fmt.Errorf("%w: %s", ErrOperationRejected, er.Message)
		}
		return ErrOperationRejected
	default:
		if resp.StatusCode >= 500 {
			return ErrWalletUnavailable
		}
		return fmt.Errorf("%w: unexpected status %d", ErrOperationRejected, resp.StatusCode)
	}
}
