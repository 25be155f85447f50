package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/park285/devasur-server/internal/msgcat"
	"github.com/valyala/fasthttp"
)

// HeaderProvider injects per-request headers such as a signing token.
type HeaderProvider func() map[string]string

// Webhook posts notices as JSON to an operator endpoint that fans them out to players.
type Webhook struct {
	url     string
	http    *fasthttp.Client
	catalog *msgcat.Catalog
	headers HeaderProvider

	timeout  time.Duration
	retryMax int
}

type Option func(*Webhook)

func WithTimeout(d time.Duration) Option { return func(w *Webhook) { w.timeout = d } }

func WithRetry(n int) Option { return func(w *Webhook) { w.retryMax = n } }

func WithHeaderProvider(h HeaderProvider) Option { return func(w *Webhook) { w.headers = h } }

func NewWebhook(url string, catalog *msgcat.Catalog, opts ...Option) *Webhook {
	w := &Webhook{
		url:      strings.TrimSpace(url),
		http:     &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		catalog:  catalog,
		timeout:  5 * time.Second,
		retryMax: 3,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Payload is the JSON body sent per notice.
type Payload struct {
	Kind     string    `json:"kind"`
	GameID   string    `json:"gameId"`
	RoomCode string    `json:"roomCode,omitempty"`
	Player   string    `json:"player,omitempty"`
	Amount   string    `json:"amount,omitempty"`
	TxHash   string    `json:"txHash,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

func (w *Webhook) payload(n Notice) Payload {
	p := Payload{Kind: string(n.Kind), GameID: n.GameID, RoomCode: n.RoomCode, Reason: n.Reason, At: n.At}
	if n.Player != (common.Address{}) {
		p.Player = n.Player.Hex()
	}
	if !n.Amount.IsZero() {
		p.Amount = n.Amount.Dec()
	}
	if n.TxHash != (common.Hash{}) {
		p.TxHash = n.TxHash.Hex()
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	if w.catalog != nil {
		text, err := w.catalog.Render("notice."+string(n.Kind), map[string]any{
			"GameID": n.GameID, "RoomCode": n.RoomCode, "Player": p.Player, "Amount": p.Amount,
			"TxHash": p.TxHash, "Block": n.Block, "Reason": n.Reason,
		})
		if err == nil {
			p.Text = text
		}
	}
	if p.Text == "" {
		p.Text = fmt.Sprintf("%s %s", n.Kind, n.GameID)
	}
	return p
}

func (w *Webhook) Notify(ctx context.Context, n Notice) error {
	if w.url == "" {
		return nil
	}
	body, err := json.Marshal(w.payload(n))
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(w.url)
	req.Header.SetContentType("application/json")
	if w.headers != nil {
		for k, v := range w.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	req.SetBody(body)

	attempts := w.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := w.http.DoDeadline(req, resp, w.deadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			if status >= 200 && status < 300 {
				return nil
			}
			err = fmt.Errorf("webhook status=%d body=%s", status, truncate(string(resp.Body()), 256))
			if !retryable(status) {
				return err
			}
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if !sleepCtx(ctx, backoff(attempt)) {
			return lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("webhook: no attempt made")
	}
	return lastErr
}

func (w *Webhook) deadline(ctx context.Context) time.Time {
	own := time.Now().Add(w.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(own) {
		return dl
	}
	return own
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff doubles from 100ms and caps at 3.2s.
func backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func retryable(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
