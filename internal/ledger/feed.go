package ledger

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// FeedState is the connection state of the push feed.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedFailed       FeedState = "failed"
)

// FeedFrame is one confirmation pushed by the chain indexer.
type FeedFrame struct {
	Kind   string `json:"kind"`
	GameID string `json:"gameId"`
	Player string `json:"player"`
	Nonce  uint64 `json:"nonce"`
	TxHash string `json:"txHash"`
	Status string `json:"status"`
	Block  uint64 `json:"block"`
	Reason string `json:"reason,omitempty"`
}

// Event converts a frame; ok is false for frames that carry no final outcome.
func (f FeedFrame) Event() (Event, bool) {
	outcome := Outcome(strings.ToUpper(strings.TrimSpace(f.Status)))
	if !outcome.Final() || !common.IsHexAddress(f.Player) {
		return Event{}, false
	}
	kind := KindStake
	if strings.EqualFold(f.Kind, string(KindPayout)) {
		kind = KindPayout
	}
	hash := common.HexToHash(f.TxHash)
	return Event{
		Key:     SubmissionKey{Kind: kind, GameID: strings.TrimSpace(f.GameID), Player: common.HexToAddress(f.Player), Nonce: f.Nonce},
		Receipt: Receipt{Hash: hash, Outcome: outcome, BlockRef: f.Block, Reason: f.Reason},
		At:      time.Now(),
	}, true
}

// Feed subscribes to an indexer websocket and forwards confirmations as Events.
type Feed struct {
	url         string
	out         chan<- Event
	maxAttempts int
	header      http.Header
	logger      *zap.Logger

	mu    sync.RWMutex
	state FeedState
}

func NewFeed(url string, out chan<- Event, maxAttempts int, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{url: strings.TrimSpace(url), out: out, maxAttempts: maxAttempts, header: http.Header{}, logger: logger, state: FeedDisconnected}
}

// SetHeader adds a handshake header (e.g. an indexer API key).
func (f *Feed) SetHeader(k, v string) {
	if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
		f.header.Set(k, v)
	}
}

func (f *Feed) State() FeedState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *Feed) setState(s FeedState) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.mu.Unlock()
	if prev != s {
		f.logger.Info("ledger_feed_state", zap.String("state", string(s)))
	}
}

// Run connects and reads frames until ctx is done. Consecutive connection failures beyond
// maxAttempts stop the feed; the poller and reconciliation worker still cover confirmations.
func (f *Feed) Run(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			f.setState(FeedDisconnected)
			return
		}
		f.setState(FeedConnecting)
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
			CompressionMode: websocket.CompressionNoContextTakeover,
			HTTPHeader:      f.header,
		})
		cancel()
		if err != nil {
			failures++
			f.logger.Warn("ledger_feed_dial_error", zap.Int("attempt", failures), zap.Error(err))
			if f.maxAttempts > 0 && failures >= f.maxAttempts {
				f.setState(FeedFailed)
				return
			}
			if !sleepCtx(ctx, feedBackoff(failures)) {
				return
			}
			continue
		}
		failures = 0
		f.setState(FeedConnected)
		f.listen(ctx, conn)
		_ = conn.Close(websocket.StatusGoingAway, "reconnect")
		f.setState(FeedDisconnected)
	}
}

func (f *Feed) listen(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame FeedFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("ledger_feed_read_error", zap.Error(err))
			}
			return
		}
		ev, ok := frame.Event()
		if !ok {
			continue
		}
		select {
		case f.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func feedBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
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
