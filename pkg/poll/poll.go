// Package poll implements the offline fallback path: when no live peer is
// reachable for a room, a relay-mediated HTTP poll retrieves missed
// messages using the same reconciliation contract as the peer exchange.
package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mbryde/peerchat/pkg/reconcile"
	"github.com/mbryde/peerchat/pkg/roomkey"
	"github.com/mbryde/peerchat/pkg/wire"
)

// DefaultInterval is the timer period between polls.
const DefaultInterval = 30 * time.Second

// Bridge polls the relay for one room and merges the result through the
// reconciliation engine. Poll failures are skipped silently and retried
// on the next tick; they never block local message composition.
type Bridge struct {
	client   *http.Client
	baseURL  string
	roomID   string
	token    string
	engine   *reconcile.Engine
	interval time.Duration
	logger   *slog.Logger

	// key returns the room key if locally available. Content that does
	// not decrypt is merged as ciphertext.
	key func() (roomkey.Key, bool)

	// active reports whether any live peer is reachable; the timer only
	// polls when it returns false.
	active func() bool

	pollNow chan struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(b *Bridge) { b.interval = d }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) { b.client = c }
}

// WithKeySource supplies the room key lookup.
func WithKeySource(f func() (roomkey.Key, bool)) Option {
	return func(b *Bridge) { b.key = f }
}

// WithLiveCheck supplies the "is any peer reachable" probe.
func WithLiveCheck(f func() bool) Option {
	return func(b *Bridge) { b.active = f }
}

// New creates a bridge for one room. baseURL is the relay root, token the
// room token minted by the relay.
func New(baseURL, roomID, token string, engine *reconcile.Engine, opts ...Option) *Bridge {
	b := &Bridge{
		client:   &http.Client{Timeout: 15 * time.Second},
		baseURL:  baseURL,
		roomID:   roomID,
		token:    token,
		engine:   engine,
		interval: DefaultInterval,
		logger:   slog.Default(),
		key:      func() (roomkey.Key, bool) { return nil, false },
		active:   func() bool { return false },
		pollNow:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "poll"), slog.String("room", roomID))
	return b
}

// Run drives the poll timer until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.active() {
				continue
			}
		case <-b.pollNow:
		}
		if applied, err := b.Poll(ctx); err != nil {
			b.logger.Debug("poll skipped", slog.String("error", err.Error()))
		} else if applied.Messages > 0 {
			b.logger.Info("poll merged messages", slog.Int("count", applied.Messages))
		}
	}
}

// PollNow triggers an immediate poll from Run's loop.
func (b *Bridge) PollNow() {
	select {
	case b.pollNow <- struct{}{}:
	default:
	}
}

// Poll performs one relay round-trip: send the per-room watermark,
// decrypt whatever content the local key covers, and merge through the
// idempotent rule.
func (b *Bridge) Poll(ctx context.Context) (reconcile.Applied, error) {
	var applied reconcile.Applied
	watermark, err := b.engine.RoomWatermark()
	if err != nil {
		return applied, fmt.Errorf("room watermark: %w", err)
	}

	var resp wire.PollResponse
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := b.post(ctx, watermark)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp = *r
		return nil
	})
	if err != nil {
		return applied, fmt.Errorf("poll %s: %w", b.roomID, err)
	}

	key, haveKey := b.key()
	for i := range resp.Messages {
		if !haveKey {
			break
		}
		if plain, ok := roomkey.Decrypt(resp.Messages[i].Content, key); ok {
			resp.Messages[i].Content = plain
		}
	}
	return b.engine.ApplyPayload("", &wire.SyncPayload{Messages: resp.Messages})
}

func (b *Bridge) post(ctx context.Context, watermark string) (*wire.PollResponse, error) {
	body, err := json.Marshal(wire.PollRequest{LastMessageID: watermark})
	if err != nil {
		return nil, fmt.Errorf("marshal poll request: %w", err)
	}
	url := fmt.Sprintf("%s/rooms/%s/poll", b.baseURL, b.roomID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	res, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned %d", res.StatusCode)
	}
	var out wire.PollResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &out, nil
}
