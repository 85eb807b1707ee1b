package push

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayarchive/internal/retry"
)

const maxFrameBytes = 4 << 20

type ListenerOptions struct {
	URL        string
	Token      string
	ClientID   string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Listener holds one websocket subscription and reconnects until its context ends.
type Listener struct {
	url     string
	token   string
	backoff retry.Strategy
	logger  *slog.Logger
}

func NewListener(opts ListenerOptions) (*Listener, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, errors.New("push url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if clientID := strings.TrimSpace(opts.ClientID); clientID != "" {
		q := parsed.Query()
		q.Set("clientId", clientID)
		parsed.RawQuery = q.Encode()
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if _, err := frameSchema(); err != nil {
		return nil, err
	}
	return &Listener{
		url:     parsed.String(),
		token:   strings.TrimSpace(opts.Token),
		backoff: retry.Exponential{Initial: opts.MinBackoff, Max: opts.MaxBackoff},
		logger:  logger,
	}, nil
}

// Run delivers events to out until ctx is cancelled. Every successful connect is
// announced with an EventConnected so the consumer can run a catch-up pass.
func (l *Listener) Run(ctx context.Context, out chan<- Event) error {
	failures := 0
	for {
		connected, err := l.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
		}
		failures++
		delay := l.backoff.Delay(failures)
		l.logger.Warn("push subscription lost", "error", err, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) session(ctx context.Context, out chan<- Event) (bool, error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}
	conn, _, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameBytes)
	l.logger.Info("push subscription established")

	if !deliver(ctx, out, Event{Type: EventConnected}) {
		return true, ctx.Err()
	}
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		ev, err := DecodeFrame(data)
		if err != nil {
			l.logger.Warn("dropping push frame", "error", err)
			continue
		}
		if !deliver(ctx, out, ev) {
			return true, ctx.Err()
		}
	}
}

func deliver(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
