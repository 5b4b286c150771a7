package consoleapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	sse "github.com/tmaxmax/go-sse"
	"golang.org/x/oauth2"

	"github.com/aussiebroadwan/console/pkg/gateway"
)

// DefaultEventsPath is the server's global message stream.
const DefaultEventsPath = "/event/global_message"

// DefaultReconnectDelay is the pause before re-opening a dropped stream.
const DefaultReconnectDelay = 3 * time.Second

const maxEventSize = 1 << 20

// Event is one server-sent event. ID is the last event ID the stream has
// announced, which may belong to an earlier event.
type Event struct {
	ID   string
	Type string
	Data []byte
}

// Decode unmarshals the event data as JSON.
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// Message is the payload the console's message stream carries.
type Message struct {
	MessageType string          `json:"message_type"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// StatusError is returned when the stream endpoint answers with anything but
// 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("event stream: unexpected status %d", e.StatusCode)
}

// Events subscribes to server-sent event streams. Requests carry the stored
// access token through an oauth2 transport; a stream rejected with 401 is
// retried once after a Gateway refresh.
type Events struct {
	gw      *gateway.Gateway
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewEvents creates an Events. base supplies the underlying round tripper
// and cookie jar; its timeout is not used, as streams are long-lived.
func NewEvents(gw *gateway.Gateway, baseURL string, base *http.Client, logger *slog.Logger) *Events {
	if base == nil {
		base = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Events{
		gw:      gw,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Transport: &oauth2.Transport{
				Source: gateway.StoreTokenSource(gw),
				Base:   base.Transport,
			},
			Jar: base.Jar,
		},
		logger: logger,
	}
}

// Subscription is a live event stream.
type Subscription struct {
	events chan Event

	mu  sync.Mutex
	err error
}

// Events delivers events until the stream ends. The channel is closed when
// the subscription's context is cancelled or the stream fails for good.
func (s *Subscription) Events() <-chan Event { return s.events }

// Err returns the error that ended the subscription, or nil if it ended by
// cancellation. Valid once Events is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Subscribe opens the stream at path. The first connection is made before
// returning so authentication failures surface here. Dropped connections are
// re-established with the last event ID until ctx is cancelled.
func (e *Events) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	body, err := e.connect(ctx, path, "")
	if err != nil {
		return nil, err
	}

	sub := &Subscription{events: make(chan Event)}
	go e.pump(ctx, path, body, sub)
	return sub, nil
}

func (e *Events) pump(ctx context.Context, path string, body io.ReadCloser, sub *Subscription) {
	defer close(sub.events)

	var lastID string
	for {
		err := readEvents(body, func(ev Event) bool {
			lastID = ev.ID
			if ev.Type == "" && len(ev.Data) == 0 {
				return true
			}
			select {
			case sub.events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
		_ = body.Close()

		if ctx.Err() != nil {
			return
		}
		e.logger.WarnContext(ctx, "event stream dropped, reconnecting",
			"path", path,
			"last_event_id", lastID,
			"delay", DefaultReconnectDelay.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(DefaultReconnectDelay):
		}

		body, err = e.connect(ctx, path, lastID)
		if err != nil {
			if ctx.Err() == nil {
				sub.fail(err)
			}
			return
		}
	}
}

// connect opens the stream, refreshing once on 401 or when no token is held.
func (e *Events) connect(ctx context.Context, path, lastID string) (io.ReadCloser, error) {
	for attempt := 0; ; attempt++ {
		stale := e.gw.Token()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		if lastID != "" {
			req.Header.Set("Last-Event-ID", lastID)
		}

		resp, err := e.client.Do(req)
		unauthorized := errors.Is(err, gateway.ErrNoToken) ||
			(err == nil && resp.StatusCode == http.StatusUnauthorized)

		if unauthorized && attempt == 0 {
			if resp != nil {
				_ = resp.Body.Close()
			}
			if _, err := e.gw.Refresh(ctx, stale); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open event stream: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
		}

		e.logger.DebugContext(ctx, "event stream connected", "path", path)
		return resp.Body, nil
	}
}

// readEvents parses a text/event-stream body, calling emit for each
// dispatched event until emit returns false. It returns io.EOF when the body
// ends.
func readEvents(r io.Reader, emit func(Event) bool) error {
	for ev, err := range sse.Read(r, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			return err
		}
		if !emit(Event{ID: ev.LastEventID, Type: ev.Type, Data: []byte(ev.Data)}) {
			return nil
		}
	}
	return io.EOF
}
