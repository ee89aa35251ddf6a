package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ovpn-node/pkg/model"
)

// wsFrame is the envelope exchanged with the control plane socket.
type wsFrame struct {
	Type    string          `json:"type"`
	HostID  string          `json:"hostId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSPublisher streams events to the control plane over one reconnecting
// websocket. Events are buffered and flushed in batches; when the buffer is
// full new events are dropped.
type WSPublisher struct {
	endpoint string
	token    string
	hostID   string
	log      zerolog.Logger
	retry    time.Duration
	flush    time.Duration
	dialer   websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]func(json.RawMessage)
	queue    chan model.Event

	writeMu sync.Mutex // one writer per connection; never held with mu
}

// NewWSPublisher derives the socket URL from the control plane base URL.
func NewWSPublisher(controller, hostID, token string, log zerolog.Logger) (*WSPublisher, error) {
	u, err := url.Parse(controller)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/api/v1/ws/node"
	}
	q := u.Query()
	q.Set("hostId", hostID)
	u.RawQuery = q.Encode()
	return &WSPublisher{
		endpoint: u.String(),
		token:    token,
		hostID:   hostID,
		log:      log,
		retry:    5 * time.Second,
		flush:    time.Second,
		handlers: map[string]func(json.RawMessage){},
		queue:    make(chan model.Event, 512),
		dialer:   *websocket.DefaultDialer,
	}, nil
}

// SetTLS replaces the TLS settings used for wss endpoints. Call before Run.
func (w *WSPublisher) SetTLS(cfg *tls.Config) {
	w.dialer.TLSClientConfig = cfg
}

// On registers a handler for inbound frames of msgType. Call before Run.
func (w *WSPublisher) On(msgType string, fn func(json.RawMessage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[msgType] = fn
}

func (w *WSPublisher) Publish(_ context.Context, ev model.Event) error {
	select {
	case w.queue <- ev:
	default:
	}
	return nil
}

// Run keeps the connection alive and flushes the queue until ctx is done.
func (w *WSPublisher) Run(ctx context.Context) {
	go w.flushLoop(ctx)
	for {
		header := http.Header{}
		if w.token != "" {
			header.Set("Authorization", "Bearer "+w.token)
		}
		conn, resp, err := w.dialer.DialContext(ctx, w.endpoint, header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			w.log.Warn().Err(err).Str("url", w.endpoint).Int("status", status).Msg("ws dial failed")
		} else {
			w.setConn(conn)
			w.log.Info().Str("url", w.endpoint).Msg("ws connected")
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			w.readLoop(conn)
			stop()
			w.setConn(nil)
			conn.Close()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retry):
		}
	}
}

func (w *WSPublisher) setConn(c *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = c
}

func (w *WSPublisher) readLoop(conn *websocket.Conn) {
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		w.mu.Lock()
		h, ok := w.handlers[f.Type]
		w.mu.Unlock()
		if ok {
			go h(f.Payload)
		}
	}
}

func (w *WSPublisher) flushLoop(ctx context.Context) {
	t := time.NewTicker(w.flush)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.drain()
		}
	}
}

func (w *WSPublisher) drain() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return
	}
	batch := make([]model.Event, 0, 64)
Loop:
	for len(batch) < 64 {
		select {
		case ev := <-w.queue:
			batch = append(batch, ev)
		default:
			break Loop
		}
	}
	if len(batch) == 0 {
		return
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(wsFrame{Type: "events", HostID: w.hostID, Payload: payload}); err != nil {
		w.log.Warn().Err(err).Int("dropped", len(batch)).Msg("ws send failed")
	}
}
