package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/pulsekit/internal/observe"
	"github.com/MrWong99/pulsekit/pkg/audio"
)

// Message types sent on the stream.
const (
	MessageBeat    = "beat"
	MessageFrame   = "frame"
	MessageSummary = "summary"
)

// Message is the JSON envelope of every stream message. Exactly one of the
// payload fields is set.
type Message struct {
	Type    string           `json:"type"`
	Beat    *audio.BeatEvent `json:"beat,omitempty"`
	Frame   *Frame           `json:"frame,omitempty"`
	Summary *Summary         `json:"summary,omitempty"`
}

// StreamOption configures a [Stream].
type StreamOption func(*Stream)

// WithBuffer sets the per-client queue length. Default: 256 messages.
func WithBuffer(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithWriteTimeout bounds a single websocket write. Default: 5s.
func WithWriteTimeout(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin clients matching the patterns.
func WithOriginPatterns(patterns ...string) StreamOption {
	return func(s *Stream) { s.origins = patterns }
}

// WithStreamMetrics records the client count on m.
func WithStreamMetrics(m *observe.Metrics) StreamOption {
	return func(s *Stream) { s.metrics = m }
}

// Stream pushes live beats and frames to websocket clients. It is both the
// HTTP handler clients connect to and a [Sink] for the recorder.
//
// A slow client never blocks the recorder: when its queue is full the
// message is dropped for that client only.
type Stream struct {
	buffer       int
	writeTimeout time.Duration
	origins      []string
	metrics      *observe.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Uint64
}

type client struct {
	send chan []byte
}

var _ Sink = (*Stream)(nil)

// NewStream creates an empty [Stream].
func NewStream(opts ...StreamOption) *Stream {
	s := &Stream{
		buffer:       256,
		writeTimeout: 5 * time.Second,
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements [Sink].
func (s *Stream) Name() string { return "stream" }

// Subscribers returns the number of connected clients.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Dropped returns how many messages were discarded for slow clients.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// ServeHTTP upgrades the request and forwards messages until the client
// disconnects, the request context ends or the session finishes.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &client{send: make(chan []byte, s.buffer)}
	if !s.subscribe(c) {
		http.Error(w, "session finished", http.StatusGone)
		return
	}
	defer s.unsubscribe(c)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("stream: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and reports the
	// peer going away through ctx.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session finished")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("stream: write failed", "err", err)
				return
			}
		}
	}
}

func (s *Stream) subscribe(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.recordClients(1)
	return true
}

func (s *Stream) unsubscribe(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.recordClients(-1)
	}
}

// recordClients must be called with s.mu held.
func (s *Stream) recordClients(delta int64) {
	if s.metrics != nil {
		s.metrics.StreamClients.Add(context.Background(), delta)
	}
}

// broadcast must be called with s.mu held.
func (s *Stream) broadcast(msg []byte) {
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.dropped.Add(1)
		}
	}
}

// Write implements [Sink]. Beats are sent before the frames of the batch.
func (s *Stream) Write(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.clients) == 0 {
		return nil
	}
	for i := range b.Beats {
		data, err := json.Marshal(Message{Type: MessageBeat, Beat: &b.Beats[i]})
		if err != nil {
			return err
		}
		s.broadcast(data)
	}
	for i := range b.Frames {
		data, err := json.Marshal(Message{Type: MessageFrame, Frame: &b.Frames[i]})
		if err != nil {
			return err
		}
		s.broadcast(data)
	}
	return nil
}

// Finish implements [Sink]. It sends the summary, then ends every client
// connection. Later connection attempts get 410 Gone.
func (s *Stream) Finish(_ context.Context, sum Summary) error {
	data, err := json.Marshal(Message{Type: MessageSummary, Summary: &sum})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err == nil {
		s.broadcast(data)
	}
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
		s.recordClients(-1)
	}
	return err
}
