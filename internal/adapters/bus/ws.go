package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("bus connection closed")
)

// Frame is the wire envelope of the signaling bus: a topic-framed JSON
// multiplex over one websocket connection.
type Frame struct {
	Type        string          `json:"type"` // subscribe | unsubscribe | send | message
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// WSBus implements core.SignalBus over a single client websocket. One read
// pump dispatches inbound frames to topic handlers synchronously, which
// preserves per-topic delivery order; one write pump serializes all writes.
type WSBus struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	closed   bool
	handlers map[string]func([]byte)

	onClosed func(error)
}

// Dial connects to the bus endpoint and starts the pumps. The connection is
// bound to ctx.
func Dial(ctx context.Context, url string, sendBuffer int) (*WSBus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	b := &WSBus{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		handlers: make(map[string]func([]byte)),
	}
	go b.writePump(ctx)
	go b.readPump(ctx)
	log.Info().Str("module", "bus").Str("url", url).Msg("connected")
	return b, nil
}

// OnClosed registers a hook fired once when the connection dies. Set it
// before any traffic is expected.
func (b *WSBus) OnClosed(fn func(error)) {
	b.mu.Lock()
	b.onClosed = fn
	b.mu.Unlock()
}

// Publish sends one message to a destination.
func (b *WSBus) Publish(destination string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.trySend(Frame{Type: "send", Destination: destination, Payload: payload})
}

// Subscribe registers a handler for a topic and announces the subscription
// to the bus. The returned cancel drops the handler and unsubscribes.
func (b *WSBus) Subscribe(topic string, fn func(data []byte)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.handlers[topic] = fn
	b.mu.Unlock()

	if err := b.trySend(Frame{Type: "subscribe", Destination: topic}); err != nil {
		b.mu.Lock()
		delete(b.handlers, topic)
		b.mu.Unlock()
		return nil, err
	}

	cancel := func() {
		b.mu.Lock()
		_, ok := b.handlers[topic]
		delete(b.handlers, topic)
		b.mu.Unlock()
		if ok {
			if err := b.trySend(Frame{Type: "unsubscribe", Destination: topic}); err != nil {
				log.Debug().Err(err).Str("module", "bus").Str("topic", topic).Msg("unsubscribe not sent")
			}
		}
	}
	return cancel, nil
}

// Close shuts the connection down. Idempotent.
func (b *WSBus) Close() error {
	b.closeWith(nil)
	return nil
}

func (b *WSBus) closeWith(cause error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.send)
	_ = b.conn.Close()
	fn := b.onClosed
	b.mu.Unlock()

	log.Info().Str("module", "bus").Msg("connection closed")
	if fn != nil {
		fn(cause)
	}
}

func (b *WSBus) trySend(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (b *WSBus) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "bus").Msg("writePump ctx done")
			b.closeWith(ctx.Err())
			return
		case data, ok := <-b.send:
			if !ok {
				return
			}
			if err := b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "bus").Msg("writePump set deadline")
				b.closeWith(err)
				return
			}
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "bus").Msg("writePump write error")
				b.closeWith(err)
				return
			}
		}
	}
}

func (b *WSBus) readPump(ctx context.Context) {
	defer log.Info().Str("module", "bus").Msg("readPump closing")
	for {
		select {
		case <-ctx.Done():
			b.closeWith(ctx.Err())
			return
		default:
			_, data, err := b.conn.ReadMessage()
			if err != nil {
				b.closeWith(err)
				return
			}
			b.dispatch(data)
		}
	}
}

func (b *WSBus) dispatch(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "bus").Msg("bad frame")
		return
	}
	if f.Type != "message" {
		log.Warn().Str("module", "bus").Str("type", f.Type).Msg("unexpected frame type")
		return
	}
	b.mu.RLock()
	fn := b.handlers[f.Destination]
	b.mu.RUnlock()
	if fn == nil {
		log.Debug().Str("module", "bus").Str("topic", f.Destination).Msg("frame for unsubscribed topic")
		return
	}
	fn(f.Payload)
}
