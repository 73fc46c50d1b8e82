// Package events delivers live reload notifications to WebSocket clients.
//
// Every accepted connection gets an inbound loop that reads client frames
// and an outbound loop that writes at most one queued message per
// SendInterval tick. Producers only append to per-subscriber queues, so a
// slow client never blocks Broadcast or other clients.
package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Abooow/EzLiveServer/internal/logging"
	"github.com/Abooow/EzLiveServer/internal/metrics"
)

// Defaults applied by NewHub for zero config values.
const (
	DefaultSendInterval = 250 * time.Millisecond
	DefaultCloseTimeout = 2500 * time.Millisecond
	DefaultMaxQueue     = 1024

	writeWait = 10 * time.Second
)

// Client liveness check and its reply.
const (
	PingMessage = "PING"
	PongMessage = "PONG"
)

// ErrHubClosed is returned by Accept once Shutdown has started.
var ErrHubClosed = errors.New("hub is shut down")

// Config configures a Hub.
type Config struct {
	// SendInterval is the outbound tick. One queued message is written per
	// tick and subscriber.
	SendInterval time.Duration

	// CloseTimeout bounds how long Shutdown waits for clients to answer
	// the close handshake.
	CloseTimeout time.Duration

	// MaxQueue caps each subscriber's queue. Messages beyond it are dropped.
	MaxQueue int

	// OnMessage receives client text messages other than PING.
	OnMessage func(id uint64, msg string)
}

// Hub tracks connected subscribers.
type Hub struct {
	cfg Config
	log *zap.Logger

	nextID atomic.Uint64

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	closed bool

	wg sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(cfg Config) *Hub {
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	return &Hub{
		cfg:  cfg,
		log:  logging.Named("hub"),
		subs: make(map[uint64]*subscriber),
	}
}

// Accept registers conn as a new subscriber and starts its loops. The hub
// owns conn from here on.
func (h *Hub) Accept(conn Conn) (uint64, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrHubClosed
	}
	id := h.nextID.Add(1)
	s := newSubscriber(id, conn)
	conn.SetCloseHandler(s.closeHandler)
	h.subs[id] = s
	count := len(h.subs)
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.SetSubscribersActive(count)
	h.log.Debug("Subscriber connected", zap.Uint64("id", id), zap.Int("subscribers", count))

	go h.serve(s)
	return id, nil
}

// Send queues msg for one subscriber. It reports false when the subscriber
// is gone, is closing or has a full queue.
func (h *Hub) Send(id uint64, msg string) bool {
	h.mu.RLock()
	s, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.deliver(s, msg)
}

// Broadcast queues msg for every subscriber registered at call time and
// returns how many accepted it.
func (h *Hub) Broadcast(msg string) int {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if h.deliver(s, msg) {
			delivered++
		}
	}
	metrics.RecordBroadcast(messageKind(msg))
	return delivered
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) deliver(s *subscriber, msg string) bool {
	if s.ctx.Err() != nil {
		return false
	}
	if !s.enqueue(msg, h.cfg.MaxQueue) {
		metrics.RecordMessageDropped()
		h.log.Warn("Subscriber queue full, dropping message",
			zap.Uint64("id", s.id), zap.String("message", msg))
		return false
	}
	return true
}

func messageKind(msg string) string {
	kind, _, _ := strings.Cut(msg, " ")
	return kind
}

// serve runs both loops of s and releases it once both have returned.
func (h *Hub) serve(s *subscriber) {
	defer h.wg.Done()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		h.readLoop(s)
	}()
	go func() {
		defer loops.Done()
		h.writeLoop(s)
	}()
	loops.Wait()

	h.release(s)
}

func (h *Hub) release(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s.id)
	count := len(h.subs)
	h.mu.Unlock()

	metrics.SetSubscribersActive(count)
	close(s.done)
	h.log.Debug("Subscriber released", zap.Uint64("id", s.id), zap.Int("subscribers", count))
}

func (h *Hub) readLoop(s *subscriber) {
	defer s.stop()
	defer close(s.readDone)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.Debug("Subscriber read failed", zap.Uint64("id", s.id), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		msg := string(data)
		if msg == PingMessage {
			h.Send(s.id, PongMessage)
			continue
		}
		if h.cfg.OnMessage != nil {
			h.cfg.OnMessage(s.id, msg)
		}
	}
}

// closeHandler runs on the inbound loop when the client sends a close
// frame. It stops outbound traffic and echoes the frame.
func (s *subscriber) closeHandler(code int, _ string) error {
	s.cancel()

	var msg []byte
	if code != websocket.CloseNoStatusReceived {
		msg = websocket.FormatCloseMessage(code, "")
	}
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(h.cfg.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := h.writeNext(s); err != nil {
				h.log.Debug("Subscriber write failed", zap.Uint64("id", s.id), zap.Error(err))
				s.stop()
				return
			}
		}
	}
}

// writeNext writes the oldest queued message of s, if any.
func (h *Hub) writeNext(s *subscriber) error {
	if s.ctx.Err() != nil {
		return nil
	}
	msg, ok := s.dequeue()
	if !ok {
		return nil
	}
	if d, ok := s.conn.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeWait))
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return err
	}
	metrics.RecordMessageSent()
	return nil
}

// Shutdown stops accepting subscribers and closes every connection. Clients
// get CloseTimeout to answer the close handshake; the rest are aborted.
// It returns once every subscriber has been released, or ctx's error if
// ctx ends before the handshake phase is over.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.wg.Wait()
		return nil
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	h.log.Info("Closing subscribers", zap.Int("subscribers", len(subs)))

	deadline := time.Now().Add(h.cfg.CloseTimeout)
	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")

	var sends sync.WaitGroup
	for _, s := range subs {
		s.cancel()
		sends.Add(1)
		go func(s *subscriber) {
			defer sends.Done()
			if err := s.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
				s.stop()
			}
		}(s)
	}

	acked := make(chan struct{})
	go func() {
		for _, s := range subs {
			<-s.readDone
		}
		close(acked)
	}()

	timer := time.NewTimer(h.cfg.CloseTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-acked:
	case <-timer.C:
		h.log.Warn("Close handshake timed out, aborting remaining subscribers")
	case <-ctx.Done():
		err = ctx.Err()
	}

	for _, s := range subs {
		s.stop()
	}
	sends.Wait()
	h.wg.Wait()
	<-acked
	return err
}
