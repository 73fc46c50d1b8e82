package events

import (
	"context"
	"sync"
)

// subscriber is one connected client. The inbound loop owns reads, the
// outbound loop owns data writes.
type subscriber struct {
	id   uint64
	conn Conn

	mu    sync.Mutex
	queue []string

	// ctx is cancelled to stop the outbound loop.
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	readDone chan struct{}
	done     chan struct{}
}

func newSubscriber(id uint64, conn Conn) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscriber{
		id:       id,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// enqueue appends msg unless the queue already holds max messages. A max of
// zero means unbounded.
func (s *subscriber) enqueue(msg string, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max > 0 && len(s.queue) >= max {
		return false
	}
	s.queue = append(s.queue, msg)
	return true
}

// dequeue removes the oldest queued message.
func (s *subscriber) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	msg := s.queue[0]
	s.queue[0] = ""
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return msg, true
}

func (s *subscriber) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// stop cancels the outbound loop and aborts the transport. Safe to call
// from either loop and from shutdown; only the first call has an effect.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}
