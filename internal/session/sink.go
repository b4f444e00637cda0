package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/facelock/internal/observability"
)

const defaultPublishTimeout = 5 * time.Second

// Publisher delivers updates to one external collaborator.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

type PublisherFunc func(ctx context.Context, u Update) error

func (f PublisherFunc) Publish(ctx context.Context, u Update) error { return f(ctx, u) }

// LogPublisher writes every update to the default logger.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, u Update) error {
	slog.Info("session update",
		"session", u.SessionID, "status", u.Status, "identity", u.Identity(), "confidence", u.Confidence)
	return nil
}

// AsyncSink hands updates to a Publisher on its own goroutine. When the
// buffer is full new updates are dropped.
type AsyncSink struct {
	name    string
	pub     Publisher
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	ch     chan Update
	done   chan struct{}
}

func NewAsyncSink(name string, pub Publisher, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &AsyncSink{
		name:    name,
		pub:     pub,
		timeout: defaultPublishTimeout,
		ch:      make(chan Update, buffer),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) Notify(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- u:
	default:
		observability.SinkDropped.WithLabelValues(s.name).Inc()
		slog.Warn("session sink saturated, dropping update", "sink", s.name, "session", u.SessionID)
	}
}

// Close stops accepting updates, delivers what is buffered and waits for
// the worker to exit.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for u := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.pub.Publish(ctx, u); err != nil {
			observability.SinkDropped.WithLabelValues(s.name).Inc()
			slog.Error("publish session update", "sink", s.name, "session", u.SessionID, "error", err)
		}
		cancel()
	}
}

// Fanout notifies every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(u Update) {
	for _, n := range f {
		n.Notify(u)
	}
}
