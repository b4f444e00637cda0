package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAsyncSinkDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	pub := PublisherFunc(func(_ context.Context, u Update) error {
		mu.Lock()
		got = append(got, u.Identity())
		mu.Unlock()
		return nil
	})

	s := NewAsyncSink("test", pub, 16)
	for _, label := range []string{"A", "B", "C"} {
		l := label
		s.Notify(Update{SessionID: "s", CurrentIdentity: &l})
	}
	s.Close()

	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestAsyncSinkDropsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var delivered int
	pub := PublisherFunc(func(context.Context, Update) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		delivered++
		return nil
	})

	s := NewAsyncSink("slow", pub, 1)
	s.Notify(Update{SessionID: "1"})
	<-started
	s.Notify(Update{SessionID: "2"})
	s.Notify(Update{SessionID: "3"})
	close(release)
	s.Close()

	assert.Equal(t, 2, delivered)
}

func TestAsyncSinkSurvivesPublishErrors(t *testing.T) {
	calls := 0
	pub := PublisherFunc(func(context.Context, Update) error {
		calls++
		return errors.New("broker down")
	})
	s := NewAsyncSink("failing", pub, 4)
	s.Notify(Update{})
	s.Notify(Update{})
	s.Close()
	assert.Equal(t, 2, calls)

	s.Notify(Update{})
	assert.Equal(t, 2, calls, "notify after close is ignored")
}

func TestEngineWithAsyncSink(t *testing.T) {
	received := make(chan Update, 8)
	sink := NewAsyncSink("chan", PublisherFunc(func(_ context.Context, u Update) error {
		received <- u
		return nil
	}), 8)
	defer sink.Close()

	e, err := NewEngine(Config{
		SessionID:         "s1",
		StabilityDuration: time.Second,
		NoFaceTimeout:     5 * time.Second,
		ActivateOnFace:    true,
	}, Fanout{sink})
	require.NoError(t, err)

	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(time.Second))

	first := <-received
	assert.Equal(t, StatusActive, first.Status)
	second := <-received
	assert.Equal(t, "A", second.Identity())
	assert.Equal(t, ConfidenceStable, second.Confidence)
}

func TestLogPublisher(t *testing.T) {
	assert.NoError(t, LogPublisher{}.Publish(context.Background(), Update{SessionID: "s"}))
}
