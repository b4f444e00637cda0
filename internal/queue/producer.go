package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/facelock/internal/session"
	"github.com/your-org/facelock/pkg/dto"
)

const SessionsStreamName = "SESSIONS"

type Options struct {
	URL           string
	SessionPrefix string
	RenameSubject string
	Name          string
}

func connect(opts Options) (*nats.Conn, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Producer publishes session updates to JetStream and sends rename
// commands as core NATS requests.
type Producer struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options
}

func NewProducer(opts Options) (*Producer, error) {
	nc, err := connect(opts)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Producer{nc: nc, js: js, opts: opts}, nil
}

// EnsureStreams creates the sessions stream, retrying up to 30 times while
// NATS starts.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:              SessionsStreamName,
		Subjects:          []string{p.opts.SessionPrefix + ".>"},
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            24 * time.Hour,
		MaxMsgsPerSubject: 1000,
		Storage:           jetstream.FileStorage,
		Discard:           jetstream.DiscardOld,
		Description:       "Active session updates",
	}

	const maxAttempts = 30
	for attempt := 1; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("ensured NATS stream", "name", cfg.Name)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
		}
		slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// SessionSubject returns the subject updates for sessionID go to.
func SessionSubject(prefix, sessionID string) string {
	return prefix + "." + sessionID
}

// Publish implements session.Publisher.
func (p *Producer) Publish(ctx context.Context, u session.Update) error {
	payload, err := json.Marshal(u.DTO())
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	if _, err := p.js.Publish(ctx, SessionSubject(p.opts.SessionPrefix, u.SessionID), payload); err != nil {
		return fmt.Errorf("publish session update: %w", err)
	}
	return nil
}

// RequestRename asks the running service to rename an identity and waits
// for its reply.
func (p *Producer) RequestRename(ctx context.Context, oldLabel, newLabel string) (dto.RenameResponse, error) {
	payload, err := json.Marshal(dto.RenameRequest{OldLabel: oldLabel, NewLabel: newLabel})
	if err != nil {
		return dto.RenameResponse{}, fmt.Errorf("marshal rename: %w", err)
	}
	msg, err := p.nc.RequestWithContext(ctx, p.opts.RenameSubject, payload)
	if err != nil {
		return dto.RenameResponse{}, fmt.Errorf("request rename: %w", err)
	}
	var resp dto.RenameResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return dto.RenameResponse{}, fmt.Errorf("decode rename reply: %w", err)
	}
	return resp, nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
