package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/facelock/pkg/dto"
)

// RenameFunc performs a rename and reports the outcome.
type RenameFunc func(ctx context.Context, oldLabel, newLabel string) dto.RenameResponse

// SessionHandler receives decoded session updates.
type SessionHandler func(ctx context.Context, u dto.SessionUpdate) error

type Consumer struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options
	sub  *nats.Subscription
}

func NewConsumer(opts Options) (*Consumer, error) {
	nc, err := connect(opts)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return &Consumer{nc: nc, js: js, opts: opts}, nil
}

// ServeRenames answers rename requests on the rename subject until Close.
// Requests are handled one at a time in arrival order.
func (c *Consumer) ServeRenames(ctx context.Context, rename RenameFunc) error {
	sub, err := c.nc.Subscribe(c.opts.RenameSubject, func(msg *nats.Msg) {
		reply := handleRename(ctx, msg.Data, rename)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			slog.Warn("rename reply failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.opts.RenameSubject, err)
	}
	c.sub = sub
	slog.Info("rename subscriber started", "subject", c.opts.RenameSubject)
	return nil
}

func handleRename(ctx context.Context, data []byte, rename RenameFunc) []byte {
	var req dto.RenameRequest
	var resp dto.RenameResponse
	switch err := json.Unmarshal(data, &req); {
	case err != nil:
		resp = dto.RenameResponse{Message: "invalid rename request: " + err.Error()}
	case req.OldLabel == "" || req.NewLabel == "":
		resp = dto.RenameResponse{Message: "old_label and new_label are required"}
	default:
		resp = rename(ctx, req.OldLabel, req.NewLabel)
	}
	slog.Info("rename request", "old", req.OldLabel, "new", req.NewLabel, "success", resp.Success, "message", resp.Message)

	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"success":false,"message":"encode reply"}`)
	}
	return out
}

// ConsumeSessions delivers new session updates for sessionID ("*" for all)
// to handler until ctx is cancelled.
func (c *Consumer) ConsumeSessions(ctx context.Context, sessionID string, handler SessionHandler) error {
	stream, err := c.js.Stream(ctx, SessionsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", SessionsStreamName, err)
	}

	cons, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{SessionSubject(c.opts.SessionPrefix, sessionID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create session consumer: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("fetch session updates", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for msg := range batch.Messages() {
			var u dto.SessionUpdate
			if err := json.Unmarshal(msg.Data(), &u); err != nil {
				slog.Warn("decode session update", "subject", msg.Subject(), "error", err)
				continue
			}
			if err := handler(ctx, u); err != nil {
				slog.Error("process session update", "error", err)
			}
		}
	}
}

func (c *Consumer) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.nc.Close()
}
