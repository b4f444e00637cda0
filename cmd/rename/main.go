// Command rename asks a running facelock service to rename an identity over
// NATS, or follows a session's updates with -watch.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/your-org/facelock/internal/config"
	"github.com/your-org/facelock/internal/observability"
	"github.com/your-org/facelock/internal/queue"
	"github.com/your-org/facelock/pkg/dto"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	oldLabel := flag.String("old", "", "current label, e.g. Person_AB12CD")
	newLabel := flag.String("new", "", "new label")
	watch := flag.String("watch", "", "session ID to follow instead of renaming")
	timeout := flag.Duration("timeout", 5*time.Second, "rename request timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.NATS.URL == "" {
		fmt.Fprintln(os.Stderr, "nats.url is not configured")
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, "text")

	opts := queue.Options{
		URL:           cfg.NATS.URL,
		SessionPrefix: cfg.NATS.SessionPrefix,
		RenameSubject: cfg.NATS.RenameSubject,
		Name:          "facelock-rename-cli",
	}

	if *watch != "" {
		if err := watchSession(opts, *watch); err != nil && err != context.Canceled {
			slog.Error("watch session", "error", err)
			os.Exit(1)
		}
		return
	}

	if *oldLabel == "" || *newLabel == "" {
		fmt.Fprintln(os.Stderr, "usage: rename -old <label> -new <label>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	producer, err := queue.NewProducer(opts)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := producer.RequestRename(ctx, *oldLabel, *newLabel)
	if err != nil {
		slog.Error("rename request", "error", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintf(os.Stderr, "rename failed: %s\n", resp.Message)
		os.Exit(1)
	}
	fmt.Println(resp.Message)
}

func watchSession(opts queue.Options, sessionID string) error {
	consumer, err := queue.NewConsumer(opts)
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("watching session", "session", sessionID)
	return consumer.ConsumeSessions(ctx, sessionID, func(_ context.Context, u dto.SessionUpdate) error {
		who := "-"
		if u.CurrentIdentity != nil {
			who = *u.CurrentIdentity
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", u.At, u.Status, who, u.Confidence)
		return nil
	})
}
