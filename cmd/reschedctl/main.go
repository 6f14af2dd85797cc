package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/sheerbytes/resched/internal/clienthttp"
	"github.com/sheerbytes/resched/internal/config"
	"github.com/sheerbytes/resched/internal/logging"
	"github.com/sheerbytes/resched/internal/scheduler"
	"github.com/sheerbytes/resched/internal/wsclient"
	"github.com/sheerbytes/resched/pkg/protocol"
)

// errFetchFailed is returned when at least one fetch completed with an error.
var errFetchFailed = errors.New("one or more fetches failed")

func main() {
	cfg := config.ParseClientConfig()
	logger := logging.NewWithWriter(os.Stderr, "reschedctl", cfg.LogLevel)
	if len(cfg.URLs) == 0 && !cfg.Stats {
		fmt.Fprintln(os.Stderr, "usage: reschedctl --url URL [--url URL ...] [--priority P] [--route-id N] [--body-after N] [--server-url URL]")
		fmt.Fprintln(os.Stderr, "       reschedctl --stats [--server-url URL]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var err error
	if cfg.Stats {
		err = printStats(ctx, cfg.ServerURL, os.Stdout)
	} else {
		err = run(ctx, cfg, os.Stdout, logger)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// printStats writes the daemon's scheduler snapshot as indented JSON.
func printStats(ctx context.Context, serverURL string, out io.Writer) error {
	stats, err := clienthttp.GetStats(ctx, serverURL)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

// run plays the part of one renderer tab: it registers a route, navigates,
// fetches every URL and reports each fetch as it starts and completes.
func run(ctx context.Context, cfg config.ClientConfig, out io.Writer, logger *slog.Logger) error {
	if _, err := scheduler.ParsePriority(cfg.Priority); err != nil {
		return err
	}
	wsURL, err := wsclient.WebSocketURL(cfg.ServerURL)
	if err != nil {
		return err
	}
	conn, err := wsclient.Dial(ctx, wsURL, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	events := make(chan protocol.Envelope, 64)
	readErr := make(chan error, 1)
	readCtx, stopRead := context.WithCancel(ctx)
	defer func() {
		// Close first so queued messages are flushed before the reader
		// tears the socket down.
		conn.Close()
		stopRead()
	}()
	go func() {
		readErr <- conn.ReadLoop(readCtx, func(env protocol.Envelope) {
			select {
			case events <- env:
			case <-readCtx.Done():
			}
		})
	}()

	next := func() (protocol.Envelope, error) {
		select {
		case env := <-events:
			return env, nil
		case err := <-readErr:
			return protocol.Envelope{}, fmt.Errorf("connection lost: %w", err)
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		}
	}

	env, err := next()
	if err != nil {
		return err
	}
	var hello protocol.Hello
	if env.Type != protocol.TypeHello || env.DecodePayload(&hello) != nil {
		return fmt.Errorf("expected hello, got %q", env.Type)
	}
	logger.Debug("connected", "child_id", hello.ChildID)

	route := protocol.Route{RouteID: int32(cfg.RouteID)}
	if err := conn.SendMessage(protocol.TypeClientCreated, route); err != nil {
		return err
	}
	if err := conn.SendMessage(protocol.TypeNavigate, route); err != nil {
		return err
	}

	urls := make(map[string]string, len(cfg.URLs))
	for _, u := range cfg.URLs {
		id := uuid.NewString()
		urls[id] = u
		err := conn.SendMessage(protocol.TypeFetch, protocol.Fetch{
			RequestID: id,
			RouteID:   route.RouteID,
			URL:       u,
			Priority:  cfg.Priority,
		})
		if err != nil {
			return err
		}
	}

	completed, failed := 0, 0
	for completed < len(cfg.URLs) {
		env, err := next()
		if err != nil {
			return err
		}
		switch env.Type {
		case protocol.TypeFetchStarted:
			var s protocol.FetchStarted
			if err := env.DecodePayload(&s); err != nil {
				return err
			}
			state := "started"
			if s.Deferred {
				state = "started (queued)"
			}
			fmt.Fprintf(out, "%-16s %s\n", state, urls[s.RequestID])

		case protocol.TypeFetchCompleted:
			var c protocol.FetchCompleted
			if err := env.DecodePayload(&c); err != nil {
				return err
			}
			completed++
			if c.Error != "" {
				failed++
				fmt.Fprintf(out, "%-16s %s error=%q\n", "failed", urls[c.RequestID], c.Error)
			} else {
				fmt.Fprintf(out, "%-16s %s status=%d proto=%s bytes=%d duration=%dms\n", "completed", urls[c.RequestID], c.Status, c.Proto, c.Bytes, c.DurationMS)
			}
			if cfg.BodyAfter > 0 && completed == cfg.BodyAfter {
				if err := conn.SendMessage(protocol.TypeWillInsertBody, route); err != nil {
					return err
				}
				fmt.Fprintf(out, "%-16s after %d fetches\n", "body inserted", completed)
			}

		case protocol.TypeError:
			var perr protocol.Error
			_ = env.DecodePayload(&perr)
			return fmt.Errorf("server error %s: %s", perr.Code, perr.Message)
		}
	}

	if err := conn.SendMessage(protocol.TypeClientDeleted, route); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errFetchFailed, failed, len(cfg.URLs))
	}
	return nil
}
