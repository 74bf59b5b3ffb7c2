// lfchat is a terminal client for the lost-and-found chat. It connects to
// the gateway, watches the user's rooms (or opens one) and prints messages,
// read receipts and unread counts as they change.
//
// Settings come from LFCHAT_* environment variables (and a .env file);
// flags override them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	lfchat "github.com/NeboLoop/lostfound-chat-go-sdk"
	"github.com/NeboLoop/lostfound-chat-go-sdk/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var room, send string
	var verbose bool
	flagSet := pflag.NewFlagSet("lfchat", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "gateway WebSocket URL")
	flagSet.StringVar(&cfg.APIEndpoint, "api", cfg.APIEndpoint, "REST API base URL")
	flagSet.StringVar(&cfg.UserID, "user", cfg.UserID, "signed-in user id")
	flagSet.StringVar(&cfg.Token, "token", cfg.Token, "bearer credential")
	flagSet.StringVar(&cfg.StorePath, "store", cfg.StorePath, "SQLite file for read cursors and roles")
	flagSet.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for read cursors and roles (overrides --store)")
	flagSet.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	flagSet.StringVar(&room, "room", "", "open this room instead of watching all rooms")
	flagSet.StringVar(&send, "send", "", "send this text to --room once connected")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if send != "" && room == "" {
		return errors.New("--send needs --room")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	st, err := cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	opts := cfg.ChatOptions()
	opts.Store = st
	opts.Logger = logger
	chat, err := lfchat.New(opts)
	if err != nil {
		return err
	}
	defer chat.Close()

	chat.On(func(ev lfchat.Event) { printEvent(chat, ev) })

	if err := chat.Start(ctx); err != nil && !errors.Is(err, lfchat.ErrNoCredential) {
		logger.Warn("initial connect failed, retrying in background", "error", err)
	} else if err != nil {
		return err
	}

	if room == "" {
		rooms, err := chat.WatchRooms(ctx)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			fmt.Printf("room %s %q unread=%d\n", r.ID, r.DisplayName, chat.Unread(r.ID))
		}
	} else {
		if err := chat.OpenRoom(ctx, room); err != nil {
			return err
		}
		for _, m := range chat.Messages(room) {
			printMessage(chat, m)
		}
		if send != "" {
			if _, err := chat.Send(ctx, room, send, lfchat.KindText); err != nil {
				return err
			}
		}
	}

	<-ctx.Done()
	return nil
}

func printEvent(chat *lfchat.Chat, ev lfchat.Event) {
	switch ev.Kind {
	case lfchat.EventState:
		fmt.Printf("state %s\n", ev.State)
	case lfchat.EventMessage:
		printMessage(chat, *ev.Message)
	case lfchat.EventReceipt:
		fmt.Printf("room %s read up to %d\n", ev.RoomID, ev.RemoteLastRead)
	case lfchat.EventUnread:
		fmt.Printf("room %s unread=%d total=%d\n", ev.RoomID, ev.Unread, ev.TotalUnread)
	}
}

func printMessage(chat *lfchat.Chat, m lfchat.Message) {
	who := "them"
	if mine, ok := chat.Role(m.RoomID); ok && m.Role == mine {
		who = "me"
	}
	read := ""
	if who == "me" && m.ID <= chat.RemoteLastRead(m.RoomID) {
		read = " (read)"
	}
	fmt.Printf("[%s #%d %s] %s%s\n", m.RoomID, m.ID, who, m.Body, read)
}
