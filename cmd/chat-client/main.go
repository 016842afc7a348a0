// Command chat-client is a terminal client for the chansock demo chat
// server. Lines read from stdin are posted to the room; pushes from the
// server are printed as they arrive. The transport (websocket, ajax
// long-polling, or auto-downgrade) is selectable.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chansock/chansock/client"
	"github.com/chansock/chansock/event"
)

func main() {
	var (
		urlFlag   string
		typeFlag  string
		tokenFlag string
		logLevel  string
	)
	flag.StringVar(&urlFlag, "url", "http://localhost:8080/chsk", "chansock endpoint URL")
	flag.StringVar(&typeFlag, "type", "auto", "transport: auto | ws | ajax")
	flag.StringVar(&tokenFlag, "token", "", "JWT bearer token (optional)")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level: debug | info | warn | error")
	flag.Parse()

	logger := newLogger(logLevel)

	cfg := client.Config{
		Type:   client.Type(typeFlag),
		URL:    urlFlag,
		Logger: logger,
	}
	if tokenFlag != "" {
		cfg.Params = map[string]string{"auth-token": tokenFlag}
	}

	sock, err := client.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sock.Connect()

	// Print connection transitions and incoming pushes.
	go func() {
		for change := range sock.StateCh() {
			if change.OpenChanged {
				if change.New.Open {
					fmt.Printf("* connected as %s (%s)\n", change.New.UID, change.New.Type)
				} else {
					fmt.Printf("* disconnected (%v)\n", closeReason(change.New))
				}
			}
		}
	}()
	go func() {
		for ev := range sock.Recv() {
			printEvent(ev)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		client.SetClientUnloading(true)
		sock.Disconnect()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		err := sock.SendWithReply(event.New("chat/post", line), 5*time.Second, func(reply any) {
			if reply != "chat/posted" {
				fmt.Printf("* post not confirmed: %v\n", reply)
			}
		})
		if err != nil {
			fmt.Printf("* send failed: %v\n", err)
		}
	}
}

// printEvent renders one server push.
func printEvent(ev event.Event) {
	switch ev.ID {
	case "chat/recv":
		if tuple, ok := ev.Data.([]any); ok && len(tuple) >= 2 {
			fmt.Printf("<%v> %v\n", tuple[0], tuple[1])
			return
		}
		fmt.Printf("%v\n", ev)
	case "chat/backlog":
		if msgs, ok := ev.Data.([]any); ok {
			for _, m := range msgs {
				if tuple, ok := m.([]any); ok && len(tuple) >= 2 {
					fmt.Printf("<%v> %v\n", tuple[0], tuple[1])
				}
			}
		}
	case event.Handshake:
		// Already reported via the state channel.
	default:
		fmt.Printf("%v\n", ev)
	}
}

func closeReason(st client.State) client.CloseReason {
	if st.LastClose != nil {
		return st.LastClose.Reason
	}
	return client.CloseUnexpected
}

// newLogger builds a text slog.Logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
