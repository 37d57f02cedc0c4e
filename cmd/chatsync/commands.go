package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/christopherjohns/chatsync/internal/api"
	"github.com/christopherjohns/chatsync/internal/channel"
	"github.com/christopherjohns/chatsync/internal/message"
	"github.com/christopherjohns/chatsync/internal/metrics"
	"github.com/christopherjohns/chatsync/internal/reconcile"
	"github.com/christopherjohns/chatsync/internal/room"
	"github.com/christopherjohns/chatsync/internal/session"
)

type staticToken string

func (t staticToken) Token() (string, bool) { return string(t), t != "" }

func buildLoginCmd(a *app) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange credentials for a bearer token and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("CHATSYNC_PASSWORD")
			}
			tok, err := api.New(a.cfg.Client.BaseURL, nil).Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (default: CHATSYNC_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func buildHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <room-id>",
		Short: "Print a room's message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := parseRoomID(args[0])
			if err != nil {
				return err
			}
			if a.token == "" {
				return errors.New("a token is required; run chatsync login first")
			}
			msgs, err := api.New(a.cfg.Client.BaseURL, staticToken(a.token)).RoomMessages(cmd.Context(), roomID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func buildChatCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "chat <room-id>",
		Short: "Join a room, print its timeline and send lines read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := parseRoomID(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, a, cmd, roomID, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve channel metrics on this address, e.g. :9091")
	return cmd
}

func runChat(ctx context.Context, a *app, cmd *cobra.Command, roomID int64, metricsAddr string) error {
	out := cmd.OutOrStdout()
	state := session.New(session.WithExpiryLeeway(a.cfg.Client.ExpiryLeeway), session.WithLogger(a.logger))
	state.Set(a.token)

	reg := prometheus.NewRegistry()
	channels := channel.NewClient(state, a.cfg.Channel,
		channel.WithLogger(a.logger),
		channel.WithMetrics(metrics.NewChannel(reg)),
	)
	defer channels.Close()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server", "error", err)
			}
		}()
		defer srv.Close() //nolint:errcheck // exiting
	}

	svc := room.NewService(api.New(a.cfg.Client.BaseURL, state), channels, room.WithLogger(a.logger))
	r, err := svc.Open(ctx, roomID)
	if err != nil {
		return err
	}
	defer r.Leave()

	for _, m := range r.Timeline().Snapshot() {
		printMessage(out, m)
	}
	r.Timeline().Subscribe(func(ev reconcile.Event) {
		if ev.Kind == reconcile.Inserted {
			fmt.Fprint(out, "(earlier) ")
		}
		printMessage(out, ev.Message)
	})

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sc, ok := <-r.States():
			if !ok {
				return r.Err()
			}
			printState(cmd.ErrOrStderr(), sc)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, a.cfg.Channel.SendTimeout)
			_, err := r.Send(sendCtx, line)
			cancel()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "! not sent: %v\n", err)
			}
		}
	}
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

func printMessage(w io.Writer, m message.ChatMessage) {
	who := m.SenderID
	if len(m.Roles) > 0 {
		who += " [" + strings.Join(m.Roles, ",") + "]"
	}
	fmt.Fprintf(w, "%s %s: %s\n", m.SentAt.Local().Format("15:04:05"), who, m.Body)
}

func printState(w io.Writer, sc channel.StateChange) {
	switch {
	case sc.State == channel.Reconnecting:
		fmt.Fprintf(w, "* %s (attempt %d): %v\n", sc.State, sc.Attempt, sc.Err)
	case sc.Err != nil:
		fmt.Fprintf(w, "* %s: %v\n", sc.State, sc.Err)
	default:
		fmt.Fprintf(w, "* %s\n", sc.State)
	}
}

func parseRoomID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", s)
	}
	return id, nil
}
