package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/client"
	"github.com/Tyrowin/roomchat/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "roomchat",
	Short: "Terminal client for a roomchat server",
	Long: `roomchat joins one room of a roomchat server, prints every message
broadcast to it and sends each line typed on stdin.`,
	RunE: runChat,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed development token",
	RunE:  runToken,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.Flags()
	flags.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	flags.String("room", "general", "room to join")
	flags.String("token", "", "bearer token for jwt auth")
	flags.String("origin", "http://localhost:8080", "origin header sent on connect")
	flags.String("user", "", "user id for header auth (X-User-ID)")
	flags.String("name", "", "display name for header auth (X-User-Name)")
	flags.Int("max-attempts", client.DefaultMaxAttempts, "reconnect attempts before giving up")
	flags.BoolP("verbose", "v", false, "enable debug logging")

	tflags := tokenCmd.Flags()
	tflags.String("secret", "", "HMAC secret shared with the server")
	tflags.String("user", "", "user id (sub claim)")
	tflags.String("name", "", "display name")
	tflags.String("email", "", "email")
	tflags.Duration("ttl", 2*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("secret")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(tokenCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	url, _ := flags.GetString("url")
	room, _ := flags.GetString("room")
	token, _ := flags.GetString("token")
	origin, _ := flags.GetString("origin")
	user, _ := flags.GetString("user")
	name, _ := flags.GetString("name")
	maxAttempts, _ := flags.GetInt("max-attempts")
	verbose, _ := flags.GetBool("verbose")

	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logger.New(level, "console")
	defer func() { _ = log.Sync() }()

	dialer := &client.WSDialer{URL: url, Token: token, Origin: origin, Header: http.Header{}}
	if user != "" {
		dialer.Header.Set(auth.HeaderUserID, user)
	}
	if name != "" {
		dialer.Header.Set(auth.HeaderUserName, name)
	}

	out := cmd.OutOrStdout()
	view := &terminal{out: out, done: make(chan struct{})}
	m := client.New(room, dialer, view,
		client.WithLogger(log),
		client.WithPolicy(maxAttempts, client.DefaultBaseDelay, client.DefaultMaxDelay),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-view.done:
			return errors.New("gave up reconnecting")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := m.Speak(line); err != nil && !errors.Is(err, client.ErrEmptyMessage) {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func runToken(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	secret, _ := flags.GetString("secret")
	user, _ := flags.GetString("user")
	name, _ := flags.GetString("name")
	email, _ := flags.GetString("email")
	ttl, _ := flags.GetDuration("ttl")

	token, err := auth.NewJWT([]byte(secret)).Issue(chat.Identity{ID: user, Name: name, Email: email}, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// terminal prints manager events.
type terminal struct {
	out  io.Writer
	done chan struct{}
}

func (t *terminal) Connected()          { fmt.Fprintln(t.out, "* connected") }
func (t *terminal) Message(p string)    { fmt.Fprintln(t.out, p) }
func (t *terminal) ScrollToLatest()     {}
func (t *terminal) Error(reason string) { fmt.Fprintf(t.out, "! %s\n", reason) }
func (t *terminal) GaveUp()             { close(t.done) }

func (t *terminal) StateChanged(s client.State) {
	if s == client.Reconnecting {
		fmt.Fprintln(t.out, "* reconnecting")
	}
}
