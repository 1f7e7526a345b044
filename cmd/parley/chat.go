package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/parley/internal/api"
	"github.com/1ureka/parley/internal/call"
	"github.com/1ureka/parley/internal/chat"
	"github.com/1ureka/parley/internal/config"
	"github.com/1ureka/parley/internal/signaling"
	"github.com/1ureka/parley/internal/transport"
	"github.com/1ureka/parley/internal/util"
	"github.com/1ureka/parley/internal/webrtc"
)

const (
	historyLimit  = 50
	statsInterval = 30 * time.Second
)

// shell wires the channel, the call machine and the chat stream of one
// conversation to the terminal.
type shell struct {
	cfg     *config.Config
	userID  string
	session *transport.Session
	router  *signaling.Router
	machine *call.Machine
	chat    *chat.Coordinator
	out     io.Writer
}

// runChat joins the configured conversation and serves stdin until /quit or
// ctx is cancelled.
func runChat(ctx context.Context, cfg *config.Config) error {
	client := api.NewClient(cfg.APIEndpoint, cfg.APIKey)
	if err := client.Health(ctx); err != nil {
		util.LogWarning("API health check failed: %v", err)
	}

	userID, err := ensureUser(ctx, client, cfg)
	if err != nil {
		return err
	}

	session, err := transport.Connect(ctx, transport.Options{
		Endpoint: cfg.ChannelEndpoint(),
		Credential: func(ctx context.Context) (string, error) {
			return client.IssueChannelToken(ctx, userID)
		},
		ReconnectDelay: cfg.Timing.ReconnectDelay,
		PingInterval:   cfg.Timing.PingInterval,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	sender := signaling.NewSender(session)

	negotiator, err := webrtc.NewNegotiator(cfg.ICE.STUNServers)
	if err != nil {
		return err
	}
	machine, err := call.NewMachine(call.Options{
		Negotiator:      negotiator,
		Media:           &webrtc.Capture{},
		Signals:         sender,
		Constraints:     call.Constraints{Audio: true},
		DecisionTimeout: cfg.Timing.DecisionTimeout,
		RingTimeout:     cfg.Timing.RingTimeout,
	})
	if err != nil {
		return err
	}
	defer machine.Close()

	coord, err := chat.New(chat.Options{
		ConversationID: cfg.ConversationID,
		Persister:      client,
		Publisher:      sender,
		TypingDebounce: cfg.Timing.TypingDebounce,
		TypingExpiry:   cfg.Timing.TypingExpiry,
		EchoWindow:     cfg.Timing.EchoWindow,
	})
	if err != nil {
		return err
	}
	defer func() {
		coord.Close()
		coord.Wait()
	}()

	sh := &shell{
		cfg:     cfg,
		userID:  userID,
		session: session,
		router:  signaling.NewRouter(coord, machine),
		machine: machine,
		chat:    coord,
		out:     os.Stdout,
	}

	sh.showHistory(ctx, client)

	statusCh, unsubStatus := session.Subscribe()
	defer unsubStatus()
	callCh, unsubCall := machine.Subscribe()
	defer unsubCall()
	chatCh, unsubChat := coord.Subscribe()
	defer unsubChat()

	go sh.watch(ctx, statusCh, callCh, chatCh)
	go func() {
		if err := sh.router.Run(ctx, session.Envelopes()); err != nil && !errors.Is(err, context.Canceled) {
			util.LogError("router stopped: %v", err)
		}
	}()

	if cfg.Debug {
		util.StartStatsReporter(ctx, statsInterval)
	}

	util.LogSuccess("joined conversation %s as user %s, type /help for commands", cfg.ConversationID, userID)
	return sh.serve(ctx, os.Stdin)
}

// ensureUser returns the configured user id, registering a new user when
// none is configured.
func ensureUser(ctx context.Context, client *api.Client, cfg *config.Config) (string, error) {
	if cfg.UserID != "" {
		if _, err := client.GetUser(ctx, cfg.UserID); err != nil {
			return "", fmt.Errorf("user %s: %w", cfg.UserID, err)
		}
		return cfg.UserID, nil
	}

	username := cfg.Username
	if username == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Choose a username").
			Show()
		username = strings.TrimSpace(raw)
		pterm.Println()
	}

	u, err := client.CreateUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("failed to register user: %w", err)
	}
	util.LogInfo("registered user %s (id %s); set PARLEY_USER_ID=%s to reuse it", username, u.ID, u.ID)
	return string(u.ID), nil
}

// showHistory prints the most recent persisted messages.
func (sh *shell) showHistory(ctx context.Context, client *api.Client) {
	msgs, err := client.ListMessages(ctx, sh.cfg.ConversationID, historyLimit)
	if api.IsNotFound(err) {
		return
	}
	if err != nil {
		util.LogWarning("failed to load history: %v", err)
		return
	}
	for _, m := range msgs {
		fmt.Fprintln(sh.out, formatMessage(m.ChatMessage()))
	}
	if len(msgs) > 0 {
		fmt.Fprintln(sh.out, pterm.FgGray.Sprint("─── end of history ───"))
	}
}

// watch renders channel, call and chat events until every source is closed
// or ctx ends. Channel status also drives the call machine.
func (sh *shell) watch(ctx context.Context, statusCh <-chan transport.Status, callCh <-chan call.Event, chatCh <-chan chat.Event) {
	for statusCh != nil || callCh != nil || chatCh != nil {
		select {
		case st, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			sh.machine.HandleTransportStatus(st)
			renderStatus(st)

		case ev, ok := <-callCh:
			if !ok {
				callCh = nil
				continue
			}
			renderCallEvent(ev)

		case ev, ok := <-chatCh:
			if !ok {
				chatCh = nil
				continue
			}
			switch ev.Kind {
			case chat.EventMessage:
				fmt.Fprintln(sh.out, formatMessage(ev.Message))
			case chat.EventTyping:
				if line := formatTyping(ev.Typing); line != "" {
					fmt.Fprintln(sh.out, line)
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// serve reads lines from in until /quit, EOF or ctx ends.
func (sh *shell) serve(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if sh.handleLine(ctx, line) {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// handleLine runs one input line and reports whether the shell should exit.
func (sh *shell) handleLine(ctx context.Context, line string) bool {
	cmd, arg := parseCommand(line)
	switch cmd {
	case "":
		if strings.TrimSpace(line) == "" {
			return false
		}
		// Line input has no keystrokes, so no typing state is published.
		if _, err := sh.chat.Submit(ctx, line); err != nil {
			util.LogWarning("message not sent: %v", err)
		}

	case "/call":
		if arg == "" {
			util.LogWarning("usage: /call <user id>")
			return false
		}
		sh.async("call", func() error { return sh.machine.StartCall(ctx, arg) })

	case "/accept":
		sh.async("accept", func() error { return sh.machine.Accept(ctx) })

	case "/reject":
		sh.report("reject", sh.machine.Reject())

	case "/hangup":
		sh.report("hang up", sh.machine.EndCall())

	case "/mute":
		if err := sh.machine.ToggleMute(); err != nil {
			sh.report("mute", err)
			return false
		}
		if sh.machine.State().Muted {
			pterm.Info.Println("microphone muted")
		} else {
			pterm.Info.Println("microphone live")
		}

	case "/who":
		sh.printWho()

	case "/help":
		printHelp(sh.out)

	case "/quit", "/exit":
		return true

	default:
		util.LogWarning("unknown command %s, type /help", cmd)
	}
	return false
}

// async runs a call operation that may block on media or negotiation without
// stalling input.
func (sh *shell) async(what string, fn func() error) {
	go func() { sh.report(what, fn()) }()
}

func (sh *shell) report(what string, err error) {
	if err != nil {
		util.LogWarning("%s: %v", what, err)
	}
}

func (sh *shell) printWho() {
	st := sh.machine.State()
	rows := [][]string{
		{"user", sh.userID},
		{"conversation", sh.cfg.ConversationID},
		{"channel", sh.session.Status().String()},
		{"session", orDash(sh.router.SessionID())},
		{"call", formatCallState(st)},
		{"typing", orDash(strings.Join(sh.chat.TypingUsers(), ", "))},
		{"last server error", orDash(sh.router.LastServerError())},
	}
	for _, row := range rows {
		fmt.Fprintf(sh.out, "%-18s %s\n", row[0], row[1])
	}
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `Commands:
  <text>          send a message (remote typing is shown, local is not sent)
  /call <user>    start a voice call
  /accept         accept the incoming call
  /reject         reject the incoming call
  /mute           toggle the microphone
  /hangup         end the current call
  /who            show session details
  /quit           leave
`)
}

// parseCommand splits a slash command from its argument. Plain text yields
// an empty command.
func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", ""
	}
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
