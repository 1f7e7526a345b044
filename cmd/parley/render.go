package main

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/parley/internal/call"
	"github.com/1ureka/parley/internal/protocol"
	"github.com/1ureka/parley/internal/transport"
)

func formatMessage(msg protocol.ChatMessage) string {
	stamp := pterm.FgGray.Sprint(msg.Timestamp.Local().Format("15:04"))
	switch msg.Sender {
	case protocol.SenderSystem:
		return fmt.Sprintf("%s %s", stamp, pterm.FgYellow.Sprint("! "+msg.Content))
	case protocol.SenderAssistant:
		return fmt.Sprintf("%s %s %s", stamp, pterm.FgMagenta.Sprint("assistant:"), msg.Content)
	default:
		return fmt.Sprintf("%s %s %s", stamp, pterm.FgCyan.Sprint(string(msg.Sender)+":"), msg.Content)
	}
}

// formatTyping describes the typing users, or returns "" when nobody types.
func formatTyping(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return pterm.FgGray.Sprintf("user %s is typing...", users[0])
	default:
		return pterm.FgGray.Sprintf("users %s are typing...", strings.Join(users, ", "))
	}
}

func formatCallState(st call.State) string {
	s := string(st.Status)
	if st.Remote != "" {
		s += " with " + st.Remote
	}
	if st.Muted {
		s += " (muted)"
	}
	return s
}

func renderCallEvent(ev call.Event) {
	switch ev.Kind {
	case call.EventState:
		if ev.State.Status == call.StatusIdle {
			return
		}
		pterm.Info.Println("call " + formatCallState(ev.State))
	case call.EventIncoming:
		pterm.Warning.Println(fmt.Sprintf("incoming call from %s, /accept or /reject", ev.From))
	case call.EventNotice:
		pterm.Info.Println(ev.Notice)
	case call.EventRemoteTrack:
		pterm.Success.Println(fmt.Sprintf("receiving remote %s", ev.Track.Kind))
	}
}

func renderStatus(st transport.Status) {
	switch st {
	case transport.StatusConnected:
		pterm.Success.Println("channel connected")
	case transport.StatusReconnecting:
		pterm.Warning.Println("channel lost, reconnecting...")
	case transport.StatusError:
		pterm.Error.Println("channel error")
	case transport.StatusDisconnected:
		pterm.Warning.Println("channel disconnected")
	}
}
