package internal

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"dashchat/internal/storage"
)

type (
	authDoneMsg struct {
		username string
		token    string
		err      error
	}
	connectedMsg     struct{}
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	socketClosedMsg  struct{ err error }
	incomingMsg      Envelope
	historyMsg       struct {
		target chatTarget
		lines  []chatLine
		err    error
	}
	unreadMsg struct {
		counts map[string]int
		err    error
	}
	sendFailedMsg struct{ err error }
)

const historyPageSize = 50

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	// we schedule a future poke that nudges Update to try the connection again.
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// authCmd signs up (when asked) and logs in, returning a bearer token.
func (model *TUIModel) authCmd(intent authIntent, username, password string) tea.Cmd {
	base := model.httpBase
	sessionPath := model.sessionPath
	return func() tea.Msg {
		if intent == authIntentSignup {
			if err := apiSignup(base, username, password); err != nil {
				return authDoneMsg{err: err}
			}
		}
		resp, err := apiLogin(base, username, password)
		if err != nil {
			return authDoneMsg{err: err}
		}
		if sessionPath != "" {
			_ = saveSessionToDisk(sessionPath, sessionFile{Username: resp.Username, Token: resp.Token})
		}
		return authDoneMsg{username: resp.Username, token: resp.Token}
	}
}

// connectCmd dials the websocket and registers the logged-in identity on it.
func (model *TUIModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(model.serverURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err}
		}
		frame, err := encodeInbound(EventRegister, RegisterEvent{Identity: model.username, Token: model.token})
		if err != nil {
			_ = conn.Close()
			return connectFailedMsg{err: err}
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			_ = conn.Close()
			return connectFailedMsg{err: err}
		}
		model.websocketConn = conn
		return connectedMsg{}
	}
}

func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return socketClosedMsg{err: errors.New("websocket not connected")}
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return socketClosedMsg{err: err}
			}
			if messageType != websocket.TextMessage {
				continue
			}
			env, err := decodeEnvelope(payload)
			if err != nil {
				continue
			}
			return incomingMsg(env)
		}
	}
}

func (model *TUIModel) sendEventCmd(eventType string, data any) tea.Cmd {
	return func() tea.Msg {
		if err := model.writeEvent(eventType, data); err != nil {
			return sendFailedMsg{err: err}
		}
		return nil
	}
}

func (model *TUIModel) writeEvent(eventType string, data any) error {
	if model.websocketConn == nil {
		return errors.New("websocket not connected")
	}
	frame, err := encodeInbound(eventType, data)
	if err != nil {
		return err
	}
	model.writeMutex.Lock()
	defer model.writeMutex.Unlock()
	return model.websocketConn.WriteMessage(websocket.TextMessage, frame)
}

// openTargetCmd subscribes to a channel (creating it if needed) or opens a direct
// conversation, and loads its recent history.
func (model *TUIModel) openTargetCmd(target chatTarget) tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		if target.isDirect() {
			page, err := apiConversation(base, token, target.Peer, historyPageSize)
			if err != nil {
				return historyMsg{target: target, err: err}
			}
			return historyMsg{target: target, lines: directLines(page)}
		}
		if err := apiEnsureChannel(base, token, target.Channel); err != nil {
			return historyMsg{target: target, err: err}
		}
		if err := model.writeEvent(EventJoinChannel, JoinChannelEvent{ChannelID: target.Channel}); err != nil {
			return historyMsg{target: target, err: err}
		}
		page, err := apiChannelHistory(base, token, target.Channel, historyPageSize)
		if err != nil {
			return historyMsg{target: target, err: err}
		}
		return historyMsg{target: target, lines: channelLines(page)}
	}
}

func (model *TUIModel) unreadCmd() tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		resp, err := apiUnread(base, token)
		return unreadMsg{counts: resp.Unread, err: err}
	}
}

// channelLines converts a newest-first page into display order.
func channelLines(page []storage.ChannelMessage) []chatLine {
	lines := lo.Map(page, func(msg storage.ChannelMessage, _ int) chatLine {
		return chatLine{At: msg.CreatedAt, From: msg.Sender, Body: msg.Text}
	})
	slices.Reverse(lines)
	return lines
}

func directLines(page []storage.DirectMessage) []chatLine {
	lines := lo.Map(page, func(msg storage.DirectMessage, _ int) chatLine {
		return chatLine{At: msg.CreatedAt, From: msg.From, Body: msg.Text}
	})
	slices.Reverse(lines)
	return lines
}

// RunClient is the entry point for the bubbletea client.
func RunClient(opts ClientOptions) error {
	if opts.ServerURL == "" {
		return errors.New("server URL is required")
	}
	model := NewTUIModel(opts)
	if model.connectionError != nil {
		return fmt.Errorf("server URL: %w", model.connectionError)
	}
	program := tea.NewProgram(model)
	_, err := program.Run()
	return err
}
