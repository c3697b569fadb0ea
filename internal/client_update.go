package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const helpText = "/join <channel> • /dm <user> • /read • /unread • /who • /logout • /quit"

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// Any mode should respect Ctrl+C so the user can bail out quickly.
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeSocket("client quit")
			return model, tea.Quit
		}
		return model.updateKey(typedMessage)

	case authDoneMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice("Authentication failed: " + typedMessage.err.Error())
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}
		model.username = typedMessage.username
		model.token = typedMessage.token
		model.password = ""
		model.enterChat()
		return model, model.connectCmd()

	case connectedMsg:
		model.isConnected = true
		model.connectionError = nil
		return model, tea.Batch(model.readOnceCmd(), model.openTargetCmd(model.target))

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if model.mode == modeChat && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case socketClosedMsg:
		model.isConnected = false
		model.websocketConn = nil
		model.connectionError = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case incomingMsg:
		cmd := model.applyEvent(Envelope(typedMessage))
		return model, tea.Batch(cmd, model.readOnceCmd())

	case historyMsg:
		if typedMessage.err != nil {
			if errors.Is(typedMessage.err, errClientUnauthorized) {
				return model, model.logout("Session expired, please log in again.")
			}
			model.addSystem("Could not open " + describeTarget(typedMessage.target) + ": " + typedMessage.err.Error())
			return model, nil
		}
		model.target = typedMessage.target
		model.lines = typedMessage.lines
		if typedMessage.target.isDirect() {
			delete(model.unread, typedMessage.target.Peer)
		}
		model.addSystem("Now talking in " + describeTarget(typedMessage.target))
		return model, nil

	case unreadMsg:
		if typedMessage.err != nil {
			model.addSystem("Could not load unread counts: " + typedMessage.err.Error())
			return model, nil
		}
		model.unread = typedMessage.counts
		if model.unread == nil {
			model.unread = make(map[string]int)
		}
		model.addSystem(formatUnread(model.unread))
		return model, nil

	case sendFailedMsg:
		model.addSystem("Send failed: " + typedMessage.err.Error())
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateKey(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch model.mode {
	case modeAuthMenu:
		switch key.String() {
		case "1", "l", "L":
			model.startAuthPrompt(authIntentLogin)
			return model, model.textInput.Focus()
		case "2", "s", "S":
			model.startAuthPrompt(authIntentSignup)
			return model, model.textInput.Focus()
		case "q", "Q", "esc":
			return model, tea.Quit
		}
		return model, nil

	case modeAuthUsername, modeAuthPassword:
		switch key.Type {
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.textInput.SetValue("")
			model.textInput.EchoMode = textinput.EchoNormal
			model.textInput.Blur()
			return model, nil
		case tea.KeyEnter:
			value := strings.TrimSpace(model.textInput.Value())
			if value == "" {
				return model, nil
			}
			model.textInput.SetValue("")
			if model.mode == modeAuthUsername {
				model.username = value
				model.mode = modeAuthPassword
				model.textInput.Placeholder = "password"
				model.textInput.EchoMode = textinput.EchoPassword
				return model, nil
			}
			model.textInput.EchoMode = textinput.EchoNormal
			model.loading = true
			return model, model.authCmd(model.authIntent, model.username, value)
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd

	case modeChat:
		if key.Type == tea.KeyEnter {
			trimmed := strings.TrimSpace(model.textInput.Value())
			model.textInput.SetValue("")
			if trimmed == "" {
				return model, nil
			}
			if strings.HasPrefix(trimmed, "/") {
				return model.runCommand(trimmed)
			}
			if !model.isConnected {
				model.addSystem("Not connected yet.")
				return model, nil
			}
			if model.target.isDirect() {
				return model, model.sendEventCmd(EventDirectMessage, SendDirectMessageEvent{To: model.target.Peer, Text: trimmed})
			}
			return model, model.sendEventCmd(EventChannelMessage, PostChannelMessageEvent{ChannelID: model.target.Channel, Text: trimmed})
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd
	}
	return model, nil
}

func (model *TUIModel) startAuthPrompt(intent authIntent) {
	model.authIntent = intent
	model.mode = modeAuthUsername
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "username"
	model.textInput.Prompt = "> "
}

type slashCommand struct {
	name string
	arg  string
}

func parseCommand(input string) slashCommand {
	fields := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(fields) == 0 {
		return slashCommand{}
	}
	cmd := slashCommand{name: strings.ToLower(fields[0])}
	if len(fields) > 1 {
		cmd.arg = fields[1]
	}
	return cmd
}

func (model *TUIModel) runCommand(input string) (tea.Model, tea.Cmd) {
	cmd := parseCommand(input)
	switch cmd.name {
	case "quit", "exit":
		model.closeSocket("client quit")
		return model, tea.Quit
	case "join":
		if cmd.arg == "" {
			model.addSystem("Usage: /join <channel>")
			return model, nil
		}
		return model, model.openTargetCmd(chatTarget{Channel: cmd.arg})
	case "dm":
		if cmd.arg == "" || cmd.arg == model.username {
			model.addSystem("Usage: /dm <user>")
			return model, nil
		}
		return model, model.openTargetCmd(chatTarget{Peer: cmd.arg})
	case "read":
		if !model.target.isDirect() {
			model.addSystem("/read only applies to direct conversations")
			return model, nil
		}
		return model, model.sendEventCmd(EventMarkSeen, MarkSeenEvent{With: model.target.Peer})
	case "unread":
		return model, model.unreadCmd()
	case "who":
		model.addSystem("Online: " + strings.Join(model.onlineList(), ", "))
		return model, nil
	case "logout":
		return model, model.logout("Logged out.")
	case "help", "":
		model.addSystem(helpText)
		return model, nil
	}
	model.addSystem(fmt.Sprintf("Unknown command /%s. %s", cmd.name, helpText))
	return model, nil
}

// applyEvent folds one server event into the model and returns any follow-up command.
func (model *TUIModel) applyEvent(env Envelope) tea.Cmd {
	switch env.Type {
	case EventPresence:
		var payload PresencePayload
		if json.Unmarshal(env.Data, &payload) == nil {
			model.online = lo.SliceToMap(payload.Online, func(name string) (string, bool) { return name, true })
		}
	case EventUserOnline:
		var payload UserOnlinePayload
		if json.Unmarshal(env.Data, &payload) == nil {
			model.online[payload.Identity] = true
			if payload.Identity != model.username {
				model.addNotice(payload.Identity + " is online")
			}
		}
	case EventUserOffline:
		var payload UserOfflinePayload
		if json.Unmarshal(env.Data, &payload) == nil {
			delete(model.online, payload.Identity)
			model.addNotice(fmt.Sprintf("%s went offline at %s", payload.Identity, payload.LastSeen.Local().Format("15:04")))
		}
	case EventChannelMessage, EventChannelMessageEdited:
		var payload ChannelMessagePayload
		if json.Unmarshal(env.Data, &payload) != nil {
			return nil
		}
		msg := payload.Message
		if model.target.isDirect() || msg.ChannelID != model.target.Channel {
			return nil
		}
		body := msg.Text
		if env.Type == EventChannelMessageEdited {
			body += " (edited)"
		}
		model.lines = append(model.lines, chatLine{At: msg.CreatedAt, From: msg.Sender, Body: body})
	case EventChannelMessageDeleted:
		var payload ChannelMessageDeletedPayload
		if json.Unmarshal(env.Data, &payload) == nil && payload.ChannelID == model.target.Channel && !model.target.isDirect() {
			model.addSystem("A message was deleted.")
		}
	case EventDirectMessage:
		var payload DirectMessagePayload
		if json.Unmarshal(env.Data, &payload) != nil {
			return nil
		}
		msg := payload.Message
		peer := msg.From
		if peer == model.username {
			peer = msg.To
		}
		if model.target.Peer != peer {
			if msg.To == model.username {
				model.unread[peer]++
				model.addNotice(fmt.Sprintf("New message from %s (%d unread)", peer, model.unread[peer]))
			}
			return nil
		}
		model.lines = append(model.lines, chatLine{At: msg.CreatedAt, From: msg.From, Body: msg.Text})
		if msg.To == model.username {
			// the conversation is on screen, so the message counts as seen right away.
			return model.sendEventCmd(EventMarkSeen, MarkSeenEvent{With: peer})
		}
	case EventMessagesSeen:
		var payload MessagesSeenPayload
		if json.Unmarshal(env.Data, &payload) == nil && payload.From == model.username {
			model.addNotice(fmt.Sprintf("%s read %d of your messages", payload.By, payload.Count))
		}
	}
	return nil
}

func (model *TUIModel) logout(reason string) tea.Cmd {
	model.closeSocket("logout")
	_ = deleteSessionFile(model.sessionPath)
	model.token = ""
	model.isConnected = false
	model.mode = modeAuthMenu
	model.lines = model.lines[:0]
	model.textInput.Blur()
	model.addNotice(reason)
	return nil
}

func (model *TUIModel) closeSocket(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
	model.websocketConn = nil
}

func (model *TUIModel) onlineList() []string {
	names := lo.Keys(model.online)
	sort.Strings(names)
	return names
}

func describeTarget(target chatTarget) string {
	if target.isDirect() {
		return "direct conversation with " + target.Peer
	}
	return "#" + target.Channel
}

func formatUnread(counts map[string]int) string {
	if len(counts) == 0 {
		return "No unread messages."
	}
	senders := lo.Keys(counts)
	sort.Strings(senders)
	parts := lo.Map(senders, func(sender string, _ int) string {
		return fmt.Sprintf("%s (%d)", sender, counts[sender])
	})
	return fmt.Sprintf("Unread: %s", strings.Join(parts, ", "))
}

// lineTime falls back to now for lines without a server timestamp.
func lineTime(line chatLine) time.Time {
	if line.At.IsZero() {
		return time.Now()
	}
	return line.At
}
