package internal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"dashchat/internal/storage"
)

func newTestTUI(t *testing.T) *TUIModel {
	t.Helper()
	model := NewTUIModel(ClientOptions{
		ServerURL:   "ws://127.0.0.1:9/ws",
		Username:    "alice",
		Channel:     "general",
		SessionPath: filepath.Join(t.TempDir(), "session.json"),
	})
	require.NoError(t, model.connectionError)
	model.enterChat()
	return model
}

func outboundEnvelope(t *testing.T, eventType string, data any) Envelope {
	t.Helper()
	frame, err := encodeOutbound(Outbound{Type: eventType, Data: data})
	require.NoError(t, err)
	env, err := decodeEnvelope(frame)
	require.NoError(t, err)
	return env
}

func TestParseCommand(t *testing.T) {
	require.Equal(t, slashCommand{name: "join", arg: "random"}, parseCommand("/join random"))
	require.Equal(t, slashCommand{name: "dm", arg: "bob"}, parseCommand("/DM bob extra"))
	require.Equal(t, slashCommand{name: "quit"}, parseCommand("/quit"))
	require.Equal(t, slashCommand{}, parseCommand("/"))
}

func TestHTTPBaseFromSocketURL(t *testing.T) {
	base, err := httpBaseFromSocketURL("ws://localhost:8080/ws?x=1")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", base)

	base, err = httpBaseFromSocketURL("wss://chat.example.com/socket")
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", base)

	_, err = httpBaseFromSocketURL("http://localhost:8080")
	require.Error(t, err)
}

func TestHistoryPagesRenderOldestFirst(t *testing.T) {
	now := time.Now()
	page := []storage.ChannelMessage{
		{ID: "2", Sender: "bob", Text: "second", CreatedAt: now},
		{ID: "1", Sender: "alice", Text: "first", CreatedAt: now.Add(-time.Minute)},
	}
	lines := channelLines(page)
	require.Len(t, lines, 2)
	require.Equal(t, "first", lines[0].Body)
	require.Equal(t, "second", lines[1].Body)

	direct := directLines([]storage.DirectMessage{
		{From: "bob", To: "alice", Text: "later"},
		{From: "alice", To: "bob", Text: "earlier"},
	})
	require.Equal(t, "earlier", direct[0].Body)
	require.Equal(t, "alice", direct[0].From)
}

func TestApplyEventPresence(t *testing.T) {
	model := newTestTUI(t)

	model.applyEvent(outboundEnvelope(t, EventPresence, PresencePayload{Online: []string{"alice", "bob"}}))
	require.Equal(t, []string{"alice", "bob"}, model.onlineList())

	model.applyEvent(outboundEnvelope(t, EventUserOnline, UserOnlinePayload{Identity: "carol"}))
	model.applyEvent(outboundEnvelope(t, EventUserOffline, UserOfflinePayload{Identity: "bob", LastSeen: time.Now()}))
	require.Equal(t, []string{"alice", "carol"}, model.onlineList())
	require.NotEmpty(t, model.notices)
}

func TestApplyEventChannelMessages(t *testing.T) {
	model := newTestTUI(t)

	model.applyEvent(outboundEnvelope(t, EventChannelMessage, ChannelMessagePayload{
		Message: storage.ChannelMessage{ID: "m1", ChannelID: "general", Sender: "bob", Text: "hi"},
	}))
	model.applyEvent(outboundEnvelope(t, EventChannelMessage, ChannelMessagePayload{
		Message: storage.ChannelMessage{ID: "m2", ChannelID: "random", Sender: "bob", Text: "elsewhere"},
	}))
	model.applyEvent(outboundEnvelope(t, EventChannelMessageEdited, ChannelMessagePayload{
		Message: storage.ChannelMessage{ID: "m1", ChannelID: "general", Sender: "bob", Text: "hello"},
	}))

	require.Len(t, model.lines, 2)
	require.Equal(t, "hi", model.lines[0].Body)
	require.Equal(t, "hello (edited)", model.lines[1].Body)
}

func TestApplyEventDirectMessages(t *testing.T) {
	req := require.New(t)
	model := newTestTUI(t)

	// bob writes while alice is looking at a channel
	cmd := model.applyEvent(outboundEnvelope(t, EventDirectMessage, DirectMessagePayload{
		Message: storage.DirectMessage{ID: "d1", From: "bob", To: "alice", Text: "psst"},
	}))
	req.Nil(cmd)
	req.Equal(1, model.unread["bob"])
	req.Empty(model.lines)

	model.Update(historyMsg{target: chatTarget{Peer: "bob"}, lines: []chatLine{{From: "bob", Body: "psst"}}})
	req.True(model.target.isDirect())
	req.NotContains(model.unread, "bob")

	cmd = model.applyEvent(outboundEnvelope(t, EventDirectMessage, DirectMessagePayload{
		Message: storage.DirectMessage{ID: "d2", From: "bob", To: "alice", Text: "you there?"},
	}))
	req.NotNil(cmd, "a message in the open conversation is marked seen")
	req.Equal("you there?", model.lines[len(model.lines)-1].Body)

	cmd = model.applyEvent(outboundEnvelope(t, EventDirectMessage, DirectMessagePayload{
		Message: storage.DirectMessage{ID: "d3", From: "alice", To: "bob", Text: "yes"},
	}))
	req.Nil(cmd)
	req.Equal("alice", model.lines[len(model.lines)-1].From)

	model.applyEvent(outboundEnvelope(t, EventMessagesSeen, MessagesSeenPayload{From: "alice", By: "bob", Count: 1}))
	req.Contains(model.notices[len(model.notices)-1], "bob read 1")
}

func TestAuthPromptFlow(t *testing.T) {
	req := require.New(t)
	model := NewTUIModel(ClientOptions{
		ServerURL:   "ws://127.0.0.1:9/ws",
		SessionPath: filepath.Join(t.TempDir(), "session.json"),
	})
	req.Equal(modeAuthMenu, model.mode)

	model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	req.Equal(modeAuthUsername, model.mode)
	req.Equal(authIntentSignup, model.authIntent)

	model.textInput.SetValue("dave")
	model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	req.Equal(modeAuthPassword, model.mode)
	req.Equal("dave", model.username)
	req.Equal(textinput.EchoPassword, model.textInput.EchoMode)

	model.textInput.SetValue("hunter22")
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	req.NotNil(cmd)
	req.True(model.loading)
	req.Empty(model.textInput.Value())

	model.Update(authDoneMsg{username: "dave", token: "tok"})
	req.Equal(modeChat, model.mode)
	req.Equal("tok", model.token)
}

func TestSessionFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	require.NoError(t, saveSessionToDisk(path, sessionFile{Username: "alice", Token: "abc"}))

	session, err := loadSessionFromDisk(path)
	require.NoError(t, err)
	require.Equal(t, "alice", session.Username)

	require.NoError(t, deleteSessionFile(path))
	require.NoError(t, deleteSessionFile(path))
	_, err = loadSessionFromDisk(path)
	require.Error(t, err)
}

func TestFormatUnread(t *testing.T) {
	require.Equal(t, "No unread messages.", formatUnread(nil))
	require.Equal(t, "Unread: bob (2), carol (1)", formatUnread(map[string]int{"carol": 1, "bob": 2}))
}
