package internal

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// ClientOptions configures the terminal client.
type ClientOptions struct {
	ServerURL   string
	Username    string
	Password    string
	Channel     string
	SessionPath string
}

// chatLine is one rendered entry of the conversation pane.
type chatLine struct {
	At     time.Time
	From   string
	Body   string
	System bool
}

// tui model struct for all the components and modes
type TUIModel struct {
	textInput       textinput.Model
	lines           []chatLine
	notices         []string
	serverURL       string
	httpBase        string
	sessionPath     string
	username        string
	password        string
	token           string
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error
	mode            appMode
	authIntent      authIntent
	loading         bool
	target          chatTarget
	online          map[string]bool
	unread          map[string]int
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthPassword
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

// chatTarget is what the input line sends to: a channel or a direct conversation.
type chatTarget struct {
	Channel string
	Peer    string
}

func (t chatTarget) isDirect() bool {
	return t.Peer != ""
}

func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.CharLimit = DefaultMaxMessageBytes
	input.Prompt = ""

	channel := opts.Channel
	if channel == "" {
		channel = "general"
	}
	username := opts.Username
	if username == "" {
		username = defaultUsername()
	}
	sessionPath := opts.SessionPath
	if sessionPath == "" {
		sessionPath = defaultSessionPath()
	}
	httpBase, err := httpBaseFromSocketURL(opts.ServerURL)

	model := &TUIModel{
		textInput:       input,
		lines:           make([]chatLine, 0, 64),
		serverURL:       opts.ServerURL,
		httpBase:        httpBase,
		sessionPath:     sessionPath,
		username:        username,
		password:        opts.Password,
		mode:            modeAuthMenu,
		target:          chatTarget{Channel: channel},
		online:          make(map[string]bool),
		unread:          make(map[string]int),
		connectionError: err,
	}
	return model
}

// init user
func defaultUsername() string {
	if user := os.Getenv("DASHCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return ""
}

func (model *TUIModel) Init() tea.Cmd {
	if model.connectionError != nil {
		return nil
	}
	if model.password != "" && model.username != "" {
		model.loading = true
		return model.authCmd(authIntentLogin, model.username, model.password)
	}
	if session, err := loadSessionFromDisk(model.sessionPath); err == nil {
		model.username = session.Username
		model.token = session.Token
		model.enterChat()
		return model.connectCmd()
	}
	return nil
}

func (model *TUIModel) enterChat() {
	model.mode = modeChat
	model.loading = false
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message or /help"
	model.textInput.Prompt = "> "
	model.textInput.Focus()
}

func (model *TUIModel) addSystem(body string) {
	model.lines = append(model.lines, chatLine{At: time.Now(), Body: body, System: true})
}

func (model *TUIModel) addNotice(body string) {
	model.notices = append(model.notices, body)
	if len(model.notices) > 3 {
		model.notices = model.notices[len(model.notices)-3:]
	}
}
