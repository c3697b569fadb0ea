package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"
)

// pre styled colors, all from lipgloss
var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// visibleLines caps how much of the conversation is drawn.
const visibleLines = 30

func (model *TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthPassword:
		return model.renderAuthPromptView()
	default:
		return model.renderChatView()
	}
}

func (model *TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("dashchat")
	subtitle := subtitleStyle.Render("Channels and direct messages in your terminal")
	menu := menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	))

	sections := []string{title, subtitle, menu}
	if model.connectionError != nil {
		sections = append(sections, errorStyle.Render("Server URL: "+model.connectionError.Error()))
	}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Working..."))
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderAuthPromptView() string {
	title := "Log in"
	if model.authIntent == authIntentSignup {
		title = "Sign up"
	}
	hint := "Enter your username."
	if model.mode == modeAuthPassword {
		hint = fmt.Sprintf("Password for %s.", model.username)
	}

	sections := []string{appTitleStyle.Render(title), subtitleStyle.Render(hint)}
	if model.loading {
		sections = append(sections, connectingStyle.Render("Working..."))
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, inputBoxStyle.Render(model.textInput.View()), menuHintStyle.Render("Esc to go back"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *TUIModel) renderChatView() string {
	headerSegments := []string{
		describeTarget(model.target),
		fmt.Sprintf("User %s", model.username),
		fmt.Sprintf("Online %d", len(model.online)),
	}
	if total := lo.Sum(lo.Values(model.unread)); total > 0 {
		headerSegments = append(headerSegments, fmt.Sprintf("Unread %d", total))
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connectionError != nil && !model.isConnected:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting...")
	}

	shown := model.lines
	if len(shown) > visibleLines {
		shown = shown[len(shown)-visibleLines:]
	}
	rendered := lo.Map(shown, func(line chatLine, _ int) string { return model.renderLine(line) })
	if len(rendered) == 0 {
		rendered = []string{systemMessageStyle.Render("No messages yet.")}
	}
	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rendered...))

	sections := []string{header, statusLine}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections,
		messagesView,
		inputBoxStyle.Render(model.textInput.View()),
		menuHintStyle.Render(helpText),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	styled := lo.Map(model.notices, func(notice string, _ int) string {
		return systemMessageStyle.Render(notice)
	})
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, styled...))
}

// renderLine stamps the time, picks a color for the sender, and indents
// multi-line bodies so they stay legible.
func (model *TUIModel) renderLine(line chatLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", lineTime(line).Local().Format("15:04:05")))
	if line.System {
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(line.Body))
	}

	nameStyle := usernameStyle.Copy().Foreground(colorForUser(line.From))
	if line.From == model.username {
		nameStyle = activeUserStyle
	}
	name := nameStyle.Render(line.From)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(line.Body, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
