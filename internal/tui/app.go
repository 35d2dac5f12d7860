package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/haseeb302/finance-bot/internal/api"
	"github.com/haseeb302/finance-bot/internal/auth"
	"github.com/haseeb302/finance-bot/internal/chat"
	"github.com/haseeb302/finance-bot/internal/config"
)

// App ties together views.
type App struct {
	ctx     context.Context
	orch    *chat.Orchestrator
	session *auth.Session
	guard   *auth.Guard
	cfg     config.Config

	state       appState
	modal       modalState
	composer    textinput.Model
	emailInput  textinput.Model
	passInput   textinput.Model
	spin        spinner.Model
	inputBuffer string
	renameID    string
	deleteID    string
	resetToken  string
	convCursor  int
	loginFocus  int // 0 email, 1 password
	status      string
	width       int
	height      int
}

type appState string

const (
	viewChat          appState = "chat"
	viewConversations appState = "conversations"
	viewLogin         appState = "login"
	viewSettings      appState = "settings"
)

type modalState string

const (
	modalNone          modalState = ""
	modalRename        modalState = "rename"
	modalConfirmDelete modalState = "confirmDelete"
	modalEditURL       modalState = "editURL"
	modalForgot        modalState = "forgotPassword"
	modalResetToken    modalState = "resetToken"
	modalResetPass     modalState = "resetPassword"
)

func New(ctx context.Context, cfg config.Config, orch *chat.Orchestrator, session *auth.Session, guard *auth.Guard) *App {
	composer := textinput.New()
	composer.Placeholder = "ask about your finances"
	composer.Prompt = "> "
	composer.CharLimit = cfg.Chat.MaxMessageLength
	composer.Focus()

	email := textinput.New()
	email.Placeholder = "email"
	email.Prompt = "> "

	pass := textinput.New()
	pass.Placeholder = "password"
	pass.Prompt = "> "
	pass.EchoMode = textinput.EchoPassword

	sp := spinner.New()
	sp.Spinner = spinner.Line

	return &App{
		ctx:        ctx,
		orch:       orch,
		session:    session,
		guard:      guard,
		cfg:        cfg,
		state:      viewChat,
		composer:   composer,
		emailInput: email,
		passInput:  pass,
		spin:       sp,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.initCmd(), a.spin.Tick, textinput.Blink)
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = m.Width, m.Height
		if m.Width > 4 {
			a.composer.Width = m.Width - 4
		}
	case tea.KeyMsg:
		if a.modal != modalNone {
			return a.handleModalKey(m)
		}
		switch a.state {
		case viewConversations:
			return a.handleConversationsKey(m)
		case viewLogin:
			return a.handleLoginKey(m)
		case viewSettings:
			return a.handleSettingsKey(m)
		default:
			return a.handleChatKey(m)
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(m)
		return a, cmd
	case initDoneMsg:
		if m.err != nil {
			a.status = "session restore failed: " + api.Detail(m.err)
		} else if u := a.session.User(); u != nil {
			a.status = "signed in as " + u.Email
		}
	case sendDoneMsg:
		if m.err != nil && api.IsValidationError(m.err) {
			a.status = api.Detail(m.err)
		}
	case authDoneMsg:
		if m.err != nil {
			a.status = "sign in failed: " + api.Detail(m.err)
			return a, nil
		}
		a.state = viewChat
		a.status = "signed in as " + m.user.Email
		a.emailInput.SetValue("")
		a.passInput.SetValue("")
		a.composer.Focus()
	case signedOutMsg:
		a.state = viewChat
		a.status = "signed out"
	case urlSavedMsg:
		a.cfg.API.BaseURL = m.url
		a.status = "backend URL saved to config (restart to apply)"
	case SessionExpiredMsg:
		a.state = viewLogin
		a.loginFocus = 0
		a.emailInput.Focus()
		a.passInput.Blur()
		a.status = "session expired - sign in again"
		return a, a.expireCmd()
	case statusMsg:
		a.status = string(m)
	case errMsg:
		a.status = "error: " + m.Error()
	case refreshMsg:
	}
	return a, nil
}

func (a *App) View() string {
	var body string
	switch a.state {
	case viewConversations:
		body = a.renderConversations()
	case viewLogin:
		body = a.renderLogin()
	case viewSettings:
		body = a.renderSettings()
	default:
		body = a.renderChat()
	}
	if a.modal != modalNone {
		body += "\n\n" + a.renderModal()
	}
	return body
}

// key handling

func (a *App) handleChatKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.String() {
	case "ctrl+c":
		return a, tea.Quit
	case "esc":
		a.state = viewConversations
		a.syncConvCursor()
		a.status = ""
		return a, nil
	case "ctrl+n":
		a.orch.NewConversation()
		a.status = "new conversation"
		return a, nil
	case "ctrl+p":
		a.state = viewSettings
		a.status = ""
		return a, nil
	case "ctrl+a":
		a.openLogin()
		return a, nil
	case "pgup":
		return a, a.loadMoreCmd()
	case "enter":
		text := strings.TrimSpace(a.composer.Value())
		if text == "" {
			return a, nil
		}
		snap := a.orch.Snapshot()
		if snap.Sending {
			a.status = "still sending..."
			return a, nil
		}
		a.composer.SetValue("")
		return a, a.sendCmd(text)
	}
	var cmd tea.Cmd
	a.composer, cmd = a.composer.Update(m)
	return a, cmd
}

func (a *App) handleConversationsKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	snap := a.orch.Snapshot()
	// the list can shrink underneath the cursor (delete, re-bootstrap)
	if a.convCursor >= len(snap.Conversations) {
		a.convCursor = 0
		if n := len(snap.Conversations); n > 0 {
			a.convCursor = n - 1
		}
	}
	switch m.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "esc":
		a.state = viewChat
		a.composer.Focus()
		return a, nil
	case "up", "k":
		if a.convCursor > 0 {
			a.convCursor--
		}
	case "down", "j":
		if a.convCursor < len(snap.Conversations)-1 {
			a.convCursor++
		}
	case "enter":
		if len(snap.Conversations) == 0 {
			return a, nil
		}
		id := snap.Conversations[a.convCursor].ID
		a.state = viewChat
		a.composer.Focus()
		a.status = ""
		return a, a.switchCmd(id)
	case "n":
		a.orch.NewConversation()
		a.state = viewChat
		a.composer.Focus()
		a.status = "new conversation"
		return a, nil
	case "r":
		if len(snap.Conversations) == 0 {
			a.status = "no conversations to rename"
			return a, nil
		}
		c := snap.Conversations[a.convCursor]
		a.modal = modalRename
		a.renameID = c.ID
		a.inputBuffer = c.Title
		return a, nil
	case "d", "backspace", "delete":
		if len(snap.Conversations) == 0 {
			return a, nil
		}
		a.modal = modalConfirmDelete
		a.deleteID = snap.Conversations[a.convCursor].ID
		return a, nil
	case "p":
		a.state = viewSettings
		a.status = ""
	case "a":
		a.openLogin()
	}
	return a, nil
}

func (a *App) handleLoginKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.String() {
	case "ctrl+c":
		return a, tea.Quit
	case "esc":
		a.state = viewChat
		a.composer.Focus()
		a.status = ""
		return a, nil
	case "tab", "shift+tab", "up", "down":
		a.loginFocus = 1 - a.loginFocus
		if a.loginFocus == 0 {
			a.emailInput.Focus()
			a.passInput.Blur()
		} else {
			a.passInput.Focus()
			a.emailInput.Blur()
		}
		return a, nil
	case "ctrl+f":
		a.modal = modalForgot
		a.inputBuffer = strings.TrimSpace(a.emailInput.Value())
		return a, nil
	case "enter":
		email := strings.TrimSpace(a.emailInput.Value())
		pass := a.passInput.Value()
		if email == "" || pass == "" {
			a.status = "enter email and password"
			return a, nil
		}
		a.status = "signing in..."
		return a, a.loginCmd(email, pass)
	}
	var cmd tea.Cmd
	if a.loginFocus == 0 {
		a.emailInput, cmd = a.emailInput.Update(m)
	} else {
		a.passInput, cmd = a.passInput.Update(m)
	}
	return a, cmd
}

func (a *App) handleSettingsKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "esc":
		a.state = viewChat
		a.composer.Focus()
		a.status = ""
		return a, nil
	case "e":
		a.modal = modalEditURL
		a.inputBuffer = a.cfg.API.BaseURL
		return a, nil
	case "a":
		a.openLogin()
		return a, nil
	case "o":
		if !a.session.Authenticated() {
			a.status = "not signed in"
			return a, nil
		}
		a.status = "signing out..."
		return a, a.logoutCmd()
	case "f":
		a.modal = modalForgot
		a.inputBuffer = ""
		return a, nil
	case "x":
		a.modal = modalResetToken
		a.inputBuffer = ""
		return a, nil
	}
	return a, nil
}

func (a *App) handleModalKey(m tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.modal == modalConfirmDelete {
		switch m.String() {
		case "y", "Y":
			id := a.deleteID
			a.modal = modalNone
			a.deleteID = ""
			return a, a.deleteCmd(id)
		case "n", "N", "esc":
			a.modal = modalNone
			a.deleteID = ""
		}
		return a, nil
	}

	switch m.Type {
	case tea.KeyEsc:
		a.modal = modalNone
		a.inputBuffer = ""
		a.resetToken = ""
	case tea.KeyEnter:
		text := strings.TrimSpace(a.inputBuffer)
		if text == "" {
			a.status = "enter a value"
			return a, nil
		}
		mode := a.modal
		a.modal = modalNone
		a.inputBuffer = ""
		switch mode {
		case modalRename:
			return a, a.renameCmd(a.renameID, text)
		case modalEditURL:
			return a, a.saveURLCmd(text)
		case modalForgot:
			return a, a.forgotCmd(text)
		case modalResetToken:
			a.resetToken = text
			a.modal = modalResetPass
		case modalResetPass:
			token := a.resetToken
			a.resetToken = ""
			return a, a.resetCmd(token, text)
		}
	case tea.KeyBackspace, tea.KeyCtrlH, tea.KeyDelete:
		if len(a.inputBuffer) > 0 {
			a.inputBuffer = a.inputBuffer[:len(a.inputBuffer)-1]
		}
	case tea.KeySpace:
		a.inputBuffer += " "
	case tea.KeyRunes:
		a.inputBuffer += string(m.Runes)
	}
	return a, nil
}

func (a *App) openLogin() {
	a.state = viewLogin
	a.loginFocus = 0
	a.emailInput.Focus()
	a.passInput.Blur()
	a.status = ""
}

// syncConvCursor points the cursor at the current conversation.
func (a *App) syncConvCursor() {
	snap := a.orch.Snapshot()
	a.convCursor = 0
	if snap.Current == nil {
		return
	}
	for i, c := range snap.Conversations {
		if c.ID == snap.Current.ID {
			a.convCursor = i
			return
		}
	}
}

// commands

func (a *App) initCmd() tea.Cmd {
	return func() tea.Msg {
		err := a.session.Initialize(a.ctx)
		if a.session.Authenticated() {
			a.orch.SetMode(chat.ModeAuthenticated)
		} else {
			a.orch.SetMode(chat.ModeAnonymous)
		}
		if berr := a.orch.Bootstrap(a.ctx); berr != nil && err == nil {
			err = berr
		}
		return initDoneMsg{err}
	}
}

func (a *App) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return sendDoneMsg{a.orch.Send(a.ctx, text)}
	}
}

func (a *App) switchCmd(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.orch.SwitchTo(a.ctx, id); err != nil {
			return errMsg{err}
		}
		return refreshMsg{}
	}
}

func (a *App) loadMoreCmd() tea.Cmd {
	return func() tea.Msg {
		if err := a.orch.LoadMore(a.ctx); err != nil {
			return errMsg{err}
		}
		return refreshMsg{}
	}
}

func (a *App) deleteCmd(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.orch.Delete(a.ctx, id); err != nil {
			return errMsg{err}
		}
		return statusMsg("conversation deleted")
	}
}

func (a *App) renameCmd(id, title string) tea.Cmd {
	return func() tea.Msg {
		if err := a.orch.Rename(a.ctx, id, title); err != nil {
			return errMsg{err}
		}
		return statusMsg("title updated")
	}
}

func (a *App) loginCmd(email, password string) tea.Cmd {
	return func() tea.Msg {
		user, err := a.session.SignIn(a.ctx, email, password)
		if err != nil {
			return authDoneMsg{err: err}
		}
		a.orch.SetMode(chat.ModeAuthenticated)
		if err := a.orch.Bootstrap(a.ctx); err != nil {
			return authDoneMsg{user: user, err: err}
		}
		return authDoneMsg{user: user}
	}
}

func (a *App) logoutCmd() tea.Cmd {
	return func() tea.Msg {
		a.session.SignOut(a.ctx)
		a.orch.SetMode(chat.ModeAnonymous)
		_ = a.orch.Bootstrap(a.ctx)
		return signedOutMsg{}
	}
}

func (a *App) expireCmd() tea.Cmd {
	return func() tea.Msg {
		a.session.Expire()
		a.orch.SetMode(chat.ModeAnonymous)
		_ = a.orch.Bootstrap(a.ctx)
		return refreshMsg{}
	}
}

func (a *App) forgotCmd(email string) tea.Cmd {
	return func() tea.Msg {
		if err := a.session.ForgotPassword(a.ctx, email); err != nil {
			return errMsg{err}
		}
		return statusMsg("reset link requested - check your email")
	}
}

func (a *App) resetCmd(token, password string) tea.Cmd {
	return func() tea.Msg {
		if err := a.session.ResetPassword(a.ctx, token, password); err != nil {
			return errMsg{err}
		}
		return statusMsg("password reset - sign in with the new password")
	}
}

// saveURLCmd captures the modified config up front; commands run off the
// update loop and must not touch App fields.
func (a *App) saveURLCmd(rawURL string) tea.Cmd {
	cfg := a.cfg
	cfg.API.BaseURL = strings.TrimSpace(rawURL)
	return func() tea.Msg {
		if err := config.Save(cfg); err != nil {
			return errMsg{err}
		}
		return urlSavedMsg{cfg.API.BaseURL}
	}
}

// messages
type initDoneMsg struct{ err error }

type sendDoneMsg struct{ err error }

type authDoneMsg struct {
	user api.User
	err  error
}

type signedOutMsg struct{}

type urlSavedMsg struct{ url string }

type refreshMsg struct{}

type statusMsg string

type errMsg struct{ error }

// SessionExpiredMsg is delivered by the composition root when a token
// refresh failed and the stored session was cleared.
type SessionExpiredMsg struct{}

// styles
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	userStyle  = lipgloss.NewStyle().Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func (a *App) renderChat() string {
	if a.session.Initializing() {
		return titleStyle.Render("FinanceBot") + "\n\n" + a.spin.View() + " restoring session..."
	}

	snap := a.orch.Snapshot()

	label := "New conversation"
	if snap.Current != nil {
		label = conversationLabel(*snap.Current)
	}
	header := "FinanceBot - " + label
	if snap.Mode == chat.ModeAnonymous {
		header += " (anonymous)"
	}
	out := titleStyle.Render(header) + "\n"

	if snap.HasMore {
		out += faintStyle.Render("[pgup] older messages") + "\n"
	}
	if snap.Loading {
		out += a.spin.View() + " loading history...\n"
	}

	for _, m := range snap.Messages {
		out += a.renderMessage(m)
	}
	if snap.Sending {
		out += a.spin.View() + " thinking...\n"
	}
	if snap.LastErr != nil {
		out += errStyle.Render("error: "+api.Detail(snap.LastErr)) + "\n"
	}

	out += "\n" + a.composer.View() + "\n"
	out += faintStyle.Render("[enter] Send  [esc] Conversations  [ctrl+n] New  [ctrl+a] Sign in  [ctrl+p] Settings  [ctrl+c] Quit")
	if a.status != "" {
		out += "\n" + a.status
	}
	return out
}

func (a *App) renderMessage(m api.Message) string {
	when := faintStyle.Render(m.CreatedAt.Local().Format("15:04"))
	who := "bot"
	if m.Role == api.RoleUser {
		who = userStyle.Render("you")
	}
	out := fmt.Sprintf("%s %s: %s\n", when, who, m.Content)
	if titles := sourceTitles(m.Metadata); len(titles) > 0 {
		out += faintStyle.Render("  sources: "+strings.Join(titles, ", ")) + "\n"
	}
	return out
}

func (a *App) renderConversations() string {
	snap := a.orch.Snapshot()
	out := titleStyle.Render("Conversations") + "\n"
	if snap.Mode == chat.ModeAnonymous {
		out += "Anonymous session - sign in with [a] to keep conversations.\n"
	}
	if len(snap.Conversations) == 0 {
		out += "  (no conversations yet)\n"
	}
	for i, c := range snap.Conversations {
		marker := " "
		if i == a.convCursor {
			marker = "▶"
		}
		active := " "
		if snap.Current != nil && snap.Current.ID == c.ID {
			active = "*"
		}
		out += fmt.Sprintf("%s%s %-40s %3d msgs  %s\n", marker, active, conversationLabel(c), c.MessageCount, faintStyle.Render(formatWhen(c)))
	}
	out += "\n[enter] Open  [n] New  [r] Rename  [d] Delete  [a] Sign in  [p] Settings  [esc] Back  [q] Quit"
	if a.status != "" {
		out += "\n" + a.status
	}
	return out
}

func (a *App) renderLogin() string {
	out := titleStyle.Render("Sign in") + "\n"
	out += "New emails create an account.\n\n"
	out += "Email\n" + a.emailInput.View() + "\n"
	out += "Password\n" + a.passInput.View() + "\n"
	out += "\n[tab] Switch field  [enter] Sign in  [ctrl+f] Forgot password  [esc] Back  [ctrl+c] Quit"
	if a.status != "" {
		out += "\n" + a.status
	}
	return out
}

func (a *App) renderSettings() string {
	out := titleStyle.Render("Settings") + "\n"
	out += fmt.Sprintf("Backend URL: %s\n", a.cfg.API.BaseURL)
	out += fmt.Sprintf("Page size: %d  Send timeout: %s\n", a.cfg.API.PageSize, a.cfg.API.SendTimeout)

	if u := a.session.User(); u != nil {
		out += fmt.Sprintf("\nSigned in as %s (%s)\n", u.Email, u.Username)
		if exp, ok := a.guard.AccessTokenExpiry(); ok {
			remain := time.Until(exp).Round(time.Second)
			if remain > 0 {
				out += fmt.Sprintf("Access token expires in %s\n", remain)
			} else {
				out += "Access token expired (refreshed on next request)\n"
			}
		}
	} else {
		out += "\nNot signed in - conversations stay on this machine only.\n"
	}

	out += "\n[e] Edit backend URL  [a] Sign in  [o] Sign out  [f] Forgot password  [x] Reset password\n"
	out += "[esc] Back  [q] Quit"
	if a.status != "" {
		out += "\n" + a.status
	}
	return out
}

func (a *App) renderModal() string {
	switch a.modal {
	case modalRename:
		return titleStyle.Render("Rename conversation") + fmt.Sprintf("\n%s\n[enter] Save  [esc] Cancel", a.inputBuffer)
	case modalConfirmDelete:
		return titleStyle.Render("Delete conversation?") + "\nThis cannot be undone.\n[y] Yes  [n] No"
	case modalEditURL:
		return titleStyle.Render("Backend URL (stored in config.toml)") + fmt.Sprintf("\n%s\n[enter] Save  [esc] Cancel", a.inputBuffer)
	case modalForgot:
		return titleStyle.Render("Forgot password - email") + fmt.Sprintf("\n%s\n[enter] Send  [esc] Cancel", a.inputBuffer)
	case modalResetToken:
		return titleStyle.Render("Reset password - token from email") + fmt.Sprintf("\n%s\n[enter] Next  [esc] Cancel", a.inputBuffer)
	case modalResetPass:
		return titleStyle.Render("Reset password - new password") + fmt.Sprintf("\n%s\n[enter] Save  [esc] Cancel", a.inputBuffer)
	default:
		return ""
	}
}

func conversationLabel(c api.Conversation) string {
	if c.ID == api.TempConversationID {
		return "New conversation"
	}
	if strings.TrimSpace(c.Title) == "" {
		return "(untitled)"
	}
	return c.Title
}

func formatWhen(c api.Conversation) string {
	t := c.CreatedAt.Time
	if c.UpdatedAt != nil && !c.UpdatedAt.IsZero() {
		t = c.UpdatedAt.Time
	}
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("Jan 2 15:04")
}

// sourceTitles pulls the source titles the backend attached to an
// assistant reply.
func sourceTitles(meta map[string]any) []string {
	raw, ok := meta["sources"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range raw {
		src, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if title, ok := src["title"].(string); ok && title != "" {
			out = append(out, title)
		}
	}
	return out
}
