// Package loginform is the interactive login screen: credential fields, the
// two-factor prompt and a live lockout countdown over a login.Orchestrator.
package loginform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amirk1998/authsession/internal/login"
	apperrors "github.com/amirk1998/authsession/pkg/errors"
)

const (
	fieldIdentifier = iota
	fieldPassword
)

// submitResultMsg carries the outcome of a credential or code submission
type submitResultMsg struct {
	err error
}

// tickMsg advances the lockout countdown
type tickMsg time.Time

// Styles
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).MarginBottom(1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	lockStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(1, 2)
)

// Form is the login screen model
type Form struct {
	ctx        context.Context
	orch       *login.Orchestrator
	identifier textinput.Model
	password   textinput.Model
	code       textinput.Model
	focus      int
	busy       bool
	ticking    bool
	err        string
	loggedIn   bool
}

// New creates the form. ctx bounds every request the form makes.
func New(ctx context.Context, orch *login.Orchestrator) *Form {
	identifier := textinput.New()
	identifier.Placeholder = "username or email"
	identifier.CharLimit = 255
	identifier.Width = 40
	identifier.SetValue(orch.State().Identifier)

	password := textinput.New()
	password.Placeholder = "password"
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'
	password.CharLimit = 128
	password.Width = 40

	code := textinput.New()
	code.Placeholder = "123456"
	code.CharLimit = 6
	code.Width = 10

	f := &Form{
		ctx:        ctx,
		orch:       orch,
		identifier: identifier,
		password:   password,
		code:       code,
	}
	if identifier.Value() != "" {
		f.focusField(fieldPassword)
	} else {
		f.focusField(fieldIdentifier)
	}
	return f
}

// LoggedIn reports whether the form finished with an authenticated session
func (f *Form) LoggedIn() bool {
	return f.loggedIn
}

// Init implements tea.Model
func (f *Form) Init() tea.Cmd {
	return textinput.Blink
}

func (f *Form) focusField(field int) {
	f.focus = field
	if field == fieldIdentifier {
		f.identifier.Focus()
		f.password.Blur()
	} else {
		f.password.Focus()
		f.identifier.Blur()
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model
func (f *Form) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case submitResultMsg:
		return f.handleResult(msg.err)

	case tickMsg:
		state := f.orch.Tick()
		if state.IsLocked {
			return f, tick()
		}
		f.ticking = false
		f.err = ""
		return f, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return f, tea.Quit
		}
		if f.orch.State().Mode == login.ModeTwoFactor {
			return f.updateCode(msg)
		}
		return f.updateCredentials(msg)
	}

	return f, nil
}

func (f *Form) updateCredentials(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		return f, tea.Quit
	case "tab", "shift+tab", "up", "down":
		if f.focus == fieldIdentifier {
			f.focusField(fieldPassword)
		} else {
			f.focusField(fieldIdentifier)
		}
		return f, nil
	case "enter":
		if f.busy {
			return f, nil
		}
		if f.focus == fieldIdentifier && f.password.Value() == "" {
			f.focusField(fieldPassword)
			return f, nil
		}
		f.busy = true
		f.err = ""
		identifier, password := f.identifier.Value(), f.password.Value()
		return f, func() tea.Msg {
			return submitResultMsg{err: f.orch.Submit(f.ctx, identifier, password)}
		}
	}

	var cmd tea.Cmd
	if f.focus == fieldIdentifier {
		f.identifier, cmd = f.identifier.Update(msg)
	} else {
		f.password, cmd = f.password.Update(msg)
	}
	return f, cmd
}

func (f *Form) updateCode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		f.orch.Cancel2FA()
		f.code.SetValue("")
		f.code.Blur()
		f.err = ""
		f.focusField(fieldPassword)
		return f, nil
	case "enter":
		if f.busy {
			return f, nil
		}
		f.busy = true
		f.err = ""
		code := f.code.Value()
		return f, func() tea.Msg {
			return submitResultMsg{err: f.orch.SubmitCode(f.ctx, code)}
		}
	}

	var cmd tea.Cmd
	f.code, cmd = f.code.Update(msg)
	return f, cmd
}

func (f *Form) handleResult(err error) (tea.Model, tea.Cmd) {
	f.busy = false
	state := f.orch.State()

	if err != nil {
		f.err = apperrors.UserMessage(err)
		if state.Mode == login.ModeTwoFactor {
			f.code.SetValue("")
		} else {
			f.password.SetValue("")
		}
		if state.IsLocked && !f.ticking {
			f.ticking = true
			return f, tick()
		}
		return f, nil
	}

	if state.Mode == login.ModeTwoFactor {
		f.identifier.Blur()
		f.password.Blur()
		f.code.Focus()
		return f, textinput.Blink
	}

	f.loggedIn = true
	return f, tea.Quit
}

// View implements tea.Model
func (f *Form) View() string {
	state := f.orch.State()
	var b strings.Builder

	b.WriteString(titleStyle.Render("Sign in"))
	b.WriteString("\n")

	if state.Mode == login.ModeTwoFactor {
		b.WriteString(labelStyle.Render("Enter the 6-digit code from your authenticator app"))
		b.WriteString("\n")
		b.WriteString(f.code.View())
		b.WriteString("\n")
	} else {
		b.WriteString(labelStyle.Render("Username or email"))
		b.WriteString("\n")
		b.WriteString(f.identifier.View())
		b.WriteString("\n\n")
		b.WriteString(labelStyle.Render("Password"))
		b.WriteString("\n")
		b.WriteString(f.password.View())
		b.WriteString("\n")
	}

	if state.IsLocked {
		b.WriteString("\n")
		b.WriteString(lockStyle.Render(fmt.Sprintf("Too many failed attempts. Try again in %s",
			apperrors.FormatRemaining(time.Duration(state.LockoutRemainingSeconds)*time.Second))))
		b.WriteString("\n")
	} else if state.AttemptCount > 0 {
		b.WriteString(helpStyle.Render(fmt.Sprintf("Failed attempts: %d", state.AttemptCount)))
		b.WriteString("\n")
	}

	if f.err != "" && !state.IsLocked {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(f.err))
		b.WriteString("\n")
	}
	if state.Notice != "" {
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render(state.Notice))
		b.WriteString("\n")
	}
	if f.busy {
		b.WriteString(helpStyle.Render("Signing in..."))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if state.Mode == login.ModeTwoFactor {
		b.WriteString(helpStyle.Render("enter verify • esc back • ctrl+c quit"))
	} else {
		b.WriteString(helpStyle.Render("tab switch field • enter sign in • esc quit"))
	}

	return panelStyle.Render(b.String())
}
