// Package ui renders the CLI's status lines around a terminal session.
package ui

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ehrlich-b/replink/internal/protocol"
	"github.com/ehrlich-b/replink/internal/session"
	"github.com/ehrlich-b/replink/internal/workspace"
)

// Renderer builds styled status lines. Output is plain text when the
// terminal has no color support.
type Renderer struct {
	theme Theme
	raw   atomic.Bool
}

// NewRenderer creates a new renderer with the given theme
func NewRenderer(theme Theme) *Renderer {
	return &Renderer{theme: theme}
}

// SetRaw switches line endings to CRLF, for terminals in raw mode.
func (r *Renderer) SetRaw(on bool) {
	r.raw.Store(on)
}

func (r *Renderer) line(s string) string {
	if r.raw.Load() {
		return strings.ReplaceAll(s, "\n", "\r\n") + "\r\n"
	}
	return s + "\n"
}

// Workspace renders the banner shown when a workspace is opened.
func (r *Renderer) Workspace(d workspace.Descriptor) string {
	title := r.theme.Title.Render(d.Display())
	details := []string{r.theme.Dim.Render(d.ID)}
	if d.Engine != "" {
		details = append(details, r.theme.Info.Render("engine "+d.Engine))
	}
	if !d.Interactive() {
		details = append(details, r.theme.Warning.Render("not interactive"))
	}
	return r.line(r.theme.Card.Render(title + "\n" + strings.Join(details, "  ")))
}

// SessionState renders a session state transition.
func (r *Renderer) SessionState(st session.State, err error) string {
	var s string
	switch st {
	case session.StateConnected:
		s = r.theme.Success.Render("● connected")
	case session.StateConnecting:
		s = r.theme.Dim.Render("○ connecting")
	case session.StateReconnecting:
		s = r.theme.Warning.Render("◌ reconnecting")
	case session.StateDisconnected:
		s = r.theme.Error.Render("✗ disconnected")
	default:
		s = r.theme.Dim.Render("· " + st.String())
	}
	if err != nil {
		s += " " + r.theme.Dim.Render(err.Error())
	}
	return r.line(s)
}

// RunState renders a change in the workspace's run state.
func (r *Renderer) RunState(st protocol.RunState) string {
	if st == protocol.Running {
		return r.line(r.theme.Success.Render("▶ running"))
	}
	return r.line(r.theme.Dim.Render("■ stopped"))
}

// Port renders a port the workspace started listening on.
func (r *Renderer) Port(p protocol.PortOpen, previewURL string) string {
	msg := r.theme.Info.Render(fmt.Sprintf("port %d open", p.Port))
	if previewURL != "" && p.Forwarded {
		msg += " " + r.theme.Link.Render(previewURL)
	}
	return r.line(msg)
}

func (r *Renderer) Info(msg string) string {
	return r.line(r.theme.Info.Render(msg))
}

func (r *Renderer) Warning(msg string) string {
	return r.line(r.theme.Warning.Render("! " + msg))
}

func (r *Renderer) Error(msg string) string {
	return r.line(r.theme.Error.Render("✗ " + msg))
}

// ListItem is one row of a workspace listing. A zero OpenedAt omits the
// age column.
type ListItem struct {
	Workspace workspace.Descriptor
	OpenedAt  time.Time
}

// WorkspaceList renders a table of workspaces, newest first as given.
func (r *Renderer) WorkspaceList(items []ListItem, now time.Time) string {
	if len(items) == 0 {
		return r.line(r.theme.Dim.Render("no workspaces opened yet"))
	}
	nameWidth := 0
	for _, it := range items {
		nameWidth = max(nameWidth, lipgloss.Width(it.Workspace.Display()))
	}
	col := lipgloss.NewStyle().Width(nameWidth + 2)

	var b strings.Builder
	for _, it := range items {
		marker := "  "
		if it.Workspace.Interactive() {
			marker = r.theme.Success.Render("●") + " "
		}
		row := marker + col.Render(it.Workspace.Display()) + r.theme.Dim.Render(it.Workspace.ID)
		if !it.OpenedAt.IsZero() {
			row += "  " + r.theme.Info.Render(ago(now.Sub(it.OpenedAt)))
		}
		b.WriteString(r.line(row))
	}
	return b.String()
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
