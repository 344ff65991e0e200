package app

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/storeyes/livecount/internal/catalog"
	"github.com/storeyes/livecount/internal/lifecycle"
	"github.com/storeyes/livecount/internal/notify"
	"github.com/storeyes/livecount/internal/state"
	"github.com/storeyes/livecount/internal/tui/theme"
	"github.com/storeyes/livecount/internal/tui/views/dashboard"
	"github.com/storeyes/livecount/internal/tui/views/status"
)

const (
	pollInterval = 250 * time.Millisecond
	toastTTL     = 4 * time.Second
)

// Controller is the part of the connection manager the TUI drives.
type Controller interface {
	Connect(ctx context.Context, fresh bool)
	Disconnect()
	State() string
}

// Deps are the collaborators the TUI reads from and drives.
type Deps struct {
	Store    *state.Store
	Conn     Controller
	Observer *lifecycle.Observer
	Names    *catalog.Catalog
	// Toasts is optional.
	Toasts <-chan notify.Alert
}

type (
	stateMsg state.State
	toastMsg notify.Alert
	frameMsg time.Time
	pollMsg  time.Time
	// toastExpiredMsg carries the toast sequence it was scheduled for.
	toastExpiredMsg int
)

// Model is the root Bubble Tea model.
type Model struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc

	updates     <-chan state.State
	unsubscribe func()

	keys   KeyMap
	help   help.Model
	width  int
	height int

	overlay   bool
	animating bool
	toast     string
	toastSeq  int

	statusBar status.Model
	dashboard dashboard.Model
}

// New creates the root model and subscribes it to the store.
func New(deps Deps) Model {
	ctx, cancel := context.WithCancel(context.Background())
	updates, unsubscribe := deps.Store.Subscribe()

	m := Model{
		deps:        deps,
		ctx:         ctx,
		cancel:      cancel,
		updates:     updates,
		unsubscribe: unsubscribe,
		keys:        DefaultKeyMap(),
		help:        help.New(),
		statusBar:   status.New(),
		dashboard:   dashboard.New(deps.Names),
	}
	m.applyState(deps.Store.Snapshot())
	m.statusBar.Connection = deps.Conn.State()
	m.statusBar.Phase = deps.Observer.Phase().String()
	return m
}

// Init starts the store, toast and poll loops.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		waitForState(m.updates),
		waitForToast(m.deps.Toasts),
		poll(),
		m.statusBar.Tick,
	}
	if m.animating {
		cmds = append(cmds, frame())
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.FocusMsg:
		m.report(lifecycle.Foreground)
		return m, nil

	case tea.BlurMsg:
		m.report(lifecycle.Background)
		return m, nil

	case stateMsg:
		started := m.applyState(state.State(msg))
		cmds := []tea.Cmd{waitForState(m.updates)}
		if started {
			cmds = append(cmds, frame())
		}
		return m, tea.Batch(cmds...)

	case frameMsg:
		if !m.dashboard.Step() {
			m.animating = false
			return m, nil
		}
		return m, frame()

	case pollMsg:
		m.statusBar.Connection = m.deps.Conn.State()
		m.statusBar.Phase = m.deps.Observer.Phase().String()
		return m, poll()

	case toastMsg:
		m.toastSeq++
		m.toast = msg.Title + "  " + msg.Body
		seq := m.toastSeq
		return m, tea.Batch(
			waitForToast(m.deps.Toasts),
			tea.Tick(toastTTL, func(time.Time) tea.Msg { return toastExpiredMsg(seq) }),
		)

	case toastExpiredMsg:
		if int(msg) == m.toastSeq {
			m.toast = ""
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.statusBar, cmd = m.statusBar.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.overlay {
		if key.Matches(msg, m.keys.Escape) || key.Matches(msg, m.keys.Help) {
			m.overlay = false
			return m, nil
		}
		if !key.Matches(msg, m.keys.Quit) {
			return m, nil
		}
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		m.unsubscribe()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.overlay = true
		return m, nil

	case key.Matches(msg, m.keys.Reconnect):
		ctx, conn := m.ctx, m.deps.Conn
		return m, func() tea.Msg {
			conn.Connect(ctx, true)
			return nil
		}

	case key.Matches(msg, m.keys.Disconnect):
		m.deps.Conn.Disconnect()
		m.statusBar.Connection = m.deps.Conn.State()
		return m, nil

	case key.Matches(msg, m.keys.Pause):
		if m.deps.Observer.Phase() == lifecycle.Foreground {
			m.report(lifecycle.Background)
		} else {
			m.report(lifecycle.Foreground)
		}
		return m, nil
	}
	return m, nil
}

// report forwards a phase change to the observer, which drives the
// connection manager.
func (m *Model) report(p lifecycle.Phase) {
	m.deps.Observer.Report(p)
	m.statusBar.Phase = m.deps.Observer.Phase().String()
}

// applyState feeds st into the sub-views. It returns true when an animation
// loop has to be started.
func (m *Model) applyState(st state.State) bool {
	m.statusBar.Loading = st.Loading
	m.statusBar.Token = ""
	if st.NotificationToken != nil {
		m.statusBar.Token = *st.NotificationToken
	}
	moving := m.dashboard.SetState(st)
	start := moving && !m.animating
	m.animating = moving || m.animating
	return start
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	if m.overlay {
		return lipgloss.JoinVertical(lipgloss.Left,
			m.statusBar.View(),
			renderHelp(m.width),
			theme.StyleDimmed.Render("esc close"),
		)
	}

	sections := []string{m.statusBar.View(), m.dashboard.View()}
	if m.toast != "" {
		sections = append(sections, theme.StyleToast.Render(m.toast))
	}
	sections = append(sections, m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

const helpMarkdown = `# livecount

Live product counts from the detection stream.

| Key | Action |
| --- | --- |
| ` + "`r`" + ` | Reconnect with a fresh snapshot |
| ` + "`x`" + ` | Disconnect the stream |
| ` + "`p`" + ` | Toggle background / foreground |
| ` + "`?`" + ` | Toggle this help |
| ` + "`q`" + ` | Quit |

Going to the background clears the counts and closes the stream.
Returning to the foreground reloads the snapshot and reconnects.
`

func renderHelp(width int) string {
	wrap := width - 4
	if wrap < 40 {
		wrap = 40
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return helpMarkdown
	}
	out, err := r.Render(helpMarkdown)
	if err != nil {
		return helpMarkdown
	}
	return out
}

func waitForState(ch <-chan state.State) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg(st)
	}
}

func waitForToast(ch <-chan notify.Alert) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		a, ok := <-ch
		if !ok {
			return nil
		}
		return toastMsg(a)
	}
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/dashboard.FPS, func(t time.Time) tea.Msg { return frameMsg(t) })
}

func poll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return pollMsg(t) })
}
