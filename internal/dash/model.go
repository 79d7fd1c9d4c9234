package dash

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/steveyegge/tower/internal/agent"
	"github.com/steveyegge/tower/internal/daemon"
	"github.com/steveyegge/tower/internal/eventbus"
	"github.com/steveyegge/tower/internal/feed"
)

// refreshInterval is how often agent records are re-read from disk.
const refreshInterval = 2 * time.Second

// feedBacklog bounds the number of feed lines kept in memory.
const feedBacklog = 300

// preloadEvents is how many historical events seed the feed pane.
const preloadEvents = 50

// focusArea identifies which pane receives scroll keys.
type focusArea int

const (
	focusTable focusArea = iota
	focusFeed
	focusAnswer
)

// Model is the bubbletea model for the dashboard.
type Model struct {
	root string

	// Dimensions
	width  int
	height int
	ready  bool

	// Data
	agents    []agent.Record
	daemonUp  bool
	daemonPID int

	// Panes
	table      table.Model
	feedView   viewport.Model
	answerView viewport.Model
	focus      focusArea

	// Feed state
	feedLines []string

	// Answer state
	answers       map[string]string // agent id -> last final answer
	renderer      *glamour.TermRenderer
	renderedFor   string
	renderedWidth int

	// UI state
	keys     KeyMap
	help     help.Model
	showHelp bool
	spin     spinner.Model
	status   string
	err      error

	// Event tail
	follower *feed.Follower
	events   <-chan eventbus.Event
}

// New creates a dashboard model rooted at the given fleet directory.
func New(root string) (*Model, error) {
	t := table.New(
		table.WithColumns(agentColumns()),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.Bold(true).Foreground(colorAccent)
	st.Selected = st.Selected.
		Background(colorSelectedBg).
		Foreground(colorWhite).
		Bold(true)
	t.SetStyles(st)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	h := help.New()
	h.ShowAll = false

	follower := feed.NewFollower(root)
	events, err := follower.Start()
	if err != nil {
		return nil, fmt.Errorf("tailing event feed: %w", err)
	}

	m := &Model{
		root:       root,
		table:      t,
		feedView:   viewport.New(0, 0),
		answerView: viewport.New(0, 0),
		answers:    make(map[string]string),
		keys:       DefaultKeyMap(),
		help:       h,
		spin:       sp,
		follower:   follower,
		events:     events,
	}

	// Seed the feed with recent history so the pane is not blank on
	// startup.
	if recent, err := feed.ReadRecent(root, preloadEvents); err == nil {
		for _, ev := range recent {
			m.recordEvent(ev)
		}
	}

	return m, nil
}

func agentColumns() []table.Column {
	return []table.Column{
		{Title: "AGENT", Width: 14},
		{Title: "STATUS", Width: 12},
		{Title: "TOOL", Width: 16},
		{Title: "TASKS", Width: 6},
		{Title: "SESSION", Width: 10},
	}
}

// Init initializes the model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchAgents(),
		m.scheduleRefresh(),
		m.waitForEvent(),
		m.spin.Tick,
		tea.SetWindowTitle("Tower Dash"),
	)
}

// agentsMsg is sent when agent records are re-read from disk.
type agentsMsg struct {
	records   []agent.Record
	daemonUp  bool
	daemonPID int
	err       error
}

// refreshMsg is sent on each refresh interval.
type refreshMsg time.Time

// feedEventMsg carries one event tailed from the feed file.
type feedEventMsg eventbus.Event

// feedClosedMsg is sent when the feed tail stops.
type feedClosedMsg struct{}

// fetchAgents re-reads the record store and daemon state.
func (m *Model) fetchAgents() tea.Cmd {
	root := m.root
	return func() tea.Msg {
		store := agent.NewStore(root)
		if err := store.Load(); err != nil {
			return agentsMsg{err: err}
		}
		up, pid, _ := daemon.IsRunning(root)
		return agentsMsg{records: store.All(), daemonUp: up, daemonPID: pid}
	}
}

// scheduleRefresh starts the refresh ticker.
func (m *Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// waitForEvent blocks on the feed tail until the next event arrives.
func (m *Model) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return feedClosedMsg{}
		}
		return feedEventMsg(ev)
	}
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.layout()
		m.refreshFeedView()
		m.refreshAnswerView(true)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.follower.Stop()
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			m.help.ShowAll = m.showHelp

		case key.Matches(msg, m.keys.Tab):
			m.focus = (m.focus + 1) % 3

		case key.Matches(msg, m.keys.Refresh):
			m.status = "Refreshing..."
			cmds = append(cmds, m.fetchAgents())

		case key.Matches(msg, m.keys.Up), key.Matches(msg, m.keys.Down),
			key.Matches(msg, m.keys.PageUp), key.Matches(msg, m.keys.PageDown):
			switch m.focus {
			case focusTable:
				var cmd tea.Cmd
				m.table, cmd = m.table.Update(msg)
				cmds = append(cmds, cmd)
				m.refreshAnswerView(false)
			case focusFeed:
				var cmd tea.Cmd
				m.feedView, cmd = m.feedView.Update(msg)
				cmds = append(cmds, cmd)
			case focusAnswer:
				var cmd tea.Cmd
				m.answerView, cmd = m.answerView.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case agentsMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.agents = msg.records
			m.daemonUp = msg.daemonUp
			m.daemonPID = msg.daemonPID
			m.rebuildRows()
			m.refreshAnswerView(false)
			m.status = fmt.Sprintf("Updated: %d agent(s)", len(m.agents))
		}

	case refreshMsg:
		cmds = append(cmds, m.fetchAgents(), m.scheduleRefresh())

	case feedEventMsg:
		m.recordEvent(eventbus.Event(msg))
		m.refreshFeedView()
		if ev := eventbus.Event(msg); ev.Final {
			m.refreshAnswerView(true)
		}
		cmds = append(cmds, m.waitForEvent())

	case feedClosedMsg:
		// Tail stopped; the poll ticker keeps the table fresh.

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// layout sizes the panes from the current window dimensions.
func (m *Model) layout() {
	tableHeight := min(len(m.agents)+1, 8)
	if tableHeight < 3 {
		tableHeight = 3
	}
	m.table.SetHeight(tableHeight)

	// Header, table pane with border, pane titles, help line.
	bottomHeight := m.height - tableHeight - 10
	if bottomHeight < 4 {
		bottomHeight = 4
	}

	feedWidth := m.width/2 - 3
	answerWidth := m.width - m.width/2 - 3
	if feedWidth < 20 {
		feedWidth = 20
	}
	if answerWidth < 20 {
		answerWidth = 20
	}

	m.feedView.Width = feedWidth
	m.feedView.Height = bottomHeight
	m.answerView.Width = answerWidth
	m.answerView.Height = bottomHeight
}

// rebuildRows refreshes the agent table from the current records.
func (m *Model) rebuildRows() {
	rows := make([]table.Row, 0, len(m.agents))
	for _, rec := range m.agents {
		tool := rec.CurrentTool
		if tool == "" {
			tool = "-"
		}
		session := rec.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		if session == "" {
			session = "-"
		}
		rows = append(rows, table.Row{
			rec.ID,
			statusDot(rec.Status) + " " + rec.Status.Label(),
			tool,
			fmt.Sprintf("%d", rec.TaskCount),
			session,
		})
	}
	m.table.SetRows(rows)
	if cursor := m.table.Cursor(); cursor >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

// selectedAgent returns the record under the table cursor.
func (m *Model) selectedAgent() (agent.Record, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.agents) {
		return agent.Record{}, false
	}
	return m.agents[i], true
}

// recordEvent folds one feed event into the feed backlog and the
// per-agent answer map.
func (m *Model) recordEvent(ev eventbus.Event) {
	if ev.Kind == eventbus.KindOutput && ev.Final && ev.Text != "" {
		m.answers[ev.Agent] = ev.Text
	}
	if line, ok := formatFeedLine(ev); ok {
		m.feedLines = append(m.feedLines, line)
		if len(m.feedLines) > feedBacklog {
			m.feedLines = m.feedLines[len(m.feedLines)-feedBacklog:]
		}
	}
}

// formatFeedLine renders one event as a feed pane line. Chatty event
// types are dropped.
func formatFeedLine(ev eventbus.Event) (string, bool) {
	var body string
	switch {
	case ev.Kind == eventbus.KindError:
		body = feedErrorStyle.Render(firstLine(ev.Text, 120))
	case ev.Kind == eventbus.KindOutput:
		body = feedTextStyle.Render(firstLine(ev.Text, 120))
	case ev.Type == "init":
		body = feedTimeStyle.Render("session started")
	case ev.Type == "tool_start":
		body = feedToolStyle.Render("⚒ " + ev.Text)
	case ev.Kind == eventbus.KindComplete:
		body = feedTimeStyle.Render("turn complete")
	default:
		return "", false
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s %s %s",
		feedTimeStyle.Render(ts.Format("15:04:05")),
		feedAgentStyle.Render(fmt.Sprintf("%-12s", ev.Agent)),
		body,
	), true
}

// firstLine truncates text to its first line, capped at max runes.
func firstLine(text string, max int) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max-3]) + "..."
	}
	return text
}

// refreshFeedView pushes the backlog into the feed viewport, keeping
// the newest lines visible.
func (m *Model) refreshFeedView() {
	atBottom := m.feedView.AtBottom()
	m.feedView.SetContent(strings.Join(m.feedLines, "\n"))
	if atBottom {
		m.feedView.GotoBottom()
	}
}

// refreshAnswerView renders the selected agent's last answer through
// glamour. force re-renders even when the selection is unchanged.
func (m *Model) refreshAnswerView(force bool) {
	rec, ok := m.selectedAgent()
	if !ok {
		m.answerView.SetContent(statusStyle.Render("No agents yet."))
		m.renderedFor = ""
		return
	}
	if !force && rec.ID == m.renderedFor && m.renderedWidth == m.answerView.Width {
		return
	}

	md := m.answers[rec.ID]
	if md == "" {
		m.answerView.SetContent(statusStyle.Render("No answer from " + rec.ID + " yet."))
		m.renderedFor = rec.ID
		return
	}

	m.answerView.SetContent(m.renderMarkdown(md))
	m.answerView.GotoTop()
	m.renderedFor = rec.ID
	m.renderedWidth = m.answerView.Width
}

// renderMarkdown renders markdown for the answer pane, falling back to
// the raw text when glamour fails.
func (m *Model) renderMarkdown(md string) string {
	width := m.answerView.Width
	if width == 0 {
		width = 80
	}
	if m.renderer == nil || m.renderedWidth != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width-4),
		)
		if err != nil {
			return md
		}
		m.renderer = r
	}
	out, err := m.renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}
