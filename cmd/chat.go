package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kacper-marzecki/tibidi/logger"
	"github.com/kacper-marzecki/tibidi/node"
	"github.com/kacper-marzecki/tibidi/store"
	"github.com/kacper-marzecki/tibidi/transport"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat UI",
	Long: `Start a node with a terminal chat UI.

Commands typed into the input line:
  /create <name>     create a new group
  /join <invite>     join a group from an invite code
  /invite            print the active group's invite code
  /leave             leave the active group
  /forget <peer-id>  purge a member's messages locally
  /quit              exit
anything else is sent as a message to the active group. Tab cycles groups.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&dbPath, "db", node.DefaultDBPath, "Path of the state database")
	chatCmd.Flags().StringVar(&brokerURL, "broker", "ws://127.0.0.1:7337", "Broker URL, or \"mdns\" to discover one on the LAN")
	chatCmd.Flags().BoolVar(&debugLog, "debug", false, "Verbose logging")
}

func runChat(cmd *cobra.Command, args []string) error {
	// Logs go to the TUI pane only; stderr would fight the renderer.
	logger.Init(false, debugLog)
	logBuffer := logger.NewLogBuffer(500)
	if err := logger.AddOutput(logger.NewLogBufferWriter(logBuffer)); err != nil {
		return err
	}

	broker, err := resolveBroker(brokerURL)
	if err != nil {
		return err
	}
	st, err := store.OpenBolt(dbPath)
	if err != nil {
		return err
	}
	n, err := node.New(node.DefaultConfig(), st, transport.NewWS(broker))
	if err != nil {
		st.Close()
		return err
	}
	if err := n.Initialize(); err != nil {
		n.Close()
		return err
	}
	defer n.Close()

	p := tea.NewProgram(newChatModel(n, logBuffer), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type chatModel struct {
	n         *node.Node
	logBuffer *logger.LogBuffer

	groups   []node.GroupInfo
	activeID string
	messages []node.ChatMessage
	input    string
	status   string
	width    int
	height   int
}

func newChatModel(n *node.Node, logBuffer *logger.LogBuffer) chatModel {
	m := chatModel{n: n, logBuffer: logBuffer}
	m.refresh()
	return m
}

// Pane sizing and refresh cadence.
const (
	redrawInterval   = 500 * time.Millisecond
	messagePaneLines = 15
	logPaneLines     = 8
)

type redrawMsg struct{}

type stateChangedMsg struct{}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(tick(), m.waitForChange())
}

func tick() tea.Cmd {
	return tea.Tick(redrawInterval, func(time.Time) tea.Msg { return redrawMsg{} })
}

func (m chatModel) waitForChange() tea.Cmd {
	updates := m.n.Updates()
	return func() tea.Msg {
		<-updates
		return stateChangedMsg{}
	}
}

// refresh pulls the current views out of the node.
func (m *chatModel) refresh() {
	m.groups = m.n.Groups()
	m.activeID = m.n.ActiveGroupID()
	if m.activeID == "" && len(m.groups) > 0 {
		m.activeID = m.groups[0].ID
	}
	if m.activeID != "" {
		if msgs, err := m.n.ChatMessages(m.activeID); err == nil {
			m.messages = msgs
		} else {
			m.messages = nil
		}
	} else {
		m.messages = nil
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case redrawMsg:
		m.refresh()
		return m, tick()

	case stateChangedMsg:
		m.refresh()
		return m, m.waitForChange()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.cycleGroup()
			return m, nil
		case "enter":
			cmd := m.submit()
			m.refresh()
			return m, cmd
		case "backspace":
			if len(m.input) > 0 {
				runes := []rune(m.input)
				m.input = string(runes[:len(runes)-1])
			}
			return m, nil
		default:
			switch msg.Type {
			case tea.KeyRunes:
				m.input += string(msg.Runes)
			case tea.KeySpace:
				m.input += " "
			}
			return m, nil
		}
	}
	return m, nil
}

func (m *chatModel) cycleGroup() {
	if len(m.groups) == 0 {
		return
	}
	next := 0
	for i, g := range m.groups {
		if g.ID == m.activeID {
			next = (i + 1) % len(m.groups)
			break
		}
	}
	m.activeID = m.groups[next].ID
	if err := m.n.SetActiveGroup(m.activeID); err != nil {
		m.status = err.Error()
	}
}

// submit interprets the input line: slash commands drive the node API,
// anything else goes out as a chat message.
func (m *chatModel) submit() tea.Cmd {
	line := strings.TrimSpace(m.input)
	m.input = ""
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if m.activeID == "" {
			m.status = "no active group; /create or /join first"
			return nil
		}
		if err := m.n.SendMessage(m.activeID, line); err != nil {
			m.status = err.Error()
		}
		return nil
	}

	command, rest := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		command, rest = line[:i], strings.TrimSpace(line[i+1:])
	}
	switch command {
	case "/quit":
		return tea.Quit
	case "/create":
		if rest == "" {
			m.status = "usage: /create <name>"
			return nil
		}
		info, err := m.n.CreateGroup(rest)
		if err != nil {
			m.status = err.Error()
			return nil
		}
		m.activeID = info.ID
		m.status = fmt.Sprintf("created %q", info.Name)
	case "/join":
		if rest == "" {
			m.status = "usage: /join <invite>"
			return nil
		}
		info, err := m.n.JoinGroup(rest)
		if err != nil {
			m.status = err.Error()
			return nil
		}
		m.activeID = info.ID
		m.status = "joining…"
	case "/invite":
		if m.activeID == "" {
			m.status = "no active group"
			return nil
		}
		code, err := m.n.Invite(m.activeID)
		if err != nil {
			m.status = err.Error()
			return nil
		}
		m.status = "invite: " + code
	case "/leave":
		if m.activeID == "" {
			m.status = "no active group"
			return nil
		}
		if err := m.n.LeaveGroup(m.activeID); err != nil {
			m.status = err.Error()
			return nil
		}
		m.activeID = ""
		m.status = "left group"
	case "/forget":
		if m.activeID == "" || rest == "" {
			m.status = "usage: /forget <peer-id>"
			return nil
		}
		if err := m.n.ForgetMember(m.activeID, rest); err != nil {
			m.status = err.Error()
			return nil
		}
		m.status = "forgot " + rest
	default:
		m.status = "unknown command " + command
	}
	return nil
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	activeTab     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Underline(true)
	inactiveTab   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	authorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	youStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	logTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("244"))
	logStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func (m chatModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tibidi"))
	b.WriteString("\n\n")

	if len(m.groups) == 0 {
		b.WriteString(helpStyle.Render("no groups yet: /create <name> or /join <invite>"))
		b.WriteString("\n")
	} else {
		tabs := make([]string, 0, len(m.groups))
		for _, g := range m.groups {
			label := fmt.Sprintf("%s (%d/%d)", g.Name, len(g.Connected), max(len(g.Members)-1, 0))
			if g.ID == m.activeID {
				tabs = append(tabs, activeTab.Render(label))
			} else {
				tabs = append(tabs, inactiveTab.Render(label))
			}
		}
		b.WriteString(strings.Join(tabs, "  "))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	msgLines := m.messageLines()
	for _, line := range msgLines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(m.input)
	b.WriteString("█\n")

	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(logTitleStyle.Render("─── log "))
	b.WriteString("\n")
	for _, entry := range m.logBuffer.GetRecent(logPaneLines) {
		b.WriteString(logStyle.Render(logger.FormatLogEntry(entry)))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("tab: switch group · /invite · /leave · ctrl+c: quit"))
	return b.String()
}

func (m chatModel) messageLines() []string {
	limit := messagePaneLines
	msgs := m.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		style := authorStyle
		if msg.Author == "You" {
			style = youStyle
		}
		lines = append(lines, fmt.Sprintf("%s %s", style.Render(shorten(msg.Author)+":"), msg.Text))
	}
	if len(lines) == 0 {
		lines = append(lines, helpStyle.Render("(no messages)"))
	}
	return lines
}

func shorten(author string) string {
	if len(author) > 12 {
		return author[:12]
	}
	return author
}
