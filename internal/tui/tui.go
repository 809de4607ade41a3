// Interactive terminal front-end for the OmniXtend host
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/omnixtend/oxhost/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4FC1FF"))
	promptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#569CD6"))
	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#DCDCAA"))
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CDCFE"))
	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F44747"))
	tableStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CE9178"))
)

const maxLogLines = 200

type logLine struct {
	text  string
	isErr bool
}

// resultMsg carries a worker result back into the program.
type resultMsg logLine

// refreshMsg redraws the status tables.
type refreshMsg time.Time

// Model is the bubbletea model for the host TUI.
type Model struct {
	host *session.Host

	input          string
	commandHistory []string
	historyIndex   int

	log []logLine

	events chan<- Event
}

// NewModel wires the model to the host and the worker's event channel.
func NewModel(host *session.Host, events chan<- Event) *Model {
	return &Model{
		host:         host,
		historyIndex: -1,
		events:       events,
	}
}

func (m *Model) Init() tea.Cmd {
	return refreshTick()
}

func refreshTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case refreshMsg:
		return m, refreshTick()

	case resultMsg:
		m.appendLog(logLine(msg))
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.events <- Event{Kind: EventQuit}
			return m, tea.Quit
		case "enter":
			if strings.TrimSpace(m.input) == "" {
				return m, nil
			}
			return m.handleCommand()
		case "backspace":
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		case "up":
			if len(m.commandHistory) > 0 {
				if m.historyIndex == -1 {
					m.historyIndex = len(m.commandHistory) - 1
				} else if m.historyIndex > 0 {
					m.historyIndex--
				}
				m.input = m.commandHistory[m.historyIndex]
			}
		case "down":
			if len(m.commandHistory) > 0 && m.historyIndex != -1 {
				if m.historyIndex < len(m.commandHistory)-1 {
					m.historyIndex++
					m.input = m.commandHistory[m.historyIndex]
				} else {
					m.historyIndex = -1
					m.input = ""
				}
			}
		default:
			if len(msg.String()) == 1 || msg.String() == " " {
				m.input += msg.String()
				m.historyIndex = -1
			}
		}
	}
	return m, nil
}

func (m *Model) handleCommand() (tea.Model, tea.Cmd) {
	line := strings.TrimSpace(m.input)
	m.input = ""
	m.historyIndex = -1
	if len(m.commandHistory) == 0 || m.commandHistory[len(m.commandHistory)-1] != line {
		m.commandHistory = append(m.commandHistory, line)
		if len(m.commandHistory) > 50 {
			m.commandHistory = m.commandHistory[1:]
		}
	}

	ev, err := ParseCommand(line)
	if err != nil {
		m.appendLog(logLine{text: err.Error(), isErr: true})
		return m, nil
	}

	switch ev.Kind {
	case EventQuit:
		m.events <- ev
		return m, tea.Quit
	case EventHelp:
		m.printHelp()
		return m, nil
	default:
		m.events <- ev
		return m, nil
	}
}

func (m *Model) printHelp() {
	for _, l := range []string{
		"Help: command is enclosed in ()",
		"(c)onnect MAC",
		"(d)isconnect MAC",
		"(r)ead 0xADDR",
		"(w)rite 0xADDR 0xDATA",
		"(cr)ead 0xADDR (cached read)",
		"(cw)rite 0xADDR 0xDATA (cached write)",
		"(cd)estroy 0xADDR (cache release)",
		"cda (cache release all)",
		"(q)uit",
	} {
		m.appendLog(logLine{text: l})
	}
}

func (m *Model) appendLog(l logLine) {
	m.log = append(m.log, l)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m *Model) View() string {
	var s strings.Builder

	s.WriteString(headerStyle.Render("OmniXtend host") + "  " +
		infoStyle.Render(fmt.Sprintf("local MAC %s", m.host.MAC())) + "\n\n")

	s.WriteString(headerStyle.Render("Connections") + "\n")
	s.WriteString(tableStyle.Render(renderConnections(m.host)) + "\n")

	s.WriteString(headerStyle.Render("Cache") + "\n")
	s.WriteString(tableStyle.Render(renderCache(m.host)) + "\n")

	s.WriteString(headerStyle.Render("Log") + "\n")
	start := 0
	if len(m.log) > 12 {
		start = len(m.log) - 12
	}
	for _, l := range m.log[start:] {
		if l.isErr {
			s.WriteString(errorStyle.Render(l.text) + "\n")
		} else {
			s.WriteString(infoStyle.Render(l.text) + "\n")
		}
	}
	s.WriteString("\n")
	s.WriteString(promptStyle.Render("ox> "))
	s.WriteString(inputStyle.Render(m.input))
	s.WriteString("█")
	return s.String()
}

func renderConnections(host *session.Host) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-18s %-22s %8s %8s %8s %8s %6s %10s %10s\n",
		"MAC", "State", "RX", "TX", "TheyAck", "WeAck", "Outst", "In", "Out")
	for _, p := range host.Peers() {
		v := p.StatusView()
		fmt.Fprintf(&b, "%-18s %-22s %8d %8d %8d %8d %6d %10s %10s\n",
			v.MAC, v.State, v.RxSeq, v.TxSeq, v.TheyAcked, v.WeAcked,
			v.Outstanding,
			v.LastMsgIn.Truncate(time.Millisecond),
			v.LastMsgOut.Truncate(time.Millisecond))
	}
	return b.String()
}

func renderCache(host *session.Host) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-18s %-18s %-8s %s\n", "Addr", "Data", "Dirty", "Perm")
	for _, p := range host.Peers() {
		for _, l := range p.CacheOverview() {
			fmt.Fprintf(&b, "%#016x %-18x %-8v %s\n", l.Addr, l.Data, l.Modified, l.Permissions)
		}
	}
	return b.String()
}

// Run starts the worker that executes events against the host and the
// bubbletea program, blocking until quit.
func Run(host *session.Host) error {
	events := make(chan Event, 16)
	model := NewModel(host, events)

	p := tea.NewProgram(model, tea.WithAltScreen())

	go worker(host, events, p)

	_, err := p.Run()
	return err
}

// worker runs commands off the UI goroutine so blocking operations never
// stall rendering.
func worker(host *session.Host, events <-chan Event, p *tea.Program) {
	info := func(format string, args ...any) {
		p.Send(resultMsg{text: fmt.Sprintf(format, args...)})
	}
	fail := func(format string, args ...any) {
		p.Send(resultMsg{text: fmt.Sprintf(format, args...), isErr: true})
	}

	for ev := range events {
		switch ev.Kind {
		case EventQuit:
			return

		case EventConnect:
			host.Connect(ev.MAC)
			info("CON %s", ev.MAC)

		case EventDisconnect:
			host.Disconnect(ev.MAC)
			info("DIS %s", ev.MAC)

		case EventRead:
			withPeer(host, ev.Addr, fail, func(peer *session.Peer) {
				if v, err := peer.Read64(ev.Addr); err != nil {
					fail("R A: %#010x FAIL %v", ev.Addr, err)
				} else {
					info("R A: %#010x D: %#010x", ev.Addr, v)
				}
			})

		case EventWrite:
			withPeer(host, ev.Addr, fail, func(peer *session.Peer) {
				if err := peer.Write64(ev.Addr, ev.Data); err != nil {
					fail("W A: %#010x D: %#010x FAIL %v", ev.Addr, ev.Data, err)
				} else {
					info("W A: %#010x D: %#010x", ev.Addr, ev.Data)
				}
			})

		case EventCacheRead:
			withPeer(host, ev.Addr, fail, func(peer *session.Peer) {
				if v, err := peer.CacheRead(ev.Addr); err != nil {
					fail("CR A: %#010x FAIL %v", ev.Addr, err)
				} else {
					info("CR A: %#010x D: %#010x", ev.Addr, v)
				}
			})

		case EventCacheWrite:
			withPeer(host, ev.Addr, fail, func(peer *session.Peer) {
				if err := peer.CacheWrite(ev.Addr, ev.Data); err != nil {
					fail("CW A: %#010x D: %#010x FAIL %v", ev.Addr, ev.Data, err)
				} else {
					info("CW A: %#010x D: %#010x", ev.Addr, ev.Data)
				}
			})

		case EventCacheRelease:
			withPeer(host, ev.Addr, fail, func(peer *session.Peer) {
				if err := peer.CacheRelease(ev.Addr); err != nil {
					fail("CD failed: %v", err)
				} else {
					info("CD")
				}
			})

		case EventCacheReleaseAll:
			for _, peer := range host.Peers() {
				if err := peer.CacheReleaseAll(); err != nil {
					fail("CD all failed: %v", err)
				} else {
					info("CD all")
				}
			}
		}
	}
}

func withPeer(host *session.Host, addr uint64, fail func(string, ...any), f func(*session.Peer)) {
	peer := host.PeerFor(addr)
	if peer == nil {
		fail("no connection for address %#010x", addr)
		return
	}
	f(peer)
}
