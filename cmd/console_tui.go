// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// frameQueuer is the part of the transport the console drives
type frameQueuer interface {
	QueueFrame(id uint8, payload []byte, origin string) error
	State() minproto.State
	Stats() minproto.Statistics
}

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	transport frameQueuer
	connInfo  string

	// Snapshots refreshed every tick
	state minproto.State
	stats minproto.Statistics

	// Input
	input   textinput.Model
	history []string
	histIdx int

	// Event log
	errorLog      []errorLogEntry
	maxLogEntries int
	delivered     uint64

	// UI state
	width          int
	height         int
	quitting       bool
	connected      bool
	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

type consoleBatchMsg struct {
	frames []*minproto.Frame
}

type connectionLostMsg struct {
	err error
}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(t frameQueuer, connInfo string) consoleModel {
	ti := textinput.New()
	ti.Placeholder = `1 *IDN?   or   7 x:01 ff`
	ti.Prompt = "> "
	ti.CharLimit = 3 + 1 + 2 + 3*minproto.MaxPayloadSize
	ti.Width = 60
	ti.Focus()

	return consoleModel{
		transport:     t,
		connInfo:      connInfo,
		input:         ti,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 200,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, consoleTickCmd())
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			m.submit()
			return m, nil
		case "up":
			m.recall(-1)
			return m, nil
		case "down":
			m.recall(1)
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 8

	case consoleTickMsg:
		m.state = m.transport.State()
		m.stats = m.transport.Stats()
		m.stats.CalculateRates()
		return m, consoleTickCmd()

	case consoleBatchMsg:
		for _, f := range msg.frames {
			m.delivered++
			m.addLogEntry(describeDelivered(f), false)
		}
		return m, nil

	case connectionLostMsg:
		m.connected = false
		m.connectionLost = true
		m.addLogEntry(fmt.Sprintf("Connection lost (%v) - reconnecting...", msg.err), true)
		return m, nil

	case reconnectedMsg:
		wasLost := m.connectionLost
		m.connected = true
		m.connectionLost = false
		m.connInfo = msg.connInfo
		if wasLost {
			m.addLogEntry("Reconnected, transport reset", false)
		} else {
			m.addLogEntry("Connected, transport reset", false)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit queues the frame typed into the input line
func (m *consoleModel) submit() {
	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return
	}
	m.input.SetValue("")
	m.history = append(m.history, line)
	m.histIdx = len(m.history)

	if !m.connected {
		m.addLogEntry("Cannot queue frame: not connected", true)
		return
	}

	id, payload, err := parseCommandLine(line)
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return
	}

	err = m.transport.QueueFrame(id, payload, consoleOrigin)
	switch {
	case errors.Is(err, minproto.ErrFIFOFull):
		m.addLogEntry("Transport queue full, frame dropped - wait for ACKs", true)
	case err != nil:
		m.addLogEntry(fmt.Sprintf("Queue failed: %v", err), true)
	default:
		m.addLogEntry(fmt.Sprintf("→ id=%d %s", id, printable(payload)), false)
	}
}

// recall walks the input history
func (m *consoleModel) recall(delta int) {
	if len(m.history) == 0 {
		return
	}
	m.histIdx += delta
	if m.histIdx < 0 {
		m.histIdx = 0
	}
	if m.histIdx >= len(m.history) {
		m.histIdx = len(m.history)
		m.input.SetValue("")
		return
	}
	m.input.SetValue(m.history[m.histIdx])
	m.input.CursorEnd()
}

func (m *consoleModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// describeDelivered renders a delivered frame on one log line
func describeDelivered(f *minproto.Frame) string {
	s := fmt.Sprintf("← id=%d", f.ID)
	if f.Reliable {
		s += fmt.Sprintf(" seq=%d", f.Seq)
	}
	if f.Origin != "" {
		s += fmt.Sprintf(" [%s]", f.Origin)
	}
	return s + " " + printable(f.Payload)
}

// printable shows text payloads as text and anything else as hex
func printable(payload []byte) string {
	for _, b := range payload {
		if b < 0x20 || b >= 0x7F {
			return fmt.Sprintf("% X", payload)
		}
	}
	return fmt.Sprintf("%q", payload)
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	s.WriteString(titleStyle.Render("MINLINK CONSOLE"))
	s.WriteString(" ")
	connStatus := m.connInfo
	switch {
	case m.connectionLost:
		connStatus = warningStyle.Render("RECONNECTING...")
	case !m.connected:
		connStatus = warningStyle.Render("CONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | Enter=send ↑↓=history Esc=quit", connStatus)))
	s.WriteString("\n\n")

	// Transport state and counters side by side
	halfWidth := (m.width - 6) / 2
	if halfWidth < 30 {
		halfWidth = 30
	}
	statePanel := boxStyle.Width(halfWidth).Render(m.renderState(statsLabelStyle, statsValueStyle, warningStyle))
	countersPanel := boxStyle.Width(halfWidth).Render(m.renderCounters(statsLabelStyle, statsValueStyle, errorStyle))
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, statePanel, " ", countersPanel))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))
	s.WriteString("\n")

	// Input line
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.input.View()))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m consoleModel) renderState(labelStyle, valueStyle, warningStyle lipgloss.Style) string {
	st := m.state
	var s strings.Builder
	s.WriteString(labelStyle.Render("TRANSPORT"))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		labelStyle.Render("sn_min:"), valueStyle.Render(fmt.Sprintf("%3d", st.SnMin)),
		labelStyle.Render("sn_max:"), valueStyle.Render(fmt.Sprintf("%3d", st.SnMax)),
	))
	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		labelStyle.Render("rn:    "), valueStyle.Render(fmt.Sprintf("%3d", st.Rn)),
		labelStyle.Render("queued:"), valueStyle.Render(fmt.Sprintf("%3d", st.Queued)),
	))
	s.WriteString(fmt.Sprintf("%s %s  %s %s",
		labelStyle.Render("flight:"), valueStyle.Render(fmt.Sprintf("%3d", st.InFlight)),
		labelStyle.Render("stash: "), valueStyle.Render(fmt.Sprintf("%3d", st.Stashed)),
	))
	if st.NackOutstanding {
		s.WriteString("\n")
		s.WriteString(warningStyle.Render(fmt.Sprintf("NACK outstanding up to %d", st.NackTo)))
	}
	return s.String()
}

func (m consoleModel) renderCounters(labelStyle, valueStyle, errorStyle lipgloss.Style) string {
	st := m.stats
	retransmits := valueStyle.Render(fmt.Sprintf("%d", st.Retransmits))
	if st.Retransmits > 0 {
		retransmits = errorStyle.Render(fmt.Sprintf("%d", st.Retransmits))
	}

	var s strings.Builder
	s.WriteString(labelStyle.Render("COUNTERS"))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		labelStyle.Render("sent:"), valueStyle.Render(fmt.Sprintf("%d", st.FramesSent)),
		labelStyle.Render("retransmits:"), retransmits,
	))
	s.WriteString(fmt.Sprintf("%s %s  %s %s\n",
		labelStyle.Render("delivered:"), valueStyle.Render(fmt.Sprintf("%d", st.Delivered)),
		labelStyle.Render("errors:"), valueStyle.Render(fmt.Sprintf("%d", st.Errors())),
	))
	s.WriteString(fmt.Sprintf("%s %d/%d  %s %d/%d",
		labelStyle.Render("ack/nack tx:"), st.AcksSent, st.NacksSent,
		labelStyle.Render("rx:"), st.AcksReceived, st.NacksReceived,
	))
	return s.String()
}

func (m consoleModel) renderEventLog(labelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	// Header, panels and input take about 14 lines
	logHeight := m.height - 14
	if logHeight < 5 {
		logHeight = 5
	}

	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}
