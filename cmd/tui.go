// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// TUI model
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *minproto.Statistics
	seq           seqTracker
	idCounts      map[uint8]uint64
	controlCounts map[string]uint64
	lastFrame     *minproto.Frame
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	droppedFrames int
	linkErr       error
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type frameDataMsg struct {
	frame            *minproto.Frame
	decodeErr        error
	validationErrors []minproto.ValidationError
}
type syncMsg struct {
	droppedFrames int
}
type linkErrorMsg struct {
	err error
}

// formatElapsed formats a duration to a human-friendly string
func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}

	seconds := uint64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(connInfo string, statsInterval int, showAll bool) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         minproto.NewStatistics(),
		idCounts:      make(map[uint8]uint64),
		controlCounts: make(map[string]uint64),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.seq = seqTracker{}
			m.idCounts = make(map[uint8]uint64)
			m.controlCounts = make(map[string]uint64)
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.droppedFrames = msg.droppedFrames
		if msg.droppedFrames > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after dropping %d partial frames", msg.droppedFrames), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case linkErrorMsg:
		m.linkErr = msg.err
		m.addLogEntry(fmt.Sprintf("LINK ERROR: %v", msg.err), true)

	case frameDataMsg:
		m.handleFrame(msg)
	}

	return m, nil
}

func (m *model) handleFrame(msg frameDataMsg) {
	if msg.decodeErr != nil {
		if m.synchronized {
			m.stats.Update(nil, msg.decodeErr, nil)
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
		}
		return
	}
	if msg.frame == nil {
		return
	}

	f := msg.frame
	m.stats.Update(f, nil, msg.validationErrors)
	m.lastFrame = f

	if len(msg.validationErrors) > 0 {
		for _, err := range msg.validationErrors {
			m.addLogEntry(fmt.Sprintf("%s: %s", f.Kind, err.Message), true)
		}
		return
	}

	switch {
	case f.Kind == minproto.KindData:
		m.idCounts[f.ID]++
	case f.IsNack():
		m.controlCounts["NACK"]++
	default:
		m.controlCounts[f.Kind.String()]++
	}

	if issue := m.seq.observe(f); issue != "" {
		m.addLogEntry(issue, false)
	} else if f.IsNack() {
		m.addLogEntry(fmt.Sprintf("NACK: resend seq %d to %d", f.Seq, f.Payload[0]), false)
	} else if f.Kind == minproto.KindReset {
		m.addLogEntry("RESET received", false)
	} else if m.showAll {
		m.addLogEntry(describeFrame(f), false)
	}
}

// describeFrame returns a one-line summary of a frame
func describeFrame(f *minproto.Frame) string {
	switch {
	case f.Kind != minproto.KindData:
		return fmt.Sprintf("%s rn=%d", f.Kind, f.Seq)
	case f.Reliable:
		return fmt.Sprintf("DATA id=%d seq=%d len=%d", f.ID, f.Seq, len(f.Payload))
	default:
		return fmt.Sprintf("DATA id=%d unsequenced len=%d", f.ID, len(f.Payload))
	}
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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
	var s strings.Builder
	s.WriteString(titleStyle.Render("MINLINK - ERROR DETECTION"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | 'r' reset stats, 'q' quit",
		m.connInfo, func() string {
			if m.showAll {
				return "All frames"
			}
			return "Errors only"
		}())))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case m.linkErr != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ Link lost: %v", m.linkErr)))
		s.WriteString("\n\n")
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
		s.WriteString("\n\n")
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.droppedFrames > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (dropped %d partial frames)", m.droppedFrames)))
		}
		s.WriteString(headerStyle.Render(" for " + formatElapsed(time.Since(m.stats.StartTime))))
		s.WriteString("\n\n")
	}

	// Statistics
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		errorPercent = float64(m.stats.Errors()) * 100.0 / float64(m.stats.TotalFrames)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.Errors(), errorPercent)),
	))

	if m.stats.CRCErrors > 0 || m.stats.EOFErrors > 0 || m.stats.StuffingErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("CRC:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.CRCErrors)),
			statsLabelStyle.Render("Missing EOF:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.EOFErrors)),
			statsLabelStyle.Render("Stuffing:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.StuffingErrors)),
		))
	}

	if m.stats.InvalidFrames > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.InvalidFrames)),
		))
	}

	if m.seq.Gaps > 0 || m.seq.Repeats > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Seq Gaps:"), warningStyle.Render(fmt.Sprintf("%d", m.seq.Gaps)),
			statsLabelStyle.Render("Repeats:"), warningStyle.Render(fmt.Sprintf("%d", m.seq.Repeats)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if m.stats.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Traffic section (only shown once frames arrived)
	if m.lastFrame != nil {
		s.WriteString(statsLabelStyle.Render("Traffic:"))
		s.WriteString("\n")

		traffic := strings.Builder{}
		traffic.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("Last:"), statsValueStyle.Render(describeFrame(m.lastFrame)),
		))

		ids := make([]int, 0, len(m.idCounts))
		for id := range m.idCounts {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		for _, id := range ids {
			traffic.WriteString(fmt.Sprintf("%s %s\n",
				statsLabelStyle.Render(fmt.Sprintf("ID %d:", id)),
				statsValueStyle.Render(fmt.Sprintf("%d frames", m.idCounts[uint8(id)])),
			))
		}

		traffic.WriteString(fmt.Sprintf("%s ACK %d, NACK %d, RESET %d",
			statsLabelStyle.Render("Control:"),
			m.controlCounts["ACK"], m.controlCounts["NACK"], m.controlCounts["RESET"],
		))

		s.WriteString(boxStyle.Render(traffic.String()))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 15 // Reserve space for header and stats
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.errorLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
