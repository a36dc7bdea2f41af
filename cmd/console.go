// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// consoleOrigin tags frames queued from the console
const consoleOrigin = "console"

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive TUI for exchanging frames with a device",
	Long: `Exchange MIN frames with a device via an interactive terminal UI.

Type "<id> <payload>" and press Enter to queue a reliable frame. Payloads are
text unless prefixed with "x:" (hex). Delivered frames appear in the event
log together with link events.

Features:
  - Reliable frame queueing with backpressure reporting
  - Live transport state (window, receive sequence, stash, NACKs)
  - Transport counters (retransmits, ACK/NACK, resets)
  - Automatic reconnection on connection loss

Supports both serial and WebSocket connections.`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

// frameBatcher collects delivered frames and hands them to the TUI at a
// fixed rate, so a busy device cannot flood the Bubble Tea event loop
type frameBatcher struct {
	mu     sync.Mutex
	frames []*minproto.Frame
	max    int
}

func (b *frameBatcher) HandleFrame(f *minproto.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) >= b.max {
		b.frames = b.frames[1:]
	}
	b.frames = append(b.frames, f)
}

func (b *frameBatcher) drain() []*minproto.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.frames
	b.frames = nil
	return frames
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	// Fail early when the first connection cannot be opened at all
	link, connInfo, err := openConfiguredLink()
	if err != nil {
		return err
	}

	transport := minproto.NewTransport(cfg.Transport)
	batcher := &frameBatcher{max: 100}
	transport.OnFrameReceived(batcher)
	session := minproto.NewSession(transport, cfg.PollInterval())

	m := initialConsoleModel(transport, connInfo)
	p := tea.NewProgram(m, tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()

	// The first link is handed over once, later ones are reopened
	first := true
	open := func() (minproto.Link, string, error) {
		if first {
			first = false
			return link, connInfo, nil
		}
		return openConfiguredLink()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		superviseLink(ctx, session, open, func(ev linkEvent) {
			if ev.connected {
				p.Send(reconnectedMsg{connInfo: ev.connInfo})
			} else {
				p.Send(connectionLostMsg{err: ev.err})
			}
		})
	}()

	// Batch sender, 20 updates per second at most
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if frames := batcher.drain(); len(frames) > 0 {
					p.Send(consoleBatchMsg{frames: frames})
				}
			}
		}
	}()

	_, runErr := p.Run()
	cancel()
	wg.Wait()

	if runErr != nil {
		return fmt.Errorf("TUI error: %w", runErr)
	}
	return nil
}
