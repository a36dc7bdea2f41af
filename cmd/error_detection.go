// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze corrupt frames and sequencing problems",
	Long: `Track frame errors, malformed control frames and sequence gaps with statistics.

This command validates each frame and detects:
  - CRC errors, missing EOF bytes and broken byte stuffing
  - Malformed control frames (ACK length, RESET payload, reserved ID bits)
  - Gaps and repeats in the sequence numbers of reliable frames
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors, NACKs and RESETs are displayed. Use --show-all to
display valid frames too.

Frames are validated in real-time, with errors highlighted immediately and
periodic statistics summaries displayed at configurable intervals.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	if _, err := loadSettings(cmd); err != nil {
		return err
	}

	link, connInfo, err := OpenLink()
	if err != nil {
		return err
	}
	defer link.Close()

	if useTUI {
		return runTUIMode(link, connInfo)
	}
	return runTextMode(link, connInfo)
}

// seqTracker follows the sequence numbers of reliable data frames seen on
// the wire. It cannot tell a retransmission from a duplicate, so both
// count as repeats.
type seqTracker struct {
	started bool
	next    uint8
	Gaps    uint64
	Repeats uint64
}

// observe records f and returns a description of any irregularity
func (s *seqTracker) observe(f *minproto.Frame) string {
	switch {
	case f.Kind == minproto.KindReset:
		s.started = false
		return ""
	case f.Kind != minproto.KindData || !f.Reliable:
		return ""
	}

	defer func() {
		s.started = true
	}()
	if !s.started || f.Seq == s.next {
		s.next = f.Seq + 1
		return ""
	}

	// Distances past half the sequence space are repeats of older frames
	if d := f.Seq - s.next; d < 128 {
		s.Gaps++
		missing := s.next
		s.next = f.Seq + 1
		return fmt.Sprintf("sequence gap: expected %d, got %d (%d missing)", missing, f.Seq, d)
	}
	s.Repeats++
	return fmt.Sprintf("sequence repeat: seq %d while expecting %d", f.Seq, s.next)
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
}

// printControlFrame prints a NACK or RESET, which always deserve attention
func printControlFrame(frame *minproto.Frame) {
	timestamp := frame.Timestamp().Format("15:04:05.000")
	if frame.Kind == minproto.KindReset {
		fmt.Printf("[%s] \033[1;32mRESET:\033[0m peer restarted the transport\n\n", timestamp)
		return
	}
	fmt.Printf("[%s] \033[1;33mNACK:\033[0m resend from seq %d up to %d\n\n", timestamp, frame.Seq, frame.Payload[0])
}

// printSequenceIssue prints a gap or repeat in reliable sequence numbers
func printSequenceIssue(frame *minproto.Frame, issue string) {
	timestamp := frame.Timestamp().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;33mSEQUENCE:\033[0m %s (id %d)\n\n", timestamp, issue, frame.ID)
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(frame *minproto.Frame, errors []minproto.ValidationError) {
	timestamp := frame.Timestamp().Format("15:04:05.000")

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X)\n", timestamp, frame.Kind, frame.IDControl())
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, err := range errors {
		switch err.Type {
		case minproto.AnomalyLengthMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if length, ok := err.Details["length"].(int); ok {
				if expected, ok := err.Details["expected"].(int); ok {
					fmt.Printf("    Length: received=%d, expected=%d\n", length, expected)
				}
			}

		case minproto.AnomalyReservedID:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)

		case minproto.AnomalyUnexpectedPayload:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if len(frame.Payload) > 0 {
				fmt.Print("  " + minproto.FormatPayload(frame.Payload))
			}

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(link *minproto.StreamLink, connInfo string) error {
	decoder := minproto.NewDecoder()
	synchronized := false
	droppedBeforeSync := 0

	// Create TUI program
	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	// Reader goroutine
	go func() {
		for {
			data, err := link.Wait()
			if err != nil {
				p.Send(linkErrorMsg{err: err})
				return
			}

			for _, b := range data {
				frame, decodeErr := decoder.DecodeByte(b)

				if decodeErr != nil {
					if synchronized {
						// We're synced, this is a real error
						p.Send(frameDataMsg{decodeErr: decodeErr})
					} else {
						// Not synced yet, just count dropped frames
						droppedBeforeSync++
					}
				} else if frame != nil {
					if !synchronized {
						synchronized = true
						p.Send(syncMsg{droppedFrames: droppedBeforeSync})
					}

					p.Send(frameDataMsg{
						frame:            frame,
						validationErrors: minproto.ValidateFrame(frame),
					})
				}
			}
		}
	}()

	// Run TUI
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	return nil
}

// runTextMode runs error detection in text mode
func runTextMode(link *minproto.StreamLink, connInfo string) error {
	fmt.Printf("Minlink - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := minproto.NewDecoder()
	stats := minproto.NewStatistics()
	var seq seqTracker

	// Sync tracking - ignore decode errors until first valid frame
	synchronized := false
	droppedBeforeSync := 0

	// Statistics ticker
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	// Reads are handed over so the stats ticker keeps running
	readBuf := make(chan []byte, 10)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := link.Wait()
			if err != nil {
				readErr <- err
				return
			}
			readBuf <- data
		}
	}()

	for {
		select {
		case data := <-readBuf:
			for _, b := range data {
				frame, decodeErr := decoder.DecodeByte(b)

				if decodeErr != nil {
					if synchronized {
						stats.Update(nil, decodeErr, nil)
						printDecodeError(decodeErr)
					} else {
						droppedBeforeSync++
					}
				} else if frame != nil {
					if !synchronized {
						synchronized = true
						if droppedBeforeSync > 0 {
							fmt.Printf("[SYNC] Synchronized after dropping %d partial frames\n\n", droppedBeforeSync)
						} else {
							fmt.Printf("[SYNC] Synchronized\n\n")
						}
					}

					validationErrors := minproto.ValidateFrame(frame)
					stats.Update(frame, nil, validationErrors)

					if len(validationErrors) > 0 {
						printValidationErrors(frame, validationErrors)
						continue
					}
					if issue := seq.observe(frame); issue != "" {
						printSequenceIssue(frame, issue)
					} else if frame.IsNack() || frame.Kind == minproto.KindReset {
						printControlFrame(frame)
					} else if showAll {
						fmt.Print(minproto.FormatFrame(frame))
					}
				}
			}

		case err := <-readErr:
			fmt.Println()
			fmt.Print(stats.String())
			glog.Errorf("Read error: %v", err)
			return nil

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			if seq.Gaps > 0 || seq.Repeats > 0 {
				fmt.Printf("Sequence gaps: %d, repeats: %d\n", seq.Gaps, seq.Repeats)
			}
			fmt.Println()
		}
	}
}
