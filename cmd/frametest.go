// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	"github.com/spf13/cobra"
)

var (
	frameTestTimeout int
)

var frameTestCmd = &cobra.Command{
	Use:   "frame_test",
	Short: "Test connection by waiting for a valid MIN frame",
	Long: `Wait for a valid MIN frame on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any valid
MIN frame. It ignores invalid bytes and waits for a complete, valid frame
(passing CRC check and closed by an EOF byte).

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for testing connectivity to a device or to a minlink daemon bridge.`,
	RunE: runFrameTest,
}

func init() {
	rootCmd.AddCommand(frameTestCmd)
	frameTestCmd.Flags().IntVar(&frameTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runFrameTest(cmd *cobra.Command, args []string) error {
	if _, err := loadSettings(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	// Open connection (serial or WebSocket)
	link, connInfo, err := OpenLink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer link.Close()

	fmt.Printf("Minlink - Frame Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", frameTestTimeout)
	fmt.Printf("Waiting for valid MIN frame...\n\n")

	decoder := minproto.NewDecoder()

	// Channel for frame reception
	frameChan := make(chan *minproto.Frame, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		droppedFrames := 0
		for {
			data, err := link.Wait()
			if err != nil {
				errChan <- err
				return
			}

			for _, b := range data {
				frame, decodeErr := decoder.DecodeByte(b)
				if decodeErr != nil {
					// Ignore decode errors, just count dropped frames
					droppedFrames++
					continue
				}
				if frame != nil {
					if droppedFrames > 0 {
						fmt.Printf("(dropped %d corrupt frames before sync)\n", droppedFrames)
					}
					frameChan <- frame
					return
				}
			}
		}
	}()

	// Wait for frame or timeout
	select {
	case frame := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Kind: %s (0x%02X)\n", frame.Kind, frame.IDControl())
		if frame.Kind == minproto.KindData {
			fmt.Printf("  ID: %d\n", frame.ID)
		}
		if frame.Reliable {
			fmt.Printf("  Seq: %d\n", frame.Seq)
		}
		fmt.Printf("  Length: %d bytes\n", len(frame.Payload))
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(frameTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", frameTestTimeout)
		os.Exit(1)
	}

	return nil
}
