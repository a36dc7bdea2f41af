// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/Thermoquad/minlink/pkg/minproto"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var rawLogWire bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display MIN frames as they arrive.

Every frame is shown with timestamp, kind, id/control byte, sequence number
and a hex dump of its payload. ACK, NACK and RESET frames are included. The
link is only listened to; nothing is ever sent, so transport frames from the
device are not acknowledged.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogWire, "wire", false, "Also print the stuffed wire bytes of each frame")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	if _, err := loadSettings(cmd); err != nil {
		return err
	}

	// Open connection (serial or WebSocket)
	link, connInfo, err := OpenLink()
	if err != nil {
		return err
	}
	defer link.Close()

	fmt.Printf("Minlink - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := minproto.NewDecoder()

	for {
		data, err := link.Wait()
		if err != nil {
			// The link does not recover from a read error
			if errors.Is(err, io.EOF) {
				fmt.Println("Connection closed")
				return nil
			}
			glog.Errorf("Read error: %v", err)
			return nil
		}

		for _, b := range data {
			frame, err := decoder.DecodeByte(b)
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if frame != nil {
				fmt.Print(minproto.FormatFrame(frame))
				if rawLogWire {
					fmt.Printf("  Wire: % X\n", decoder.GetRawBytes())
				}
			}
		}
	}
}
