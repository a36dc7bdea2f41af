// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	"github.com/spf13/cobra"
)

var (
	sendHex        bool
	sendUnreliable bool
	sendTimeout    int
	sendLinger     int
)

// sendOrigin tags frames queued from the command line
const sendOrigin = "cli"

var sendCmd = &cobra.Command{
	Use:   "send <id> <payload>...",
	Short: "Send frames reliably and print the replies",
	Long: `Open a MIN session, queue one frame per payload argument and wait until the
device has acknowledged all of them.

Payloads are sent as text. Use --hex, or prefix a single payload with "x:",
to give the bytes in hex:

  minlink send -p /dev/ttyACM0 3 "*IDN?"
  minlink send -p /dev/ttyACM0 --hex 7 01ff 0200

Frames the device sends meanwhile are printed as they arrive. Replies that
echo a request sequence number ("N:...") are matched to the request.

Exit codes:
  0 - All frames acknowledged
  1 - Timeout before all frames were acknowledged
  2 - Connection or usage error`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendHex, "hex", false, "Payloads are hex encoded")
	sendCmd.Flags().BoolVar(&sendUnreliable, "unreliable", false, "Send without the transport (no ACK, no retransmission)")
	sendCmd.Flags().IntVar(&sendTimeout, "timeout", 5, "Seconds to wait for all frames to be acknowledged")
	sendCmd.Flags().IntVar(&sendLinger, "linger", 200, "Milliseconds to keep printing replies after the last ACK")
}

func runSend(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	payloads := make([][]byte, 0, len(args)-1)
	for _, arg := range args[1:] {
		p, err := parsePayload(arg, sendHex)
		if err != nil {
			return err
		}
		payloads = append(payloads, p)
	}

	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	link, connInfo, err := OpenLink()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	transport := minproto.NewTransport(cfg.Transport)
	transport.OnFrameReceived(minproto.HandleFrameFunc(func(f *minproto.Frame) {
		fmt.Print(minproto.FormatFrame(f))
	}))
	session := minproto.NewSession(transport, cfg.PollInterval())

	fmt.Printf("Minlink - Send\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	if err := session.Attach(link); err != nil {
		session.Detach()
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		session.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-runDone
	}

	for i, p := range payloads {
		if sendUnreliable {
			err = transport.SendUnreliable(id, p)
		} else {
			err = transport.QueueFrame(id, p, sendOrigin)
		}
		if err != nil {
			stop()
			fmt.Fprintf(os.Stderr, "Frame %d: %v\n", i+1, err)
			os.Exit(2)
		}
	}

	acked := waitForAcks(transport, session, time.Duration(sendTimeout)*time.Second)
	if acked {
		time.Sleep(time.Duration(sendLinger) * time.Millisecond)
	}

	// Detaching clears the transport, take the numbers first
	stats := transport.Stats()
	state := transport.State()
	stop()

	if !acked {
		fmt.Fprintf(os.Stderr, "TIMEOUT: %d frame(s) not acknowledged within %d seconds (retransmits %d)\n",
			state.Queued, sendTimeout, stats.Retransmits)
		os.Exit(1)
	}

	fmt.Printf("\nSent %d frame(s) to id %d (retransmits %d)\n", len(payloads), id, stats.Retransmits)
	return nil
}

// waitForAcks polls until the send FIFO is empty, the link is lost or
// timeout expires. Reports whether everything was acknowledged.
func waitForAcks(t *minproto.Transport, s *minproto.Session, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.State().Queued == 0 {
			return true
		}
		if !s.Connected() {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return t.State().Queued == 0
}
