// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	wsPingTimeout int
	wsPingCount   int
	wsPingID      int
	wsPingPayload string
)

var wsPingCmd = &cobra.Command{
	Use:   "ws_ping",
	Short: "Test a minlink daemon's WebSocket bridge with a request/reply round trip",
	Long: `Send request frames through the WebSocket bridge of a minlink daemon and wait
for the device's replies.

Each request is sent as a CBOR envelope. The daemon queues it reliably on its
MIN session and routes the device's reply back to this client when the reply
echoes the request sequence number, or broadcasts it otherwise. Any frame
received after a request counts as its reply. A request the daemon could
not queue, e.g. because its transport queue is full, is answered with an
error envelope and counts as failed.

This is useful for verifying:
  - WebSocket connection is established
  - HTTP Basic authentication works
  - The daemon has a device attached
  - Bidirectional frame flow works

Exit codes:
  0 - All requests answered
  1 - One or more requests failed/timed out
  2 - Connection error`,
	RunE: runWsPing,
}

func init() {
	rootCmd.AddCommand(wsPingCmd)
	wsPingCmd.Flags().IntVar(&wsPingTimeout, "timeout", 5, "Timeout in seconds for each request")
	wsPingCmd.Flags().IntVar(&wsPingCount, "count", 3, "Number of requests to send")
	wsPingCmd.Flags().IntVar(&wsPingID, "id", 0, "MIN ID of the request frames")
	wsPingCmd.Flags().StringVar(&wsPingPayload, "payload", "ping", `Request payload ("x:" prefix for hex)`)
}

func runWsPing(cmd *cobra.Command, args []string) error {
	if wsURL == "" {
		return fmt.Errorf("--url must point at a minlink daemon WebSocket bridge")
	}
	if wsPingID < 0 || wsPingID > minproto.MaxID {
		return fmt.Errorf("invalid MIN ID %d (0-%d)", wsPingID, minproto.MaxID)
	}
	payload, err := parsePayload(wsPingPayload, false)
	if err != nil {
		return err
	}
	request, err := minproto.MarshalEnvelope(minproto.Envelope{ID: uint8(wsPingID), Payload: payload, Reliable: true})
	if err != nil {
		return err
	}

	password, err := passwordForUser(wsUsername)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	conn, err := dialWebSocket(wsURL, wsUsername, password, wsNoSSLVerify)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Minlink - WebSocket Bridge Ping\n")
	fmt.Printf("Connection: WebSocket: %s\n", wsURL)
	fmt.Printf("Timeout: %d seconds per request\n", wsPingTimeout)
	fmt.Printf("Count: %d requests to id %d\n\n", wsPingCount, wsPingID)

	// Reader goroutine, one envelope per binary message
	replies := make(chan minproto.Envelope, 16)
	errChan := make(chan error, 1)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				errChan <- err
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			env, err := minproto.UnmarshalEnvelope(data)
			if err != nil {
				// Ignore anything that is not an envelope
				continue
			}
			replies <- env
		}
	}()

	successCount := 0
	failCount := 0

	for i := 1; i <= wsPingCount; i++ {
		fmt.Printf("Request %d/%d: ", i, wsPingCount)

		// Replies to earlier, timed out requests do not count
	drain:
		for {
			select {
			case <-replies:
			default:
				break drain
			}
		}

		startTime := time.Now()
		if err := conn.WriteMessage(websocket.BinaryMessage, request); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		select {
		case env := <-replies:
			if env.Error != "" {
				fmt.Printf("REJECTED: %s\n", env.Error)
				failCount++
				break
			}
			rtt := time.Since(startTime)
			routed := "broadcast"
			if env.Origin != "" {
				routed = "routed to " + env.Origin
			}
			fmt.Printf("reply from id %d (%s), %d bytes, rtt=%v\n", env.ID, routed, len(env.Payload), rtt.Round(time.Millisecond))
			successCount++

		case err := <-errChan:
			fmt.Printf("READ FAILED: %v\n", err)
			failCount += wsPingCount - i + 1
			i = wsPingCount

		case <-time.After(time.Duration(wsPingTimeout) * time.Second):
			fmt.Printf("TIMEOUT (no reply in %ds)\n", wsPingTimeout)
			failCount++
		}

		// Small delay between requests
		if i < wsPingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d requests sent, %d replies received, %.0f%% loss\n",
		wsPingCount, successCount, float64(failCount)/float64(wsPingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
