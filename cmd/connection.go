// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// wsStream reads the binary messages of a WebSocket as one byte stream.
// Every write is sent as its own binary message.
type wsStream struct {
	conn *websocket.Conn
	msg  io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.msg != nil {
			n, err := s.msg.Read(p)
			if err == io.EOF {
				s.msg = nil
				if n == 0 {
					continue
				}
				err = nil
			}
			return n, err
		}

		// MIN bytes only travel in binary messages
		msgType, r, err := s.conn.NextReader()
		if err != nil {
			return 0, err
		}
		if msgType == websocket.BinaryMessage {
			s.msg = r
		}
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// openSerialLink opens a serial port as a MIN link, 8N1
func openSerialLink(portName string, baudRate int) (*minproto.StreamLink, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return minproto.NewStreamLink(port), nil
}

// openWebSocketLink dials a WebSocket byte stream as a MIN link
func openWebSocketLink(wsURL, username, password string, skipSSLVerify bool) (*minproto.StreamLink, error) {
	conn, err := dialWebSocket(wsURL, username, password, skipSSLVerify)
	if err != nil {
		return nil, err
	}
	return minproto.NewStreamLink(&wsStream{conn: conn}), nil
}

// dialWebSocket checks the URL scheme and performs the handshake, with
// HTTP Basic auth when a username and password are given
func dialWebSocket(wsURL, username, password string, skipSSLVerify bool) (*websocket.Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	switch {
	case err == nil:
		return conn, nil
	case resp != nil:
		return nil, fmt.Errorf("WebSocket connection to %s failed (HTTP %d): %w", u.Host, resp.StatusCode, err)
	default:
		return nil, fmt.Errorf("WebSocket connection to %s failed: %w", u.Host, err)
	}
}

// GetPassword returns MIN_PASSWORD, or prompts for a password on the
// terminal without echo
func GetPassword() (string, error) {
	if pw := os.Getenv("MIN_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	pw, err := term.ReadPassword(int(syscall.Stdin))
	if err == nil {
		return string(pw), nil
	}

	// Not a terminal, read a plain line
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// wsPassword is kept so reconnects do not prompt again
var wsPassword string

// passwordForUser asks for a password only when a username is set
func passwordForUser(username string) (string, error) {
	if username == "" || wsPassword != "" {
		return wsPassword, nil
	}
	pw, err := GetPassword()
	if err != nil {
		return "", err
	}
	wsPassword = pw
	return pw, nil
}

// OpenLink opens the serial port or WebSocket selected by the flags. The
// returned description is shown to the user.
func OpenLink() (*minproto.StreamLink, string, error) {
	if wsURL != "" {
		password, err := passwordForUser(wsUsername)
		if err != nil {
			return nil, "", err
		}
		link, err := openWebSocketLink(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return link, fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	if portName != "" {
		link, err := openSerialLink(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return link, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}
