// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"io"
	"sync"
)

// Link is the byte transport under a MIN session, usually a serial port.
// ReadAvailable must return immediately with whatever bytes have arrived.
type Link interface {
	ReadAvailable() ([]byte, error)
	Write(p []byte) (int, error)
}

// StreamLink adapts a blocking io.ReadWriteCloser into a non-blocking Link.
// A reader goroutine moves incoming chunks into a bounded channel which
// ReadAvailable drains.
type StreamLink struct {
	rwc    io.ReadWriteCloser
	chunks chan []byte

	mu      sync.Mutex
	readErr error
	done    chan struct{}
	once    sync.Once
}

// streamLinkBacklog is the number of read chunks buffered between polls
const streamLinkBacklog = 64

// NewStreamLink starts reading from rwc in the background
func NewStreamLink(rwc io.ReadWriteCloser) *StreamLink {
	l := &StreamLink{
		rwc:    rwc,
		chunks: make(chan []byte, streamLinkBacklog),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *StreamLink) readLoop() {
	defer close(l.chunks)
	buf := make([]byte, 256)
	for {
		n, err := l.rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case l.chunks <- chunk:
			case <-l.done:
				return
			}
		}
		if err != nil {
			l.mu.Lock()
			l.readErr = err
			l.mu.Unlock()
			return
		}
	}
}

// ReadAvailable returns all bytes read since the last call without blocking.
// Once the reader has failed and its buffered bytes are consumed, the
// reader's error is returned.
func (l *StreamLink) ReadAvailable() ([]byte, error) {
	var data []byte
	for {
		select {
		case chunk, ok := <-l.chunks:
			if !ok {
				if len(data) > 0 {
					return data, nil
				}
				return nil, l.terminalErr()
			}
			data = append(data, chunk...)
		default:
			return data, nil
		}
	}
}

// Wait blocks until bytes arrive, then returns them together with anything
// else already buffered. For passive readers that need no poll loop.
func (l *StreamLink) Wait() ([]byte, error) {
	chunk, ok := <-l.chunks
	if !ok {
		return nil, l.terminalErr()
	}
	// A reader failure after chunk is reported by the next call
	rest, _ := l.ReadAvailable()
	return append(chunk, rest...), nil
}

func (l *StreamLink) terminalErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr == nil {
		return io.EOF
	}
	return l.readErr
}

// Write writes p to the underlying stream
func (l *StreamLink) Write(p []byte) (int, error) {
	return l.rwc.Write(p)
}

// Close stops the reader and closes the underlying stream
func (l *StreamLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.rwc.Close()
	})
	return err
}
