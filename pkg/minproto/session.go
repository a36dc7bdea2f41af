// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultPollInterval is the Session tick when none is given
const DefaultPollInterval = 10 * time.Millisecond

// Session owns the lifecycle of a Transport over a link that comes and
// goes: the RESET handshake on attach, teardown on detach or link failure,
// and the periodic Poll.
type Session struct {
	transport *Transport
	interval  time.Duration

	mu           sync.Mutex
	link         Link
	onDisconnect func(error)
}

// NewSession creates a session driving t every interval
func NewSession(t *Transport, interval time.Duration) *Session {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Session{
		transport: t,
		interval:  interval,
	}
}

// Transport returns the transport the session drives
func (s *Session) Transport() *Transport {
	return s.transport
}

// OnDisconnect registers a callback invoked when Poll fails and the link is
// dropped. It is not called for Detach.
func (s *Session) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Attach connects the transport to link and performs the RESET handshake.
// A previously attached link is detached first.
func (s *Session) Attach(link Link) error {
	s.Detach()

	s.mu.Lock()
	s.link = link
	s.mu.Unlock()

	glog.V(1).Info("Link attached")
	s.transport.SetLink(link)
	return s.transport.Reset()
}

// Detach tells the peer we are going away, clears the transport state and
// closes the link. It is a no-op when nothing is attached.
func (s *Session) Detach() {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.mu.Unlock()

	if link == nil {
		return
	}
	s.teardown(link, true)
}

// Connected reports whether a link is attached
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// Run polls the transport until ctx is done. When Poll fails the link is
// treated as lost: it is detached and OnDisconnect is notified, and Run
// keeps ticking so a later Attach resumes the session.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Detach()
			return ctx.Err()
		case <-ticker.C:
			if err := s.transport.Poll(); err != nil {
				s.linkLost(err)
			}
		}
	}
}

func (s *Session) linkLost(err error) {
	s.mu.Lock()
	link := s.link
	s.link = nil
	fn := s.onDisconnect
	s.mu.Unlock()

	if link == nil {
		return
	}
	glog.Warningf("Link lost: %v", err)
	s.teardown(link, false)
	if fn != nil {
		fn(err)
	}
}

func (s *Session) teardown(link Link, notifyPeer bool) {
	if !notifyPeer {
		// The link is dead, only clear local state
		s.transport.SetLink(nil)
	}
	if err := s.transport.Reset(); err != nil {
		glog.V(1).Infof("RESET on detach failed: %v", err)
	}
	s.transport.SetLink(nil)

	if c, ok := link.(io.Closer); ok {
		if err := c.Close(); err != nil {
			glog.V(1).Infof("Closing link: %v", err)
		}
	}
	glog.V(1).Info("Link detached")
}
