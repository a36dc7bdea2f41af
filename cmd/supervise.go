// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"time"

	"github.com/Thermoquad/minlink/pkg/minproto"
	"github.com/golang/glog"
)

const (
	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// linkOpener opens a fresh link and describes it
type linkOpener func() (minproto.Link, string, error)

// openConfiguredLink opens the link named by --port or --url
func openConfiguredLink() (minproto.Link, string, error) {
	link, info, err := OpenLink()
	if err != nil {
		return nil, "", err
	}
	return link, info, nil
}

// linkEvent reports a supervisor state change
type linkEvent struct {
	connected bool
	connInfo  string
	err       error
}

// superviseLink keeps the session attached to a link from open. When the
// link fails it is reopened with exponential backoff. Returns when ctx is
// done. notify may be nil.
func superviseLink(ctx context.Context, s *minproto.Session, open linkOpener, notify func(linkEvent)) {
	if notify == nil {
		notify = func(linkEvent) {}
	}

	lost := make(chan error, 1)
	s.OnDisconnect(func(err error) {
		select {
		case lost <- err:
		default:
		}
	})

	delay := minReconnectDelay
	attempt := 0
	for {
		attempt++
		link, info, err := open()
		if err == nil {
			if err = s.Attach(link); err != nil {
				s.Detach()
			}
		}

		if err == nil {
			glog.V(1).Infof("Connected to %s (attempt %d)", info, attempt)
			notify(linkEvent{connected: true, connInfo: info})
			delay = minReconnectDelay
			attempt = 0

			select {
			case <-ctx.Done():
				return
			case err = <-lost:
			}
			glog.Warningf("Connection to %s lost: %v", info, err)
			notify(linkEvent{connInfo: info, err: err})
		} else {
			glog.Warningf("Connect attempt %d failed: %v (retry in %v)", attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if attempt > 0 {
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}
}
