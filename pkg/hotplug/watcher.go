// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hotplug reports serial devices appearing and disappearing.
//
// The Watcher polls the port list at a fixed interval and emits Added and
// Removed events for the difference, which is enough to drive attach and
// detach of a MIN session without an OS specific device monitor.
package hotplug

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial/enumerator"
)

// Action is the kind of presence change
type Action int

// Presence changes
const (
	Added Action = iota
	Removed
)

func (a Action) String() string {
	switch a {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Port describes a serial device
type Port struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// Event is one presence change
type Event struct {
	Action Action
	Port   Port
}

// Lister returns the serial ports currently present
type Lister func() ([]Port, error)

// SystemPorts lists ports through the platform enumerator
func SystemPorts() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ports := make([]Port, 0, len(details))
	for _, d := range details {
		ports = append(ports, Port{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// DefaultInterval is the scan period used when none is given
const DefaultInterval = time.Second

// Watcher diffs successive port listings
type Watcher struct {
	lister   Lister
	interval time.Duration

	mu    sync.Mutex
	known map[string]Port
}

// NewWatcher creates a watcher. A nil lister uses SystemPorts.
func NewWatcher(lister Lister, interval time.Duration) *Watcher {
	if lister == nil {
		lister = SystemPorts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		lister:   lister,
		interval: interval,
		known:    make(map[string]Port),
	}
}

// Scan lists the ports once and returns what changed since the previous
// scan. Removals come first, each group sorted by port name.
func (w *Watcher) Scan() ([]Event, error) {
	ports, err := w.lister()
	if err != nil {
		return nil, err
	}

	current := make(map[string]Port, len(ports))
	for _, p := range ports {
		current[p.Name] = p
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var removed, added []Event
	for name, p := range w.known {
		if _, ok := current[name]; !ok {
			removed = append(removed, Event{Action: Removed, Port: p})
		}
	}
	for name, p := range current {
		if _, ok := w.known[name]; !ok {
			added = append(added, Event{Action: Added, Port: p})
		}
	}
	w.known = current

	sortEvents(removed)
	sortEvents(added)
	return append(removed, added...), nil
}

// Interval returns the scan period
func (w *Watcher) Interval() time.Duration {
	return w.interval
}

// Present returns the ports seen by the last scan
func (w *Watcher) Present() []Port {
	w.mu.Lock()
	defer w.mu.Unlock()
	ports := make([]Port, 0, len(w.known))
	for _, p := range w.known {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports
}

// Run scans every interval and sends events to ch until ctx is done.
// Listing errors are logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context, ch chan<- Event) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		events, err := w.Scan()
		if err != nil {
			glog.Warningf("Port scan failed: %v", err)
		}
		for _, ev := range events {
			glog.V(1).Infof("Port %s %s", ev.Port.Name, ev.Action)
			select {
			case ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Port.Name < events[j].Port.Name })
}

// Resolve follows symlinks such as /dev/serial/by-id/... to the device
// node. Paths that cannot be resolved are returned unchanged.
func Resolve(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}

// Matcher selects the port a session should attach to. A target is either
// a device path (symlinks are resolved on both sides) or "usb:VID:PID",
// optionally followed by ":SERIAL".
func Matcher(target string) func(Port) bool {
	if rest, ok := strings.CutPrefix(target, "usb:"); ok {
		parts := strings.SplitN(rest, ":", 3)
		return func(p Port) bool {
			if !p.IsUSB || len(parts) < 2 {
				return false
			}
			if !strings.EqualFold(p.VID, parts[0]) || !strings.EqualFold(p.PID, parts[1]) {
				return false
			}
			return len(parts) < 3 || p.SerialNumber == parts[2]
		}
	}

	want := Resolve(target)
	return func(p Port) bool {
		return p.Name == target || Resolve(p.Name) == want
	}
}
