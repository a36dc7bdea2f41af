// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge exposes a MIN session to remote consumers.
//
// Frames delivered by the transport go through a Router. Replies carry the
// origin of the request they answer and go back to that consumer only;
// everything else is broadcast. Consumers queue frames with their own
// origin so the device's replies can find their way back.
package bridge

import (
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/Thermoquad/minlink/pkg/minproto"
)

// Queuer accepts frames for reliable delivery to the device
type Queuer interface {
	QueueFrame(id uint8, payload []byte, origin string) error
}

// Sink receives frames from the device
type Sink interface {
	Deliver(*minproto.Frame) error
}

// SinkFunc is func type of Sink
type SinkFunc func(*minproto.Frame) error

// Deliver implements Sink
func (f SinkFunc) Deliver(frame *minproto.Frame) error {
	return f(frame)
}

// Router fans delivered frames out to sinks registered by origin
type Router struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{sinks: make(map[string]Sink)}
}

// Register adds a sink under an origin name such as "ws:3" or "mqtt".
// A sink registered under an existing name replaces it.
func (r *Router) Register(origin string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[origin] = s
}

// Unregister removes the sink for origin
func (r *Router) Unregister(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, origin)
}

// Origins returns the registered origin names, sorted
func (r *Router) Origins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleFrame implements minproto.FrameHandler
func (r *Router) HandleFrame(f *minproto.Frame) {
	r.mu.RLock()
	if s, ok := r.sinks[f.Origin]; ok && f.Origin != "" {
		r.mu.RUnlock()
		r.deliver(f.Origin, s, f)
		return
	}
	targets := make(map[string]Sink, len(r.sinks))
	for name, s := range r.sinks {
		targets[name] = s
	}
	r.mu.RUnlock()

	if f.Origin != "" {
		glog.V(2).Infof("No sink for origin %q, broadcasting", f.Origin)
	}
	for name, s := range targets {
		r.deliver(name, s, f)
	}
}

func (r *Router) deliver(name string, s Sink, f *minproto.Frame) {
	if err := s.Deliver(f); err != nil {
		glog.Warningf("Delivering frame id=%d to %s: %v", f.ID, name, err)
	}
}
