// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/Thermoquad/minlink/pkg/minproto"
)

// ErrClientSlow is returned when a client's send buffer is full
var ErrClientSlow = errors.New("client send buffer full")

// clientBacklog is the number of envelopes buffered per client
const clientBacklog = 64

// WebSocketServer lets WebSocket clients exchange CBOR envelopes with the
// device. Each client is registered on the router as "ws:<n>".
type WebSocketServer struct {
	queuer   Queuer
	router   *Router
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

// NewWebSocketServer creates the bridge handler
func NewWebSocketServer(q Queuer, r *Router) *WebSocketServer {
	return &WebSocketServer{
		queuer: q,
		router: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type wsClient struct {
	origin string
	conn   *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Deliver implements Sink. Slow clients lose frames rather than stall the
// transport.
func (c *wsClient) Deliver(f *minproto.Frame) error {
	data, err := minproto.MarshalEnvelope(minproto.EnvelopeFromFrame(f))
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// reject tells the client that a request was not queued
func (c *wsClient) reject(id uint8, reason error) {
	data, err := minproto.MarshalEnvelope(minproto.Envelope{ID: id, Origin: c.origin, Error: reason.Error()})
	if err == nil {
		err = c.enqueue(data)
	}
	if err != nil {
		glog.Warningf("Rejection for %s not sent: %v", c.origin, err)
	}
}

func (c *wsClient) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrClientSlow
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("WebSocket upgrade error: %v", err)
		return
	}

	client := &wsClient{
		origin: fmt.Sprintf("ws:%d", s.nextID.Add(1)),
		conn:   conn,
		send:   make(chan []byte, clientBacklog),
	}
	s.router.Register(client.origin, client)
	glog.V(1).Infof("WebSocket client %s connected from %s", client.origin, r.RemoteAddr)

	// Writer goroutine
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				break
			}
		}
	}()

	s.readLoop(client)

	s.router.Unregister(client.origin)
	client.close()
	<-writerDone
	conn.Close()
	glog.V(1).Infof("WebSocket client %s disconnected", client.origin)
}

func (s *WebSocketServer) readLoop(c *wsClient) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		env, err := minproto.UnmarshalEnvelope(data)
		if err != nil {
			glog.Warningf("Bad envelope from %s: %v", c.origin, err)
			c.reject(env.ID, err)
			continue
		}
		if err := s.queuer.QueueFrame(env.ID, env.Payload, c.origin); err != nil {
			glog.Warningf("Queueing frame from %s: %v", c.origin, err)
			c.reject(env.ID, err)
		}
	}
}

// ListenAndServe serves the bridge at path on addr until ctx is done
func (s *WebSocketServer) ListenAndServe(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			glog.Warningf("WebSocket bridge shutdown: %v", err)
		}
	}()

	glog.Infof("WebSocket bridge listening on %s%s", addr, path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
