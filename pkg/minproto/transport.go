// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// FrameHandler is called for every application frame delivered in order.
type FrameHandler interface {
	HandleFrame(*Frame)
}

// HandleFrameFunc is func type of FrameHandler.
type HandleFrameFunc func(*Frame)

// HandleFrame implements FrameHandler.
func (f HandleFrameFunc) HandleFrame(frame *Frame) {
	f(frame)
}

// State is a snapshot of the transport sequence numbers and queues.
type State struct {
	SnMin           uint8
	SnMax           uint8
	Rn              uint8
	Queued          int // frames in the send FIFO, including in-flight ones
	InFlight        int
	Stashed         int
	NackOutstanding bool
	NackTo          uint8
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock replaces time.Now, for deterministic retransmission tests.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// Transport is the MIN reliability layer: a sliding send window with
// cumulative ACKs and NACK driven retransmission, plus in-order reassembly
// of received frames.
//
// All state changes happen inside Poll, QueueFrame and Reset under a single
// mutex. Delivered frames are handed to the FrameHandler after the mutex is
// released, in sequence order, so handlers may queue replies.
type Transport struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	link    Link
	handler FrameHandler
	decoder *Decoder
	stats   *Statistics

	// Send side
	fifo        []*Frame
	snMin       uint8 // seq of the oldest unacknowledged frame
	snMax       uint8 // next seq to assign
	lastAckSent time.Time

	// Receive side
	rn              uint8 // next seq expected in order
	stash           map[uint8]*Frame
	nackOutstanding bool
	nackTo          uint8

	// seq of an acknowledged request -> origin of that request
	origins map[uint8]string

	pending  []*Frame
	writeErr error
}

// NewTransport creates a Transport. Zero fields in cfg take their defaults.
func NewTransport(cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		decoder: NewDecoder(),
		stats:   NewStatistics(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.resetState()
	return t
}

// Config returns the effective configuration.
func (t *Transport) Config() Config {
	return t.cfg
}

// SetLink installs the byte link. A nil link detaches the transport; Poll
// is then a no-op.
func (t *Transport) SetLink(link Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.link = link
	t.decoder.Reset()
}

// OnFrameReceived registers the handler for delivered application frames.
func (t *Transport) OnFrameReceived(h FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// QueueFrame queues an application frame for reliable delivery. It never
// blocks; the frame is sent by a later Poll once the window has room.
func (t *Transport) QueueFrame(id uint8, payload []byte, origin string) error {
	if id > MaxID {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.fifo) >= t.cfg.TransportFIFOSize {
		t.stats.QueueRejections++
		return ErrFIFOFull
	}

	glog.V(2).Infof("Queueing min_id=%d", id)
	f := NewDataFrame(id, append([]byte(nil), payload...), true)
	f.Seq = t.snMax
	f.Origin = origin
	t.fifo = append(t.fifo, f)
	return nil
}

// SendUnreliable sends an unsequenced frame immediately. There is no
// acknowledgement or retransmission.
func (t *Transport) SendUnreliable(id uint8, payload []byte) error {
	if id > MaxID {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link == nil {
		return ErrNoLink
	}
	t.write(NewDataFrame(id, payload, false))
	return t.takeWriteErr()
}

// Poll reads whatever the link has, processes received frames, sends the
// next queued frame or retransmits the most overdue one, and refreshes the
// cumulative ACK. Link errors are returned so the owner can drop the link.
func (t *Transport) Poll() error {
	t.mu.Lock()

	if t.link == nil {
		t.mu.Unlock()
		return nil
	}

	data, readErr := t.link.ReadAvailable()
	if len(data) > 0 {
		glog.V(3).Infof("Received bytes: %x", data)
		for _, f := range t.decoder.Decode(data, t.decodeError) {
			t.frameReceived(f)
		}
	}

	if readErr == nil {
		t.service()
	} else {
		readErr = fmt.Errorf("read: %w", readErr)
	}

	delivered := t.pending
	t.pending = nil
	handler := t.handler
	err := t.takeWriteErr()
	t.mu.Unlock()

	if handler != nil {
		for _, f := range delivered {
			handler.HandleFrame(f)
		}
	}

	if readErr != nil {
		return readErr
	}
	return err
}

// Reset sends RESET to the peer and clears all transport state. RESET is
// not acknowledged so it is sent twice.
func (t *Transport) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link != nil {
		glog.V(1).Info("Sending RESET")
		t.write(newResetFrame())
		t.write(newResetFrame())
		t.stats.ResetsSent += 2
	}
	t.resetState()
	t.decoder.Reset()
	t.pending = nil
	return t.takeWriteErr()
}

// State returns a snapshot of the sequence numbers and queue sizes.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		SnMin:           t.snMin,
		SnMax:           t.snMax,
		Rn:              t.rn,
		Queued:          len(t.fifo),
		InFlight:        int(t.snMax - t.snMin),
		Stashed:         len(t.stash),
		NackOutstanding: t.nackOutstanding,
		NackTo:          t.nackTo,
	}
}

// Stats returns a copy of the transport counters.
func (t *Transport) Stats() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.stats
}

func (t *Transport) resetState() {
	t.fifo = nil
	t.snMin = 0
	t.snMax = 0
	t.lastAckSent = t.now()
	t.rn = 0
	t.stash = make(map[uint8]*Frame)
	t.nackOutstanding = false
	t.nackTo = 0
	t.origins = make(map[uint8]string)
}

func (t *Transport) decodeError(err error) {
	t.stats.recordDecodeError(err)
	glog.Warningf("Frame dropped: %v", err)
}

// service runs the send side of a poll step
func (t *Transport) service() {
	now := t.now()
	windowSize := int(t.snMax - t.snMin)

	if windowSize < t.cfg.MaxWindowSize && len(t.fifo) > windowSize {
		// Frames still to send
		f := t.fifo[windowSize]
		f.Seq = t.snMax
		glog.V(2).Infof("Sending new frame id=%d seq=%d len=%d payload=%x", f.ID, f.Seq, len(f.Payload), f.Payload)
		t.transmit(f, now)
		t.snMax++
		t.stats.FramesSent++
	} else if windowSize > 0 {
		// Maybe retransmits
		oldest := t.findOldestFrame(windowSize, now)
		if now.Sub(oldest.lastSentAt) > t.cfg.frameRetransmitTimeout() {
			glog.V(2).Infof("Resending old frame id=%d seq=%d", oldest.ID, oldest.Seq)
			t.transmit(oldest, now)
			t.stats.Retransmits++
		}
	}

	// Periodically transmit ACK
	if now.Sub(t.lastAckSent) > t.cfg.ackRetransmitTimeout() {
		t.sendAck()
	}
}

// findOldestFrame returns the in-flight frame that has waited longest since
// it was last sent. Only one frame is retransmitted per poll.
func (t *Transport) findOldestFrame(windowSize int, now time.Time) *Frame {
	oldest := t.fifo[0]
	longest := now.Sub(oldest.lastSentAt)
	for _, f := range t.fifo[:windowSize] {
		if elapsed := now.Sub(f.lastSentAt); elapsed >= longest {
			oldest = f
			longest = elapsed
		}
	}
	return oldest
}

func (t *Transport) transmit(f *Frame, now time.Time) {
	f.lastSentAt = now
	t.write(f)
}

func (t *Transport) write(f *Frame) {
	if t.link == nil {
		return
	}
	data, err := EncodeFrame(f)
	if err != nil {
		glog.Errorf("Cannot encode frame id=%d: %v", f.ID, err)
		return
	}
	if _, err := t.link.Write(data); err != nil && t.writeErr == nil {
		t.writeErr = fmt.Errorf("write: %w", err)
	}
}

func (t *Transport) takeWriteErr() error {
	err := t.writeErr
	t.writeErr = nil
	return err
}

func (t *Transport) sendAck() {
	t.write(newAckFrame(t.rn, t.rn))
	t.lastAckSent = t.now()
	t.stats.AcksSent++
}

func (t *Transport) sendNack(to uint8) {
	glog.V(2).Infof("Sending NACK, seq=%d, to=%d", t.rn, to)
	t.write(newAckFrame(t.rn, to))
	t.stats.NacksSent++
}

// fifoPop drops the acknowledged frame at the front of the send FIFO. Its
// origin is kept so a reply echoing its seq can be routed back.
func (t *Transport) fifoPop() {
	f := t.fifo[0]
	if f.Origin != "" {
		t.origins[f.Seq] = f.Origin
	}
	t.fifo[0] = nil
	t.fifo = t.fifo[1:]
}

func (t *Transport) frameReceived(f *Frame) {
	glog.V(2).Infof("MIN frame received: id_control=0x%02X seq=%d", f.IDControl(), f.Seq)

	// Still delivered, under the masked id
	if f.Kind == KindData && f.IDControl()&ReservedFlag != 0 {
		t.stats.ReservedIDs++
		glog.Warningf("Reserved bit set in id/control 0x%02X, delivering as id %d", f.IDControl(), f.ID)
	}

	switch {
	case !f.Reliable:
		t.deliver(f)
	case f.Kind == KindAck:
		t.ackReceived(f)
	case f.Kind == KindReset:
		glog.V(1).Info("RESET received")
		t.stats.ResetsReceived++
		t.resetState()
	default:
		t.dataReceived(f)
	}
}

// ackReceived handles a cumulative ACK. The seq is the next frame the peer
// wants, so everything before it is delivered. A payload byte beyond the
// seq turns the ACK into a NACK for the frames in between.
func (t *Transport) ackReceived(f *Frame) {
	t.stats.AcksReceived++

	numberAcked := f.Seq - t.snMin
	numberInWindow := t.snMax - t.snMin

	// Old ACKs from a previous session can still turn up
	if numberAcked > numberInWindow {
		if numberInWindow > 0 {
			t.stats.SpuriousAcks++
			glog.Warningf("Spurious ACK: sn_min=%d, sn_max=%d, seq=%d", t.snMin, t.snMax, f.Seq)
		}
		return
	}

	if numberAcked > 0 {
		glog.V(2).Infof("Number ACKed = %d", numberAcked)
	}
	t.snMin = f.Seq
	for i := 0; i < int(numberAcked); i++ {
		t.fifoPop()
	}

	if len(f.Payload) == 0 {
		return
	}
	numberNacked := f.Payload[0] - f.Seq
	if numberNacked == 0 || numberNacked > t.snMax-t.snMin {
		return
	}
	t.stats.NacksReceived++
	now := t.now()
	for _, nf := range t.fifo[:numberNacked] {
		glog.V(2).Infof("NACK retransmit id=%d seq=%d", nf.ID, nf.Seq)
		t.transmit(nf, now)
		t.stats.Retransmits++
	}
}

// dataReceived handles a sequenced application frame. Host memory is
// plentiful, so frames that arrive ahead of a gap are stashed and the gap
// is NACKed instead of waiting for the sender's retransmit timeout.
func (t *Transport) dataReceived(f *Frame) {
	rxWindow := t.cfg.RxWindowSize

	if f.Seq == t.rn {
		t.deliver(f)
		t.rn++

		// Join up with stashed frames
		for {
			sf, ok := t.stash[t.rn]
			if !ok {
				break
			}
			glog.V(2).Infof("Stashed frame recovered (rn=%d id=%d)", t.rn, sf.ID)
			delete(t.stash, t.rn)
			t.stats.StashRecovered++
			t.deliver(sf)
			t.rn++
		}

		// The NACKed range is filled once rn reaches or passes its end
		if t.nackOutstanding {
			if d := int(t.nackTo - t.rn); d == 0 || d >= rxWindow {
				t.nackOutstanding = false
			}
		}

		if len(t.stash) == 0 {
			t.sendAck()
			return
		}

		earliest := t.earliestStashed()
		// Frames are only stashed inside the window ahead of rn and rn only
		// moves through them, so normal traffic never gets here. If the
		// stash ever drifts out of the window anyway, drop it.
		if int(earliest-t.rn) >= rxWindow {
			glog.Errorf("Stale frames in the stash (%d dropped, rn=%d, earliest=%d); resetting", len(t.stash), t.rn, earliest)
			t.stats.StashDropped += uint64(len(t.stash))
			t.stash = make(map[uint8]*Frame)
			t.nackOutstanding = false
			t.sendAck()
			return
		}
		if t.nackOutstanding {
			t.sendAck()
			return
		}
		t.nackOutstanding = true
		t.nackTo = earliest
		t.sendNack(earliest)
		return
	}

	if int(f.Seq-t.rn) < rxWindow {
		// Within the window ahead of rn: something before it went missing
		if !t.nackOutstanding {
			t.sendNack(f.Seq)
			t.nackOutstanding = true
			t.nackTo = f.Seq
		} else {
			glog.V(2).Infof("Outstanding NACK, not re-sending (seq=%d)", f.Seq)
		}
		if prev, dup := t.stash[f.Seq]; dup {
			if !bytes.Equal(prev.Payload, f.Payload) {
				glog.Errorf("Inconsistency between frame contents (id=%d seq=%d)", f.ID, f.Seq)
			}
		} else {
			t.stats.Stashed++
		}
		t.stash[f.Seq] = f
		glog.V(2).Infof("Frame stashed (id=%d seq=%d)", f.ID, f.Seq)
		return
	}

	// Out of range, most likely an old retransmit we already delivered
	t.stats.StaleDiscarded++
	glog.Warningf("Frame stale? Discarding (id=%d seq=%d rn=%d)", f.ID, f.Seq, t.rn)
	if prev, ok := t.stash[f.Seq]; ok && !bytes.Equal(prev.Payload, f.Payload) {
		glog.Errorf("Inconsistency between frame contents (id=%d seq=%d)", f.ID, f.Seq)
	}
}

// earliestStashed returns the stashed seq closest ahead of rn
func (t *Transport) earliestStashed() uint8 {
	first := true
	var earliest uint8
	for seq := range t.stash {
		if first || seq-t.rn < earliest-t.rn {
			earliest = seq
			first = false
		}
	}
	return earliest
}

func (t *Transport) deliver(f *Frame) {
	if f.Reliable {
		if n, ok := RequestSeq(f.Payload); ok {
			if origin, found := t.origins[n]; found {
				f.Origin = origin
				delete(t.origins, n)
				glog.V(2).Infof("Reply for seq %d routed to %s, %d origins left", n, origin, len(t.origins))
			}
		}
	}
	t.stats.Delivered++
	glog.V(2).Infof("Application frame delivered (id=%d seq=%d)", f.ID, f.Seq)
	t.pending = append(t.pending, f)
}
