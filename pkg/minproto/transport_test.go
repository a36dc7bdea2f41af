// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package minproto

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLink is an in-memory Link. Bytes fed with feed are returned by the next
// ReadAvailable; everything written is kept until taken.
type memLink struct {
	mu       sync.Mutex
	in       []byte
	out      []byte
	writes   int
	readErr  error
	writeErr error
	closed   bool

	// peer receives every write when set, drop filters writes by index
	peer *memLink
	drop func(n int) bool
}

func (l *memLink) ReadAvailable() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data := l.in
	l.in = nil
	return data, l.readErr
}

func (l *memLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.writeErr != nil {
		l.mu.Unlock()
		return 0, l.writeErr
	}
	n := l.writes
	l.writes++
	l.out = append(l.out, p...)
	peer, drop := l.peer, l.drop
	l.mu.Unlock()

	if peer != nil && (drop == nil || !drop(n)) {
		peer.feed(p)
	}
	return len(p), nil
}

func (l *memLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *memLink) feed(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.in = append(l.in, p...)
}

func (l *memLink) failReads(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readErr = err
}

func (l *memLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// taken decodes and clears everything written so far
func (l *memLink) taken(t *testing.T) []*Frame {
	t.Helper()
	l.mu.Lock()
	data := l.out
	l.out = nil
	l.mu.Unlock()

	frames, errs := decodeAll(data)
	require.Empty(t, errs)
	return frames
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	frames []*Frame
}

func (r *recorder) HandleFrame(f *Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = string(f.Payload)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type testTransport struct {
	*Transport
	link  *memLink
	clock *fakeClock
	rx    *recorder
}

func newTestTransport(t *testing.T, cfg Config) *testTransport {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tr := NewTransport(cfg, WithClock(clock.Now))
	link := &memLink{}
	tr.SetLink(link)
	rx := &recorder{}
	tr.OnFrameReceived(rx)
	return &testTransport{Transport: tr, link: link, clock: clock, rx: rx}
}

func dataFrame(id, seq uint8, payload string) []byte {
	f := NewDataFrame(id, []byte(payload), true)
	f.Seq = seq
	return MustEncodeFrame(f)
}

func ackFrame(rn, to uint8) []byte {
	return MustEncodeFrame(newAckFrame(rn, to))
}

func dataSeqs(frames []*Frame) []uint8 {
	var seqs []uint8
	for _, f := range frames {
		if f.Kind == KindData {
			seqs = append(seqs, f.Seq)
		}
	}
	return seqs
}

func acks(frames []*Frame) []*Frame {
	var out []*Frame
	for _, f := range frames {
		if f.Kind == KindAck {
			out = append(out, f)
		}
	}
	return out
}

func TestTransport_HelloEndToEnd(t *testing.T) {
	tx := newTestTransport(t, Config{})
	rx := newTestTransport(t, Config{})

	require.NoError(t, tx.QueueFrame(1, []byte("hello"), ""))
	require.NoError(t, tx.Poll())

	tx.link.mu.Lock()
	wire := tx.link.out
	tx.link.out = nil
	tx.link.mu.Unlock()

	require.Equal(t, []byte{
		0xAA, 0xAA, 0xAA, 0x81, 0x00, 0x05,
		0x68, 0x65, 0x6C, 0x6C, 0x6F,
		0x5A, 0x4C, 0x9A, 0x05, 0x55,
	}, wire)

	rx.link.feed(wire)
	require.NoError(t, rx.Poll())

	require.Equal(t, []string{"hello"}, rx.rx.payloads())
	assert.Equal(t, uint8(1), rx.rx.frames[0].ID)

	sent := rx.link.taken(t)
	require.Len(t, sent, 1)
	assert.Equal(t, KindAck, sent[0].Kind)
	assert.Equal(t, uint8(1), sent[0].Seq)
	assert.False(t, sent[0].IsNack())

	// The ACK releases the sender's window
	tx.link.feed(MustEncodeFrame(sent[0]))
	require.NoError(t, tx.Poll())
	st := tx.State()
	assert.Equal(t, uint8(1), st.SnMin)
	assert.Equal(t, uint8(1), st.SnMax)
	assert.Equal(t, 0, st.Queued)
}

func TestTransport_InOrderDeliveryUnderReordering(t *testing.T) {
	rx := newTestTransport(t, Config{})

	rx.link.feed(dataFrame(5, 0, "f0"))
	require.NoError(t, rx.Poll())
	require.Equal(t, []string{"f0"}, rx.rx.payloads())
	rx.link.taken(t)

	// 2 and 3 arrive before 1
	rx.link.feed(dataFrame(5, 2, "f2"))
	require.NoError(t, rx.Poll())

	sent := acks(rx.link.taken(t))
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsNack())
	assert.Equal(t, uint8(1), sent[0].Seq)
	assert.Equal(t, uint8(2), sent[0].Payload[0])

	rx.link.feed(dataFrame(5, 3, "f3"))
	require.NoError(t, rx.Poll())
	assert.Empty(t, rx.link.taken(t), "no second NACK while one is outstanding")

	st := rx.State()
	assert.Equal(t, 2, st.Stashed)
	assert.True(t, st.NackOutstanding)
	assert.Equal(t, []string{"f0"}, rx.rx.payloads())

	rx.link.feed(dataFrame(5, 1, "f1"))
	require.NoError(t, rx.Poll())

	assert.Equal(t, []string{"f0", "f1", "f2", "f3"}, rx.rx.payloads())
	st = rx.State()
	assert.Equal(t, uint8(4), st.Rn)
	assert.Equal(t, 0, st.Stashed)
	assert.False(t, st.NackOutstanding)

	sent = acks(rx.link.taken(t))
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(4), sent[0].Seq)
	assert.False(t, sent[0].IsNack())

	stats := rx.Stats()
	assert.Equal(t, uint64(4), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Stashed)
	assert.Equal(t, uint64(2), stats.StashRecovered)
}

func TestTransport_ReorderedInOneChunk(t *testing.T) {
	rx := newTestTransport(t, Config{})

	var stream []byte
	for _, seq := range []uint8{0, 2, 1, 3} {
		stream = append(stream, dataFrame(1, seq, fmt.Sprintf("f%d", seq))...)
	}
	rx.link.feed(stream)
	require.NoError(t, rx.Poll())

	assert.Equal(t, []string{"f0", "f1", "f2", "f3"}, rx.rx.payloads())
}

func TestTransport_DuplicateDeliveredOnce(t *testing.T) {
	rx := newTestTransport(t, Config{})

	rx.link.feed(dataFrame(1, 0, "once"))
	rx.link.feed(dataFrame(1, 0, "once"))
	require.NoError(t, rx.Poll())

	assert.Equal(t, []string{"once"}, rx.rx.payloads())
	assert.Equal(t, uint64(1), rx.Stats().StaleDiscarded)
}

func TestTransport_StaleFrameDiscarded(t *testing.T) {
	rx := newTestTransport(t, Config{})

	rx.link.feed(dataFrame(1, 200, "old"))
	require.NoError(t, rx.Poll())

	assert.Empty(t, rx.rx.payloads())
	assert.Equal(t, 0, rx.State().Stashed)
	assert.Equal(t, uint64(1), rx.Stats().StaleDiscarded)
}

func TestTransport_StaleStashGuard(t *testing.T) {
	rx := newTestTransport(t, Config{})

	// Planted directly: received traffic never stashes outside the window
	rx.stash[40] = NewDataFrame(1, []byte("lost"), true)

	rx.link.feed(dataFrame(1, 0, "f0"))
	require.NoError(t, rx.Poll())

	assert.Equal(t, []string{"f0"}, rx.rx.payloads())
	st := rx.State()
	assert.Equal(t, 0, st.Stashed)
	assert.False(t, st.NackOutstanding)
	assert.Equal(t, uint64(1), rx.Stats().StashDropped)

	sent := acks(rx.link.taken(t))
	require.Len(t, sent, 1)
	assert.False(t, sent[0].IsNack())
	assert.Equal(t, uint8(1), sent[0].Seq)
}

func TestTransport_ReorderingNeverTripsStashGuard(t *testing.T) {
	rx := newTestTransport(t, Config{})
	const total = 600
	block := rx.Config().RxWindowSize - 1

	// Each block arrives in reverse, across several seq wraparounds
	for base := 0; base < total; base += block {
		end := base + block
		if end > total {
			end = total
		}
		for i := end - 1; i >= base; i-- {
			rx.link.feed(dataFrame(1, uint8(i), fmt.Sprintf("m%03d", i)))
			require.NoError(t, rx.Poll())
		}
		require.Equal(t, 0, rx.State().Stashed)
	}

	got := rx.rx.payloads()
	require.Len(t, got, total)
	for i, p := range got {
		require.Equal(t, fmt.Sprintf("m%03d", i), p)
	}
	assert.NotZero(t, rx.Stats().StashRecovered)
	assert.Zero(t, rx.Stats().StashDropped)
}

func TestTransport_WindowBound(t *testing.T) {
	tx := newTestTransport(t, Config{})

	for i := 0; i < 20; i++ {
		require.NoError(t, tx.QueueFrame(2, []byte{byte(i)}, ""))
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, tx.Poll())
	}

	st := tx.State()
	assert.Equal(t, DefaultMaxWindowSize, st.InFlight)
	assert.Equal(t, uint8(DefaultMaxWindowSize), st.SnMax)
	assert.Equal(t, 20, st.Queued)
	assert.Equal(t, []uint8{0, 1, 2, 3, 4, 5, 6, 7}, dataSeqs(tx.link.taken(t)))
}

func TestTransport_CumulativeAck(t *testing.T) {
	tx := newTestTransport(t, Config{})

	for i := 0; i < 20; i++ {
		require.NoError(t, tx.QueueFrame(2, []byte{byte(i)}, ""))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, tx.Poll())
	}
	tx.link.taken(t)

	tx.link.feed(ackFrame(3, 3))
	require.NoError(t, tx.Poll())

	st := tx.State()
	assert.Equal(t, uint8(3), st.SnMin)
	assert.Equal(t, 17, st.Queued)
	// The freed slot is used straight away
	assert.Equal(t, uint8(9), st.SnMax)
	assert.Equal(t, []uint8{8}, dataSeqs(tx.link.taken(t)))
}

func TestTransport_SpuriousAckIgnored(t *testing.T) {
	tx := newTestTransport(t, Config{})

	for i := 0; i < 8; i++ {
		require.NoError(t, tx.QueueFrame(2, []byte{byte(i)}, ""))
		require.NoError(t, tx.Poll())
	}

	tx.link.feed(ackFrame(20, 20))
	require.NoError(t, tx.Poll())

	st := tx.State()
	assert.Equal(t, uint8(0), st.SnMin)
	assert.Equal(t, 8, st.Queued)
	assert.Equal(t, uint64(1), tx.Stats().SpuriousAcks)
}

func TestTransport_RetransmitOldestAfterTimeout(t *testing.T) {
	tx := newTestTransport(t, Config{})

	require.NoError(t, tx.QueueFrame(1, []byte("a"), ""))
	require.NoError(t, tx.QueueFrame(1, []byte("b"), ""))
	require.NoError(t, tx.Poll())
	tx.clock.Advance(time.Millisecond)
	require.NoError(t, tx.Poll())
	assert.Equal(t, []uint8{0, 1}, dataSeqs(tx.link.taken(t)))

	// Not overdue yet
	tx.clock.Advance(10 * time.Millisecond)
	require.NoError(t, tx.Poll())
	assert.Empty(t, dataSeqs(tx.link.taken(t)))

	tx.clock.Advance(50 * time.Millisecond)
	require.NoError(t, tx.Poll())
	sent := tx.link.taken(t)
	assert.Equal(t, []uint8{0}, dataSeqs(sent), "only the most overdue frame per poll")
	assert.Len(t, acks(sent), 1, "periodic ACK")

	require.NoError(t, tx.Poll())
	assert.Equal(t, []uint8{1}, dataSeqs(tx.link.taken(t)))
	assert.Equal(t, uint64(2), tx.Stats().Retransmits)
}

func TestTransport_NackResendsRange(t *testing.T) {
	tx := newTestTransport(t, Config{})

	for i := 0; i < 4; i++ {
		require.NoError(t, tx.QueueFrame(1, []byte{byte(i)}, ""))
		require.NoError(t, tx.Poll())
	}
	tx.link.taken(t)

	// Peer has 0, is missing 1 and 2, holds 3
	tx.link.feed(ackFrame(1, 3))
	require.NoError(t, tx.Poll())

	assert.Equal(t, []uint8{1, 2}, dataSeqs(tx.link.taken(t)))
	st := tx.State()
	assert.Equal(t, uint8(1), st.SnMin)
	assert.Equal(t, 3, st.InFlight)

	stats := tx.Stats()
	assert.Equal(t, uint64(1), stats.NacksReceived)
	assert.Equal(t, uint64(2), stats.Retransmits)
}

func TestTransport_CapacityBackpressure(t *testing.T) {
	tx := newTestTransport(t, Config{})

	for i := 0; i < DefaultTransportFIFOSize; i++ {
		require.NoError(t, tx.QueueFrame(1, []byte{byte(i)}, ""))
	}

	err := tx.QueueFrame(1, []byte("one too many"), "")
	require.ErrorIs(t, err, ErrFIFOFull)
	assert.Equal(t, DefaultTransportFIFOSize, tx.State().Queued)
	assert.Equal(t, uint64(1), tx.Stats().QueueRejections)
}

func TestTransport_QueueValidation(t *testing.T) {
	tx := newTestTransport(t, Config{})

	require.ErrorIs(t, tx.QueueFrame(64, nil, ""), ErrInvalidID)
	require.ErrorIs(t, tx.QueueFrame(1, make([]byte, 256), ""), ErrPayloadTooLarge)
	require.NoError(t, tx.QueueFrame(63, make([]byte, 255), ""))
	assert.Equal(t, 1, tx.State().Queued)
}

func TestTransport_Reset(t *testing.T) {
	tx := newTestTransport(t, Config{})

	for i := 0; i < 3; i++ {
		require.NoError(t, tx.QueueFrame(1, []byte{byte(i)}, ""))
		require.NoError(t, tx.Poll())
	}
	tx.link.feed(dataFrame(1, 2, "stashed"))
	require.NoError(t, tx.Poll())
	tx.link.taken(t)

	require.NoError(t, tx.Reset())

	sent := tx.link.taken(t)
	require.Len(t, sent, 2)
	assert.Equal(t, KindReset, sent[0].Kind)
	assert.Equal(t, KindReset, sent[1].Kind)
	assert.Equal(t, State{}, tx.State())
}

func TestTransport_ResetReceived(t *testing.T) {
	tx := newTestTransport(t, Config{})

	for i := 0; i < 3; i++ {
		require.NoError(t, tx.QueueFrame(1, []byte{byte(i)}, ""))
		require.NoError(t, tx.Poll())
	}
	tx.link.feed(dataFrame(1, 0, "x"))
	require.NoError(t, tx.Poll())
	require.Equal(t, uint8(1), tx.State().Rn)

	tx.link.feed(MustEncodeFrame(newResetFrame()))
	require.NoError(t, tx.Poll())

	assert.Equal(t, State{}, tx.State())
	assert.Equal(t, uint64(1), tx.Stats().ResetsReceived)
}

func TestTransport_UnreliableDelivered(t *testing.T) {
	rx := newTestTransport(t, Config{})

	rx.link.feed(MustEncodeFrame(NewDataFrame(9, []byte("plain"), false)))
	require.NoError(t, rx.Poll())

	require.Equal(t, []string{"plain"}, rx.rx.payloads())
	assert.False(t, rx.rx.frames[0].Reliable)
	assert.Equal(t, uint8(0), rx.State().Rn)
}

func TestTransport_ReservedIDCounted(t *testing.T) {
	rx := newTestTransport(t, Config{})

	reliable := &Frame{Kind: KindData, Reliable: true, ID: 5, idControl: 0xC5, Payload: []byte("r")}
	plain := &Frame{Kind: KindData, ID: 6, idControl: 0x46, Payload: []byte("u")}
	rx.link.feed(append(MustEncodeFrame(reliable), MustEncodeFrame(plain)...))
	rx.link.feed(dataFrame(7, 1, "ok"))
	require.NoError(t, rx.Poll())

	require.Equal(t, []string{"r", "u", "ok"}, rx.rx.payloads())
	assert.Equal(t, uint8(5), rx.rx.frames[0].ID)
	assert.Equal(t, uint8(6), rx.rx.frames[1].ID)
	assert.Equal(t, uint64(2), rx.Stats().ReservedIDs)
	assert.Equal(t, uint8(2), rx.State().Rn)
}

func TestTransport_SendUnreliable(t *testing.T) {
	tx := newTestTransport(t, Config{})

	require.NoError(t, tx.SendUnreliable(3, []byte("now")))
	sent := tx.link.taken(t)
	require.Len(t, sent, 1)
	assert.False(t, sent[0].Reliable)
	assert.Equal(t, uint8(3), sent[0].ID)

	tx.SetLink(nil)
	require.ErrorIs(t, tx.SendUnreliable(3, nil), ErrNoLink)
	require.ErrorIs(t, tx.SendUnreliable(99, nil), ErrInvalidID)
}

func TestTransport_OriginCorrelation(t *testing.T) {
	tx := newTestTransport(t, Config{})

	require.NoError(t, tx.QueueFrame(1, []byte("get temp"), "ws:1"))
	require.NoError(t, tx.Poll())
	tx.link.taken(t)

	// Device acknowledges seq 0 and replies quoting it
	tx.link.feed(ackFrame(1, 1))
	tx.link.feed(dataFrame(1, 0, "0:21.5"))
	tx.link.feed(dataFrame(1, 1, "0:again"))
	require.NoError(t, tx.Poll())

	require.Equal(t, 2, tx.rx.count())
	assert.Equal(t, "ws:1", tx.rx.frames[0].Origin)
	assert.Empty(t, tx.rx.frames[1].Origin, "origin is used once")
}

func TestTransport_HandlerMayQueue(t *testing.T) {
	tx := newTestTransport(t, Config{})
	tx.OnFrameReceived(HandleFrameFunc(func(f *Frame) {
		require.NoError(t, tx.QueueFrame(f.ID, append([]byte("re:"), f.Payload...), ""))
	}))

	tx.link.feed(dataFrame(4, 0, "ping"))
	require.NoError(t, tx.Poll())
	require.NoError(t, tx.Poll())

	sent := tx.link.taken(t)
	var replies []string
	for _, f := range sent {
		if f.Kind == KindData {
			replies = append(replies, string(f.Payload))
		}
	}
	assert.Equal(t, []string{"re:ping"}, replies)
}

func TestTransport_LinkErrors(t *testing.T) {
	tx := newTestTransport(t, Config{})

	tx.link.failReads(io.EOF)
	err := tx.Poll()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF))

	tx.link.failReads(nil)
	tx.link.writeErr = errors.New("unplugged")
	require.NoError(t, tx.QueueFrame(1, nil, ""))
	require.Error(t, tx.Poll())

	tx.SetLink(nil)
	require.NoError(t, tx.Poll())
}

func TestTransport_PeriodicAck(t *testing.T) {
	tx := newTestTransport(t, Config{})

	require.NoError(t, tx.Poll())
	assert.Empty(t, tx.link.taken(t))

	tx.clock.Advance(30 * time.Millisecond)
	require.NoError(t, tx.Poll())
	sent := acks(tx.link.taken(t))
	require.Len(t, sent, 1)
	assert.Equal(t, uint8(0), sent[0].Seq)
}

func TestTransport_ConfigDefaults(t *testing.T) {
	tr := NewTransport(Config{MaxWindowSize: 4})
	cfg := tr.Config()
	assert.Equal(t, 4, cfg.MaxWindowSize)
	assert.Equal(t, DefaultRxWindowSize, cfg.RxWindowSize)
	assert.Equal(t, DefaultTransportFIFOSize, cfg.TransportFIFOSize)
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.RxWindowSize = 200
	require.Error(t, bad.Validate())
}

// runPair exchanges frames between two transports until want frames have
// reached b or the iteration limit is hit
func runPair(t *testing.T, want int, dropAtoB func(n int) bool) (*testTransport, *testTransport) {
	t.Helper()
	a := newTestTransport(t, Config{})
	b := newTestTransport(t, Config{})
	b.clock = a.clock
	b.Transport.now = a.clock.Now

	a.link.peer = b.link
	a.link.drop = dropAtoB
	b.link.peer = a.link

	queued := 0
	for i := 0; i < 50000 && b.rx.count() < want; i++ {
		for queued < want {
			if err := a.QueueFrame(7, []byte(fmt.Sprintf("m%03d", queued)), ""); err != nil {
				require.ErrorIs(t, err, ErrFIFOFull)
				break
			}
			queued++
		}
		require.NoError(t, a.Poll())
		require.NoError(t, b.Poll())
		a.clock.Advance(5 * time.Millisecond)
	}
	return a, b
}

func TestTransport_LosslessWraparound(t *testing.T) {
	const total = 600
	_, b := runPair(t, total, nil)

	got := b.rx.payloads()
	require.Len(t, got, total)
	for i, p := range got {
		require.Equal(t, fmt.Sprintf("m%03d", i), p)
	}
}

func TestTransport_LossyLink(t *testing.T) {
	const total = 300
	a, b := runPair(t, total, func(n int) bool { return n%5 == 3 })

	got := b.rx.payloads()
	require.Len(t, got, total)
	for i, p := range got {
		require.Equal(t, fmt.Sprintf("m%03d", i), p)
	}
	assert.NotZero(t, a.Stats().Retransmits)
	assert.NotZero(t, b.Stats().NacksSent)
	assert.Zero(t, b.Stats().StashDropped)
}
