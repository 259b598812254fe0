// Package channel implements the MCPL reliable framed channel: in-order,
// at-least-once delivery of payloads over a message transport, with
// monotonic seq/ack numbering, piggybacked and coalesced bare acks,
// out-of-order reordering, backpressure, and resume across reconnects.
package channel

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// MaxUnacked is the backpressure threshold: once this many outbound frames
// are unacknowledged the channel closes instead of queuing further sends.
const MaxUnacked = 64

// bareAckDelay is how long a bare ack waits for an outbound send to
// piggyback on before it is flushed on its own.
const bareAckDelay = 50 * time.Millisecond

// Transport is the raw bidirectional message seam underneath a channel.
// Implemented by the WebSocket connection wrapper in pkg/delegate.
type Transport interface {
	// Send writes one message to the peer.
	Send(data []byte) error
	// Close terminates the transport with a close code and reason.
	Close(code int, reason string)
}

// Handler consumes in-order MCPL payloads.
type Handler func(payload json.RawMessage)

// LegacyHandler consumes unframed (pre-MCPL) messages passed through
// untouched.
type LegacyHandler func(raw []byte)

// State is the resumable snapshot of a channel, persisted on the session
// between physical connections.
type State struct {
	OutSeq       uint64
	InSeq        uint64
	LastAckedSeq uint64
	// Outbound holds unacked frames keyed by seq.
	Outbound map[uint64]protocol.Frame
}

// Clone deep-copies the state so callers cannot alias the live buffer.
func (s State) Clone() State {
	out := make(map[uint64]protocol.Frame, len(s.Outbound))
	for seq, f := range s.Outbound {
		cp := f
		cp.Payload = append(json.RawMessage(nil), f.Payload...)
		out[seq] = cp
	}
	return State{OutSeq: s.OutSeq, InSeq: s.InSeq, LastAckedSeq: s.LastAckedSeq, Outbound: out}
}

// Channel provides reliable delivery over a Transport.
type Channel struct {
	mu            sync.Mutex
	transport     Transport
	handler       Handler
	legacyHandler LegacyHandler

	outSeq       uint64
	inSeq        uint64
	lastAckedSeq uint64

	outbound map[uint64]protocol.Frame
	pending  map[uint64]json.RawMessage

	ackTimer *time.Timer
	closed   bool

	log *slog.Logger
}

// New creates a channel on top of a transport. The consumer's handler must
// be attached (SetHandler) before any inbound traffic or resend, so replies
// to resent frames are not dropped.
func New(t Transport, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		transport: t,
		outbound:  make(map[uint64]protocol.Frame),
		pending:   make(map[uint64]json.RawMessage),
		log:       log,
	}
}

// SetHandler attaches the consumer of in-order payloads.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SetLegacyHandler attaches the consumer of unframed messages.
func (c *Channel) SetLegacyHandler(h LegacyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.legacyHandler = h
}

// Send frames a payload and writes it to the transport. The frame carries
// the latest observed inbound seq as its ack, which suppresses any pending
// bare-ack timer. Exceeding the unacked window closes the channel.
func (c *Channel) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel closed")
	}
	if c.outSeq-c.lastAckedSeq >= MaxUnacked {
		c.closed = true
		t := c.transport
		c.mu.Unlock()
		t.Close(protocol.CloseBackpressure, "reliable channel backpressure: peer not acking")
		return fmt.Errorf("backpressure: %d unacked frames", MaxUnacked)
	}

	c.outSeq++
	frame := protocol.Frame{Seq: c.outSeq, Ack: c.inSeq, Payload: data}
	c.outbound[frame.Seq] = frame
	c.cancelAckTimerLocked()
	t := c.transport
	c.mu.Unlock()

	wire, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	return t.Send(wire)
}

// HandleRaw is the inbound entry point, called by the transport read loop
// for every received message. Malformed JSON is swallowed at this seam;
// non-frame objects pass through as legacy messages.
func (c *Channel) HandleRaw(raw []byte) {
	if !protocol.IsFrame(raw) {
		if json.Valid(raw) {
			c.mu.Lock()
			h := c.legacyHandler
			c.mu.Unlock()
			if h != nil {
				h(raw)
			}
		}
		return
	}

	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	c.handleFrame(frame)
}

func (c *Channel) handleFrame(frame protocol.Frame) {
	c.mu.Lock()

	// Every frame advances our view of what the peer has received.
	if frame.Ack > c.lastAckedSeq {
		for seq := c.lastAckedSeq + 1; seq <= frame.Ack; seq++ {
			delete(c.outbound, seq)
		}
		c.lastAckedSeq = frame.Ack
	}

	if frame.IsBareAck() {
		c.mu.Unlock()
		return
	}

	// Duplicate of something already delivered.
	if frame.Seq <= c.inSeq {
		c.mu.Unlock()
		return
	}

	// Out of order: park until the predecessors arrive.
	if frame.Seq > c.inSeq+1 {
		c.pending[frame.Seq] = frame.Payload
		c.mu.Unlock()
		return
	}

	// In order: deliver, then drain the pending map while the successor is
	// present. Deliveries happen outside the lock.
	deliveries := []json.RawMessage{frame.Payload}
	c.inSeq = frame.Seq
	for {
		next, ok := c.pending[c.inSeq+1]
		if !ok {
			break
		}
		delete(c.pending, c.inSeq+1)
		c.inSeq++
		deliveries = append(deliveries, next)
	}
	c.scheduleBareAckLocked()
	h := c.handler
	c.mu.Unlock()

	if h == nil {
		c.log.Warn("Reliable channel delivered frames with no handler attached",
			"count", len(deliveries))
		return
	}
	for _, payload := range deliveries {
		h(payload)
	}
}

// scheduleBareAckLocked arms the coalescing bare-ack timer. A subsequent
// Send piggybacks the ack and cancels it.
func (c *Channel) scheduleBareAckLocked() {
	if c.ackTimer != nil || c.closed {
		return
	}
	c.ackTimer = time.AfterFunc(bareAckDelay, c.flushBareAck)
}

func (c *Channel) cancelAckTimerLocked() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
}

func (c *Channel) flushBareAck() {
	c.mu.Lock()
	c.ackTimer = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	frame := protocol.Frame{Seq: 0, Ack: c.inSeq}
	t := c.transport
	c.mu.Unlock()

	wire, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := t.Send(wire); err != nil {
		c.log.Debug("Bare ack send failed", "error", err)
	}
}

// State returns a resumable snapshot: counters plus a copy of the
// outbound buffer.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		OutSeq:       c.outSeq,
		InSeq:        c.inSeq,
		LastAckedSeq: c.lastAckedSeq,
		Outbound:     c.outbound,
	}.Clone()
}

// RestoreState installs a prior snapshot on a fresh channel, before any
// traffic flows on the new transport.
func (c *Channel) RestoreState(prev State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	restored := prev.Clone()
	c.outSeq = restored.OutSeq
	c.inSeq = restored.InSeq
	c.lastAckedSeq = restored.LastAckedSeq
	c.outbound = restored.Outbound
}

// ResendBufferedAfter re-sends, in seq order, every buffered frame the
// peer reports not having received. A transport error aborts the loop; the
// peer will request again on its next resume.
func (c *Channel) ResendBufferedAfter(peerLastReceivedSeq uint64) error {
	c.mu.Lock()
	seqs := make([]uint64, 0, len(c.outbound))
	for seq := range c.outbound {
		if seq > peerLastReceivedSeq {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	frames := make([]protocol.Frame, 0, len(seqs))
	for _, seq := range seqs {
		f := c.outbound[seq]
		f.Ack = c.inSeq
		frames = append(frames, f)
	}
	t := c.transport
	c.mu.Unlock()

	for _, f := range frames {
		wire, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshaling frame %d: %w", f.Seq, err)
		}
		if err := t.Send(wire); err != nil {
			return fmt.Errorf("resending frame %d: %w", f.Seq, err)
		}
	}
	return nil
}

// Detach stops timers and marks the channel closed without touching the
// transport. Called when the physical connection drops and the state is
// being stashed on the session.
func (c *Channel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cancelAckTimerLocked()
}
