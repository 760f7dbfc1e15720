package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "loom/shared/contracts/docsync/v1"
)

// State is the lifecycle position of a Participant.
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Sink accepts outbound envelopes for one connection. Enqueue must not block.
type Sink interface {
	Enqueue(env v1.Envelope) bool
}

// Outbox is where fan-out delivers envelopes for one subscriber.
type Outbox interface {
	Deliver(env v1.Envelope)
}

// Participant is one connection joined to one document room.
//
// Only the owning Session mutates it, except for state which is read by
// other goroutines for diagnostics.
type Participant struct {
	ConnectionID string
	UserID       string
	DocumentID   string

	state atomic.Int32
	out   Outbox
	room  *Room

	// Highest client sequence acknowledged, and the versions produced by
	// the most recent ones, oldest first.
	ackedSeq int64
	acks     []seqAck

	authorizedAt time.Time
}

func newParticipant(connectionID, userID, documentID string, out Outbox) *Participant {
	return &Participant{
		ConnectionID: connectionID,
		UserID:       userID,
		DocumentID:   documentID,
		out:          out,
	}
}

// State returns the lifecycle state.
func (p *Participant) State() State { return State(p.state.Load()) }

func (p *Participant) setState(s State) { p.state.Store(int32(s)) }

// advance moves from one state to the next unless someone else moved it first.
func (p *Participant) advance(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// claimLeave marks p disconnected and reports whether this call did it.
func (p *Participant) claimLeave() bool {
	return State(p.state.Swap(int32(StateDisconnected))) != StateDisconnected
}

// ackWindow bounds how far back a retransmitted client_seq is re-acked.
const ackWindow = 64

type seqAck struct {
	seq     int64
	version int64
}

func (p *Participant) recordAck(seq, version int64) {
	if seq <= p.ackedSeq {
		return
	}
	p.ackedSeq = seq
	if len(p.acks) == ackWindow {
		copy(p.acks, p.acks[1:])
		p.acks = p.acks[:ackWindow-1]
	}
	p.acks = append(p.acks, seqAck{seq: seq, version: version})
}

// ackedVersion returns the version seq produced, if it is still remembered.
func (p *Participant) ackedVersion(seq int64) (int64, bool) {
	for i := len(p.acks) - 1; i >= 0; i-- {
		if p.acks[i].seq == seq {
			return p.acks[i].version, true
		}
	}
	return 0, false
}

// Room returns the room the participant joined, or nil.
func (p *Participant) Room() *Room { return p.room }

// outbox serializes fan-out with a session's own replies. While held,
// deliveries queue up behind the replies of the event being handled.
type outbox struct {
	mu     sync.Mutex
	held   bool
	queue  []v1.Envelope
	sink   Sink
	closed bool
}

func newOutbox(sink Sink) *outbox {
	return &outbox{sink: sink}
}

func (o *outbox) Deliver(env v1.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.held {
		o.queue = append(o.queue, env)
		return
	}
	o.sink.Enqueue(env)
}

func (o *outbox) hold() {
	o.mu.Lock()
	o.held = true
	o.mu.Unlock()
}

// release sends first, then anything delivered while held.
func (o *outbox) release(first []v1.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.held = false
	queued := o.queue
	o.queue = nil
	if o.closed {
		return
	}
	for _, env := range first {
		if !o.sink.Enqueue(env) {
			return
		}
	}
	for _, env := range queued {
		if !o.sink.Enqueue(env) {
			return
		}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
}
