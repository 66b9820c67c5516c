// Package chat routes text messages and system notifications over each
// participant's control-plane wire. Delivery to one recipient never blocks
// delivery to the others: every enqueue is bounded by a timer, and a wire
// that cannot absorb a line within the bound is declared dead.
package chat

import (
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/clock"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/rs/zerolog"
)

const defaultDeliverTimeout = time.Second

type Router struct {
	logger  zerolog.Logger
	mx      *sync.Mutex
	wires   map[uint32]model.Wire
	history []model.ChatMessage
	seq     uint64
	timeout time.Duration
	onDead  func(id uint32)
}

type Config struct {
	Logger         *zerolog.Logger
	DeliverTimeout time.Duration
	// OnDead is invoked (on its own goroutine) when a recipient's wire stays
	// full past the delivery bound. It must tolerate repeated calls.
	OnDead func(id uint32)
}

func NewRouter(cfg Config) *Router {
	timeout := cfg.DeliverTimeout
	if timeout == 0 {
		timeout = defaultDeliverTimeout
	}
	return &Router{
		logger:  cfg.Logger.With().Str("component", "chat-router").Logger(),
		mx:      &sync.Mutex{},
		wires:   make(map[uint32]model.Wire),
		timeout: timeout,
		onDead:  cfg.OnDead,
	}
}

// Attach registers a participant's wire for delivery.
func (r *Router) Attach(id uint32, wire model.Wire) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.wires[id] = wire
}

// Detach removes the wire and releases its writer pump. Idempotent.
func (r *Router) Detach(id uint32) {
	r.mx.Lock()
	defer r.mx.Unlock()
	wire, ok := r.wires[id]
	if !ok {
		return
	}
	delete(r.wires, id)
	close(wire.Done)
}

func (r *Router) snapshot() map[uint32]model.Wire {
	r.mx.Lock()
	defer r.mx.Unlock()
	wires := make(map[uint32]model.Wire, len(r.wires))
	for id, w := range r.wires {
		wires[id] = w
	}
	return wires
}

func (r *Router) deliver(id uint32, wire model.Wire, line string) bool {
	tCh := time.NewTimer(r.timeout)
	defer tCh.Stop()
	select {
	case wire.TX <- line:
		return true
	case <-wire.Done:
	case <-tCh.C:
		r.logger.Error().Uint32("id", id).Msg("dead endpoint")
		if r.onDead != nil {
			go r.onDead(id)
		}
	}
	return false
}

// BroadcastLine sends one already-formatted line to every attached wire.
func (r *Router) BroadcastLine(line string) {
	for id, wire := range r.snapshot() {
		r.deliver(id, wire, line)
	}
}

// SendLine sends one already-formatted line to a single participant.
func (r *Router) SendLine(id uint32, line string) bool {
	r.mx.Lock()
	wire, ok := r.wires[id]
	r.mx.Unlock()
	if !ok {
		return false
	}
	return r.deliver(id, wire, line)
}

// BroadcastGroup delivers a group message to all participants, the sender
// included (the echo confirms the send), and appends it to the history.
func (r *Router) BroadcastGroup(senderID uint32, senderName, body string) model.ChatMessage {
	msg := model.ChatMessage{
		Kind:       model.ChatGroup,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		Stamp:      clock.Stamp(),
	}
	r.mx.Lock()
	r.seq++
	msg.Seq = r.seq
	r.history = append(r.history, msg)
	r.mx.Unlock()

	r.BroadcastLine(protocol.FormatChat(msg))
	return msg
}

// SendPrivate delivers a private message to the resolved recipients and
// copies the sender.
func (r *Router) SendPrivate(senderID uint32, senderName string, recipients []uint32, recipientNames, body string) model.ChatMessage {
	msg := model.ChatMessage{
		Kind:       model.ChatPrivate,
		SenderID:   senderID,
		SenderName: senderName,
		Recipients: recipients,
		Body:       body,
		Stamp:      clock.Stamp(),
	}
	r.mx.Lock()
	r.seq++
	msg.Seq = r.seq
	r.mx.Unlock()

	line := protocol.FormatPrivate(msg, recipientNames)
	seen := map[uint32]struct{}{senderID: {}}
	r.SendLine(senderID, line)
	for _, id := range recipients {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		r.SendLine(id, line)
	}
	return msg
}

// EmitSystem broadcasts a SYSTEM line to all participants.
func (r *Router) EmitSystem(body string) {
	r.mx.Lock()
	r.seq++
	r.mx.Unlock()
	r.BroadcastLine(protocol.FormatSystem(body))
}

// SendHistory streams the full chat history to one participant, bracketed by
// the HISTORY_BEGIN / HISTORY_END markers.
func (r *Router) SendHistory(id uint32) {
	r.mx.Lock()
	history := make([]model.ChatMessage, len(r.history))
	copy(history, r.history)
	r.mx.Unlock()

	if !r.SendLine(id, protocol.MsgHistoryBegin) {
		return
	}
	for _, msg := range history {
		if !r.SendLine(id, protocol.FormatChat(msg)) {
			return
		}
	}
	r.SendLine(id, protocol.MsgHistoryEnd)
}

// HistoryLen reports the number of retained messages.
func (r *Router) HistoryLen() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.history)
}
