// Package channel holds the per-medium senders the dispatcher hands claimed
// recipients to, plus wrappers that add rate limiting and circuit breaking.
//
// A Sender delivers one message to one address. It never touches the
// recipient store; the dispatcher records the outcome.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"commdispatch/internal/comm"
)

var (
	// ErrChannelUnavailable means the sender refused the call without trying
	// (breaker open, sender closed). The claimed recipient should be released.
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrNoSender           = errors.New("no sender for medium")
)

// Message is one outbound delivery.
type Message struct {
	RecipientID     int64
	CommunicationID int64
	Medium          comm.Medium
	Address         string
	Name            string
	From            string
	Subject         string
	Body            string
	Attachments     []string
	Attempt         int
}

// NewMessage builds the outbound message for a claimed recipient.
func NewMessage(r *comm.Recipient, address string) Message {
	m := Message{
		RecipientID:     r.ID,
		CommunicationID: r.CommunicationID,
		Medium:          r.Medium,
		Address:         address,
		Attempt:         r.Attempts,
	}
	if r.Person != nil {
		m.Name = r.Person.FullName()
	}
	if c := r.Communication; c != nil {
		m.From = c.FromAddress
		m.Subject = c.Subject
		m.Body = c.Body
		m.Attachments = append([]string(nil), c.Attachments...)
	}
	return m
}

// Receipt is what a sender reports back on success.
type Receipt struct {
	// ProviderID is the downstream identifier (stream entry id, message id).
	ProviderID string
	At         time.Time
}

type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) { return f(ctx, msg) }

// Registry maps mediums to senders. It is safe for concurrent use and may be
// swapped at runtime on config reload.
type Registry struct {
	mu      sync.RWMutex
	senders map[comm.Medium]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: map[comm.Medium]Sender{}}
}

func (r *Registry) Register(m comm.Medium, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s == nil {
		delete(r.senders, m)
		return
	}
	r.senders[m] = s
}

// Sender returns the sender for m or ErrNoSender.
func (r *Registry) Sender(m comm.Medium) (Sender, error) {
	r.mu.RLock()
	s, ok := r.senders[m]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, m)
	}
	return s, nil
}

// Replace swaps the whole table.
func (r *Registry) Replace(senders map[comm.Medium]Sender) {
	next := make(map[comm.Medium]Sender, len(senders))
	for m, s := range senders {
		if s != nil {
			next[m] = s
		}
	}
	r.mu.Lock()
	r.senders = next
	r.mu.Unlock()
}

func (r *Registry) Mediums() []comm.Medium {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]comm.Medium, 0, len(r.senders))
	for _, m := range comm.Mediums {
		if _, ok := r.senders[m]; ok {
			out = append(out, m)
		}
	}
	return out
}
