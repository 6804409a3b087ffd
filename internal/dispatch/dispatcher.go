package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commdispatch/internal/channel"
	"commdispatch/internal/comm"
	"commdispatch/internal/eventbus"
	"commdispatch/internal/storage"
	logx "commdispatch/pkg/logx"
)

// completeTimeout bounds the store write after a send, which runs detached
// from the caller's context so a finished send is still recorded.
const completeTimeout = 10 * time.Second

// DispatchResult counts what one Drain did.
type DispatchResult struct {
	Medium    comm.Medium `json:"medium"`
	Claimed   int         `json:"claimed"`
	Delivered int         `json:"delivered"`
	Failed    int         `json:"failed"`
	Retried   int         `json:"retried"`
	// Released rows went back to pending because the channel was unavailable
	// or the caller cancelled.
	Released int `json:"released"`
	// LeaseLost counts completions rejected because the lease expired and the
	// row was reclaimed or reaped in the meantime.
	LeaseLost int `json:"lease_lost"`
}

func (r *DispatchResult) add(o DispatchResult) {
	r.Claimed += o.Claimed
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.Retried += o.Retried
	r.Released += o.Released
	r.LeaseLost += o.LeaseLost
}

// Dispatcher drains one medium of one communication through a sender.
// Several dispatchers may drain the same medium at once; the claim protocol
// keeps them from ever holding the same recipient.
type Dispatcher struct {
	store  storage.Recipients
	sender channel.Sender
	cfg    Config
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	runID  string
}

func NewDispatcher(store storage.Recipients, sender channel.Sender, cfg Config, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{store: store, sender: sender, cfg: cfg.withDefaults(), bus: bus, log: log, now: time.Now}
}

// Drain claims and sends until nothing is left for (communication, medium).
// Per-recipient failures are recorded in the store, not returned. The error
// is non-nil only for store failures, cancellation or an unavailable channel.
func (d *Dispatcher) Drain(ctx context.Context, communicationID int64, medium comm.Medium) (DispatchResult, error) {
	res := DispatchResult{Medium: medium}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		now := d.now()
		r, err := d.store.ClaimNext(ctx, communicationID, medium, now.Add(-d.cfg.LeaseExpiry), now)
		if err != nil {
			return res, fmt.Errorf("claim %s: %w", medium, err)
		}
		if r == nil {
			return res, nil
		}
		res.Claimed++
		if err := d.deliver(ctx, r, &res); err != nil {
			return res, err
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r *comm.Recipient, res *DispatchResult) error {
	addr := r.Person.Address(r.Medium)
	if addr == "" {
		return d.finish(ctx, r, comm.RecipientFailed, comm.NoteNoAddress, "", res)
	}

	receipt, sendErr := d.sender.Send(ctx, channel.NewMessage(r, addr))
	switch {
	case sendErr == nil:
		return d.finish(ctx, r, comm.RecipientDelivered, "", receipt.ProviderID, res)

	case errors.Is(sendErr, channel.ErrChannelUnavailable), ctx.Err() != nil:
		// Not the recipient's fault: hand the row back and stop this drain.
		res.Released++
		if _, err := d.complete(ctx, r, comm.RecipientPending, ""); err != nil {
			return errors.Join(sendErr, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return sendErr

	case !channel.IsPermanent(sendErr) && r.Attempts < d.cfg.maxAttempts(r.Medium):
		return d.finish(ctx, r, comm.RecipientPending, sendErr.Error(), "", res)

	default:
		return d.finish(ctx, r, comm.RecipientFailed, sendErr.Error(), "", res)
	}
}

func (d *Dispatcher) finish(ctx context.Context, r *comm.Recipient, status comm.RecipientStatus, note, providerID string, res *DispatchResult) error {
	ok, err := d.complete(ctx, r, status, note)
	if err != nil {
		return fmt.Errorf("complete recipient %d: %w", r.ID, err)
	}
	if !ok {
		res.LeaseLost++
		d.log.Warn("lease lost before completion",
			logx.Int64("recipient", r.ID), logx.String("status", string(status)))
		return nil
	}

	ev := RecipientEvent{
		RunID:           d.runID,
		CommunicationID: r.CommunicationID,
		RecipientID:     r.ID,
		Medium:          string(r.Medium),
		Attempt:         r.Attempts,
		Note:            note,
		ProviderID:      providerID,
	}
	switch status {
	case comm.RecipientDelivered:
		res.Delivered++
		d.bus.Publish(eventbus.Event{Type: EventRecipientDelivered, Data: ev})
	case comm.RecipientPending:
		res.Retried++
		d.bus.Publish(eventbus.Event{Type: EventRecipientRetry, Data: ev})
		d.log.Debug("send failed, will retry",
			logx.Int64("recipient", r.ID), logx.Int("attempt", r.Attempts), logx.String("note", note))
	default:
		res.Failed++
		d.bus.Publish(eventbus.Event{Type: EventRecipientFailed, Data: ev})
		d.log.Warn("recipient failed",
			logx.Int64("recipient", r.ID), logx.String("medium", string(r.Medium)), logx.String("note", note))
	}
	return nil
}

func (d *Dispatcher) complete(ctx context.Context, r *comm.Recipient, status comm.RecipientStatus, note string) (bool, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	return d.store.CompleteRecipient(cctx, storage.Completion{
		RecipientID: r.ID,
		Version:     r.Version,
		Status:      status,
		Note:        note,
		At:          d.now(),
	})
}
