package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"commdispatch/internal/channel"
	"commdispatch/internal/comm"
	"commdispatch/internal/eventbus"
	"commdispatch/internal/segment"
	"commdispatch/internal/storage"
	logx "commdispatch/pkg/logx"
)

var (
	// ErrNotApproved is reported in Result.SkipReason, never returned.
	ErrNotApproved = errors.New("communication not approved")
	// ErrInvalidCompletion rejects completions to a status other than
	// delivered, failed or pending.
	ErrInvalidCompletion = errors.New("invalid completion status")
)

// Result describes one orchestrator pass.
type Result struct {
	RunID           string             `json:"run_id"`
	CommunicationID int64              `json:"communication_id"`
	Skipped         bool               `json:"skipped"`
	SkipReason      string             `json:"skip_reason,omitempty"`
	Reconciled      ReconcileResult    `json:"reconciled"`
	Duplicates      int64              `json:"duplicates"`
	AliasDuplicates int64              `json:"alias_duplicates"`
	Reaped          storage.ReapResult `json:"reaped"`
	Mediums         []DispatchResult   `json:"mediums"`
	Completed       bool               `json:"completed"`
	SentAt          *time.Time         `json:"sent_at,omitempty"`
}

// Engine is the send orchestrator. It is safe for concurrent use, including
// from several processes sharing one store.
type Engine struct {
	store   storage.Store
	senders *channel.Registry
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	reconciler *Reconciler
	dedup      *DuplicateResolver
	reaper     *Reaper

	mu  sync.RWMutex
	cfg Config
}

// Options configure optional engine collaborators.
type Options struct {
	Bus      eventbus.Bus
	Segments *segment.Evaluator
	Log      logx.Logger
	Now      func() time.Time
}

func New(store storage.Store, senders *channel.Registry, cfg Config, opt Options) (*Engine, error) {
	if store == nil {
		return nil, storage.ErrDisabled
	}
	if senders == nil {
		senders = channel.NewRegistry()
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opt.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	seg := opt.Segments
	if seg == nil {
		var err error
		if seg, err = segment.NewEvaluator(); err != nil {
			return nil, err
		}
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:      store,
		senders:    senders,
		bus:        bus,
		log:        log,
		now:        now,
		reconciler: NewReconciler(store, seg, log.With(logx.String("comp", "reconcile"))),
		dedup:      NewDuplicateResolver(store),
		reaper:     NewReaper(store, log.With(logx.String("comp", "reaper"))),
		cfg:        cfg.withDefaults(),
	}, nil
}

// Apply swaps the engine config. Passes already running keep the old one.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Send runs one pass with mediums drained one after another. The first
// failing medium aborts the pass; the communication then stays unsent and a
// later pass picks up where this one stopped.
func (e *Engine) Send(ctx context.Context, communicationID int64) (Result, error) {
	return e.run(ctx, communicationID, false)
}

// SendAsync runs one pass with every medium drained concurrently. Channel
// failures are joined into one error after all mediums finish, and the
// completion check still runs.
func (e *Engine) SendAsync(ctx context.Context, communicationID int64) (Result, error) {
	return e.run(ctx, communicationID, true)
}

func (e *Engine) run(ctx context.Context, communicationID int64, concurrent bool) (Result, error) {
	cfg := e.Config()
	res := Result{RunID: uuid.NewString(), CommunicationID: communicationID}
	log := e.log.With(logx.Int64("communication", communicationID), logx.String("run", res.RunID))

	c, err := e.store.GetCommunication(ctx, communicationID)
	if err != nil {
		return res, err
	}
	if c.Status != comm.StatusApproved {
		res.Skipped = true
		res.SkipReason = fmt.Sprintf("%v: status %s", ErrNotApproved, c.Status)
		log.Debug("send skipped", logx.String("status", string(c.Status)))
		return res, nil
	}

	if !c.Started() {
		if err := e.prepare(ctx, c, &res); err != nil {
			log.Error("prepare failed", logx.Err(err))
			return res, err
		}
	}

	reaped, err := e.reaper.Reap(ctx, c.ID, cfg, e.now())
	if err != nil {
		return res, fmt.Errorf("reap: %w", err)
	}
	res.Reaped = reaped

	mediums, err := e.store.RecipientMediums(ctx, c.ID)
	if err != nil {
		return res, fmt.Errorf("recipient mediums: %w", err)
	}

	var drainErr error
	if concurrent {
		res.Mediums, drainErr = e.drainConcurrent(ctx, c.ID, mediums, cfg, res.RunID)
	} else {
		res.Mediums, drainErr = e.drainSequential(ctx, c.ID, mediums, cfg, res.RunID)
		if drainErr != nil {
			log.Warn("send aborted", logx.Err(drainErr))
			return res, drainErr
		}
	}

	if err := e.finalize(ctx, c.ID, cfg, &res); err != nil {
		return res, errors.Join(drainErr, err)
	}
	if drainErr != nil {
		log.Warn("send finished with channel errors", logx.Err(drainErr))
	} else {
		log.Info("send pass done", logx.Bool("completed", res.Completed), logx.Int("mediums", len(res.Mediums)))
	}
	return res, drainErr
}

// prepare reconciles membership and removes duplicates before any send.
func (e *Engine) prepare(ctx context.Context, c *comm.Communication, res *Result) error {
	rec, err := e.reconciler.Reconcile(ctx, c)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	res.Reconciled = rec
	if c.HasMembershipSource() {
		e.bus.Publish(eventbus.Event{Type: EventCommunicationReconciled, Data: CommunicationEvent{
			RunID: res.RunID, CommunicationID: c.ID, Added: rec.Added, Removed: rec.Removed,
		}})
	}
	if res.Duplicates, err = e.dedup.RemoveDuplicates(ctx, c); err != nil {
		return err
	}
	if res.AliasDuplicates, err = e.dedup.RemoveAliasDuplicates(ctx, c); err != nil {
		return err
	}
	return nil
}

func (e *Engine) dispatcher(medium comm.Medium, cfg Config, runID string) (*Dispatcher, error) {
	sender, err := e.senders.Sender(medium)
	if err != nil {
		return nil, err
	}
	d := NewDispatcher(e.store, sender, cfg, e.bus, e.log.With(logx.String("comp", "dispatch"), logx.String("medium", string(medium))))
	d.now = e.now
	d.runID = runID
	return d, nil
}

func (e *Engine) drainSequential(ctx context.Context, id int64, mediums []comm.Medium, cfg Config, runID string) ([]DispatchResult, error) {
	out := make([]DispatchResult, 0, len(mediums))
	for _, m := range mediums {
		d, err := e.dispatcher(m, cfg, runID)
		if err != nil {
			return out, err
		}
		r, err := d.Drain(ctx, id, m)
		out = append(out, r)
		if err != nil {
			return out, fmt.Errorf("%s: %w", m, err)
		}
	}
	return out, nil
}

func (e *Engine) drainConcurrent(ctx context.Context, id int64, mediums []comm.Medium, cfg Config, runID string) ([]DispatchResult, error) {
	out := make([]DispatchResult, len(mediums))
	errs := make([]error, len(mediums))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i, m := range mediums {
		out[i].Medium = m
		d, err := e.dispatcher(m, cfg, runID)
		if err != nil {
			errs[i] = err
			continue
		}
		for w := 0; w < cfg.DrainWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := d.Drain(ctx, id, m)
				mu.Lock()
				out[i].add(r)
				if err != nil {
					errs[i] = errors.Join(errs[i], fmt.Errorf("%s: %w", m, err))
				}
				mu.Unlock()
			}()
		}
	}
	wg.Wait()
	return out, errors.Join(errs...)
}

// finalize reaps once more and stamps SentAt when nothing is left pending or
// in flight. SentAt is only ever set once.
func (e *Engine) finalize(ctx context.Context, id int64, cfg Config, res *Result) error {
	reaped, err := e.reaper.Reap(ctx, id, cfg, e.now())
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	res.Reaped.Failed += reaped.Failed
	res.Reaped.Reverted += reaped.Reverted

	left, err := e.store.UnresolvedCount(ctx, id)
	if err != nil {
		return fmt.Errorf("unresolved count: %w", err)
	}
	if left > 0 {
		return nil
	}
	at := e.now()
	set, err := e.store.MarkCommunicationSent(ctx, id, at)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	res.Completed = true
	if set {
		res.SentAt = &at
		e.bus.Publish(eventbus.Event{Type: EventCommunicationSent, Data: CommunicationEvent{RunID: res.RunID, CommunicationID: id}})
	}
	return nil
}

// ClaimNext claims one recipient for a custom dispatcher. The caller must
// finish it with Complete before the lease expires.
func (e *Engine) ClaimNext(ctx context.Context, communicationID int64, medium comm.Medium) (*comm.Recipient, error) {
	cfg := e.Config()
	now := e.now()
	return e.store.ClaimNext(ctx, communicationID, medium, now.Add(-cfg.LeaseExpiry), now)
}

// Complete finishes a claim taken with ClaimNext. It reports false when the
// lease was lost.
func (e *Engine) Complete(ctx context.Context, r *comm.Recipient, status comm.RecipientStatus, note string) (bool, error) {
	if status != comm.RecipientDelivered && status != comm.RecipientFailed && status != comm.RecipientPending {
		return false, fmt.Errorf("%w %q", ErrInvalidCompletion, status)
	}
	return e.store.CompleteRecipient(ctx, storage.Completion{
		RecipientID: r.ID,
		Version:     r.Version,
		Status:      status,
		Note:        note,
		At:          e.now(),
	})
}

// HasPendingRecipients reports whether any recipient is still pending.
func (e *Engine) HasPendingRecipients(ctx context.Context, communicationID int64) (bool, error) {
	return e.store.HasPendingRecipients(ctx, communicationID)
}

// ReapStaleLeases runs the stale lease sweeps on their own.
func (e *Engine) ReapStaleLeases(ctx context.Context, communicationID int64) (storage.ReapResult, error) {
	res, err := e.reaper.Reap(ctx, communicationID, e.Config(), e.now())
	if err != nil {
		return res, err
	}
	if res.Failed > 0 || res.Reverted > 0 {
		e.bus.Publish(eventbus.Event{Type: EventLeasesReaped, Data: CommunicationEvent{
			CommunicationID: communicationID, Failed: res.Failed, Reverted: res.Reverted,
		}})
	}
	return res, nil
}

// Status is a read-only view of a communication's progress.
type Status struct {
	Communication *comm.Communication            `json:"communication"`
	Counts        map[comm.RecipientStatus]int64 `json:"counts"`
	HasPending    bool                           `json:"has_pending"`
}

func (e *Engine) Status(ctx context.Context, communicationID int64) (Status, error) {
	c, err := e.store.GetCommunication(ctx, communicationID)
	if err != nil {
		return Status{}, err
	}
	counts, err := e.store.RecipientCounts(ctx, communicationID)
	if err != nil {
		return Status{}, err
	}
	return Status{Communication: c, Counts: counts, HasPending: counts[comm.RecipientPending] > 0}, nil
}
