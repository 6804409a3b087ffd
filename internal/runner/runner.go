// Package runner picks up approved communications that are due and sends
// them in the background.
//
// A cron trigger polls the store; due ids go onto a bounded queue drained by
// a fixed worker pool. An id already queued or running is not queued twice.
package runner

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"commdispatch/internal/dispatch"
	logx "commdispatch/pkg/logx"
)

type Config struct {
	Enabled bool
	// Schedule is a cron spec; seconds are optional ("@every 30s" works too).
	Schedule string
	Timezone string
	Workers  int
	// BatchSize caps how many due communications one poll picks up.
	BatchSize int
	// SendTimeout bounds one send pass; zero means no limit.
	SendTimeout time.Duration
}

const (
	defaultSchedule  = "@every 30s"
	defaultWorkers   = 2
	defaultBatchSize = 100
	queueSize        = 256
)

// Source lists communications ready to send.
type Source interface {
	ListDueCommunications(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

// Sender runs one send pass for a communication.
type Sender interface {
	SendAsync(ctx context.Context, communicationID int64) (dispatch.Result, error)
}

// Stats are best-effort counters for /healthz.
type Stats struct {
	Polls     uint64 `json:"polls"`
	Enqueued  uint64 `json:"enqueued"`
	Skipped   uint64 `json:"skipped"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Running   bool   `json:"running"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	src Source
	snd Sender
	log logx.Logger
	now func() time.Time

	parser cron.Parser
	c      *cron.Cron
	queue  chan int64

	inflightMu sync.Mutex
	inflight   map[int64]bool

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	stopDone  chan struct{}

	polls, enqueued, skipped, completed, failed atomic.Uint64
}

func New(cfg Config, src Source, snd Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		src:      src,
		snd:      snd,
		log:      log,
		now:      time.Now,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		queue:    make(chan int64, queueSize),
		inflight: map[int64]bool{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Validate checks the schedule and timezone without applying them.
func (s *Service) Validate(cfg Config) error {
	if _, err := s.parser.Parse(scheduleOf(cfg)); err != nil {
		return err
	}
	_, err := loadLocation(cfg.Timezone)
	return err
}

// Apply swaps the config. A running service restarts its trigger when the
// schedule or timezone changed; the worker count applies on next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil || s.stopDone != nil {
		return
	}
	if scheduleOf(prev) != scheduleOf(cfg) || prev.Timezone != cfg.Timezone {
		if err := s.restartCronLocked(); err != nil {
			s.log.Error("runner schedule not applied", logx.String("schedule", scheduleOf(cfg)), logx.Err(err))
		}
	}
}

func (s *Service) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if done := s.stopDone; done != nil {
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		break
	}
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if err := s.restartCronLocked(); err != nil {
		s.runCancel()
		s.runCtx, s.runCancel = nil, nil
		return err
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	runCtx := s.runCtx
	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, i)
		}()
	}
	s.log.Info("runner started", logx.String("schedule", scheduleOf(s.cfg)), logx.Int("workers", workers))
	return nil
}

func (s *Service) restartCronLocked() error {
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	runCtx := s.runCtx
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(scheduleOf(s.cfg), func() { _, _ = s.PollNow(runCtx) }); err != nil {
		return err
	}
	if s.c != nil {
		s.c.Stop()
	}
	s.c = c
	c.Start()
	return nil
}

// Stop halts the trigger, cancels running sends and waits for the workers
// until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	c, cancel := s.c, s.runCancel
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.c, s.runCtx, s.runCancel, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
		s.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// PollNow lists due communications and queues the ones not already in
// flight. It returns how many were queued.
func (s *Service) PollNow(ctx context.Context) (int, error) {
	s.polls.Add(1)
	s.mu.Lock()
	limit := s.cfg.BatchSize
	s.mu.Unlock()
	if limit <= 0 {
		limit = defaultBatchSize
	}

	ids, err := s.src.ListDueCommunications(ctx, s.now(), limit)
	if err != nil {
		s.log.Error("list due communications failed", logx.Err(err))
		return 0, err
	}
	queued := 0
	for _, id := range ids {
		if !s.claim(id) {
			s.skipped.Add(1)
			continue
		}
		select {
		case s.queue <- id:
			queued++
			s.enqueued.Add(1)
		case <-ctx.Done():
			s.release(id)
			return queued, ctx.Err()
		default:
			// Queue full; the next poll picks it up again.
			s.release(id)
			s.skipped.Add(1)
		}
	}
	if queued > 0 {
		s.log.Debug("due communications queued", logx.Int("queued", queued), logx.Int("due", len(ids)))
	}
	return queued, nil
}

func (s *Service) claim(id int64) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Service) release(id int64) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

func (s *Service) worker(ctx context.Context, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.run(ctx, idx, id)
		}
	}
}

func (s *Service) run(ctx context.Context, idx int, id int64) {
	defer s.release(id)
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.log.Error("panic in runner worker", logx.Int("worker", idx), logx.Int64("communication", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := s.snd.SendAsync(ctx, id)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("scheduled send failed", logx.Int64("communication", id), logx.String("run", res.RunID), logx.Err(err))
		return
	}
	s.completed.Add(1)
	if !res.Skipped {
		s.log.Info("scheduled send done", logx.Int64("communication", id), logx.String("run", res.RunID), logx.Bool("completed", res.Completed))
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()
	return Stats{
		Polls:     s.polls.Load(),
		Enqueued:  s.enqueued.Load(),
		Skipped:   s.skipped.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Running:   running,
	}
}

func scheduleOf(cfg Config) string {
	if v := strings.TrimSpace(cfg.Schedule); v != "" {
		return v
	}
	return defaultSchedule
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
