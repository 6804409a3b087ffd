package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"commdispatch/internal/channel"
	"commdispatch/internal/comm"
	"commdispatch/internal/eventbus"
	"commdispatch/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSender answers with fn (nil means success) and remembers addresses.
type recordingSender struct {
	mu    sync.Mutex
	to    []string
	calls atomic.Int32
	fn    func(channel.Message) error
}

func (s *recordingSender) Send(_ context.Context, msg channel.Message) (channel.Receipt, error) {
	s.calls.Add(1)
	if s.fn != nil {
		if err := s.fn(msg); err != nil {
			return channel.Receipt{}, err
		}
	}
	s.mu.Lock()
	s.to = append(s.to, msg.Address)
	s.mu.Unlock()
	return channel.Receipt{ProviderID: "ok"}, nil
}

func (s *recordingSender) addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.to...)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   storage.Store
	senders *channel.Registry
	bus     eventbus.Bus
	clock   *clock
	engine  *Engine
	group   int64
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   storage.NewMemory(),
		senders: channel.NewRegistry(),
		bus:     eventbus.New(),
		clock:   newClock(),
		group:   42,
	}
	e, err := New(f.store, f.senders, cfg, Options{Bus: f.bus, Now: f.clock.Now})
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) person(email string, mods ...func(*comm.Person)) *comm.Person {
	f.t.Helper()
	p := &comm.Person{FirstName: "P", LastName: email, Email: email}
	for _, m := range mods {
		m(p)
	}
	require.NoError(f.t, f.store.CreatePerson(f.ctx, p, true))
	return p
}

func (f *fixture) join(p *comm.Person, joinedAt *time.Time, pref comm.MediumPreference) {
	f.t.Helper()
	require.NoError(f.t, f.store.AddGroupMember(f.ctx, f.group, p.ID, joinedAt, pref))
}

func (f *fixture) communication(mods ...func(*comm.Communication)) *comm.Communication {
	f.t.Helper()
	g := f.group
	c := &comm.Communication{
		Name:         "newsletter",
		Subject:      "News",
		Body:         "Hello",
		Status:       comm.StatusApproved,
		MediumPolicy: comm.PrefEmail,
		ListGroupID:  &g,
	}
	for _, m := range mods {
		m(c)
	}
	_, err := f.store.CreateCommunication(f.ctx, c)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) reload(id int64) *comm.Communication {
	f.t.Helper()
	c, err := f.store.GetCommunication(f.ctx, id)
	require.NoError(f.t, err)
	return c
}

// recipients returns person id -> medium for a communication.
func (f *fixture) recipients(id int64) map[int64]comm.Medium {
	f.t.Helper()
	refs, err := f.store.ListRecipientRefs(f.ctx, id)
	require.NoError(f.t, err)
	out := make(map[int64]comm.Medium, len(refs))
	for _, r := range refs {
		out[r.PersonID] = r.Medium
	}
	return out
}

func (f *fixture) counts(id int64) map[comm.RecipientStatus]int64 {
	f.t.Helper()
	c, err := f.store.RecipientCounts(f.ctx, id)
	require.NoError(f.t, err)
	return c
}

func withoutGroup(c *comm.Communication) { c.ListGroupID = nil }
