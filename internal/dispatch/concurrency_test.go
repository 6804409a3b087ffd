package dispatch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commdispatch/internal/comm"
)

func TestConcurrentPassesSendOncePerPerson(t *testing.T) {
	f := newFixture(t, Config{DrainWorkers: 3})
	email := &recordingSender{}
	f.senders.Register(comm.MediumEmail, email)
	const people = 25
	for i := 0; i < people; i++ {
		f.join(f.person(fmt.Sprintf("p%02d@x.com", i)), nil, "")
	}
	cm := f.communication()
	rec := newReconcilerFor(t, f)

	engines := []*Engine{f.engine}
	for i := 0; i < 2; i++ {
		e, err := New(f.store, f.senders, Config{DrainWorkers: 2}, Options{Bus: f.bus, Now: f.clock.Now})
		require.NoError(t, err)
		engines = append(engines, e)
	}

	const passes = 18
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			e := engines[i%len(engines)]
			var err error
			switch i % 3 {
			case 0:
				_, err = e.Send(f.ctx, cm.ID)
			case 1:
				_, err = e.SendAsync(f.ctx, cm.ID)
			default:
				_, err = rec.Reconcile(f.ctx, cm)
			}
			assert.NoError(t, err)
		}(i)
	}
	close(start)
	wg.Wait()

	res, err := f.engine.Send(f.ctx, cm.ID)
	require.NoError(t, err)
	assert.True(t, res.Completed)

	refs, err := f.store.ListRecipientRefs(f.ctx, cm.ID)
	require.NoError(t, err)
	assert.Len(t, refs, people)
	rows := map[int64]int{}
	for _, r := range refs {
		rows[r.PersonID]++
	}
	for pid, n := range rows {
		assert.Equal(t, 1, n, "person %d has %d email rows", pid, n)
	}

	sent := map[string]int{}
	for _, a := range email.addresses() {
		sent[a]++
	}
	assert.Len(t, sent, people)
	for addr, n := range sent {
		assert.Equal(t, 1, n, "%s sent %d times", addr, n)
	}
	assert.Equal(t, int64(people), f.counts(cm.ID)[comm.RecipientDelivered])
}

func TestConcurrentReconcilesInsertOneRowEach(t *testing.T) {
	f := newFixture(t, Config{})
	const people = 10
	for i := 0; i < people; i++ {
		f.join(f.person(fmt.Sprintf("r%02d@x.com", i)), nil, "")
	}
	cm := f.communication()
	rec := newReconcilerFor(t, f)

	const workers = 8
	added := make([]int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			res, err := rec.Reconcile(f.ctx, cm)
			assert.NoError(t, err)
			added[w] = res.Added
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range added {
		total += n
	}
	assert.Equal(t, people, total, "each row is inserted by exactly one pass")
	assert.Len(t, f.recipients(cm.ID), people)
	assert.Equal(t, int64(people), f.counts(cm.ID)[comm.RecipientPending])
}
