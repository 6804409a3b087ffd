package storage

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commdispatch/internal/comm"
)

// runStoreSuite exercises the Store contract. Every driver runs the same
// cases; each case builds its own communication so a shared database is fine.
func runStoreSuite(t *testing.T, st Store) {
	t.Run("ClaimOrderAndMaterialize", func(t *testing.T) { testClaimOrder(t, st) })
	t.Run("ConcurrentClaimsNeverOverlap", func(t *testing.T) { testConcurrentClaims(t, st) })
	t.Run("CompleteRequiresLeaseVersion", func(t *testing.T) { testCompleteVersion(t, st) })
	t.Run("StaleLeaseIsReclaimable", func(t *testing.T) { testStaleReclaim(t, st) })
	t.Run("ReapFailsAndReverts", func(t *testing.T) { testReap(t, st) })
	t.Run("DuplicateAddresses", func(t *testing.T) { testDedupAddress(t, st) })
	t.Run("NonPrimaryAliases", func(t *testing.T) { testDedupAlias(t, st) })
	t.Run("InsertSkipsExistingRows", func(t *testing.T) { testInsertIdempotent(t, st) })
	t.Run("ConcurrentInsertsKeepOneRow", func(t *testing.T) { testConcurrentInserts(t, st) })
	t.Run("DuplicateAddressesKeepClaimedRows", func(t *testing.T) { testDedupAddressClaimed(t, st) })
	t.Run("NonPrimaryAliasesKeepClaimedRows", func(t *testing.T) { testDedupAliasClaimed(t, st) })
	t.Run("MarkSentOnce", func(t *testing.T) { testMarkSent(t, st) })
	t.Run("DueCommunications", func(t *testing.T) { testDue(t, st) })
	t.Run("Directory", func(t *testing.T) { testDirectory(t, st) })
}

// base is a millisecond-aligned clock origin so every driver round-trips it.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newComm(t *testing.T, st Store) int64 {
	t.Helper()
	id, err := st.CreateCommunication(context.Background(), &comm.Communication{
		Name:         "test",
		Subject:      "hello",
		Status:       comm.StatusApproved,
		MediumPolicy: comm.PrefEmail,
	})
	require.NoError(t, err)
	return id
}

func newPerson(t *testing.T, st Store, email string, phones ...comm.Phone) *comm.Person {
	t.Helper()
	p := &comm.Person{FirstName: "Ann", LastName: "Lee", Email: email, Phones: phones}
	require.NoError(t, st.CreatePerson(context.Background(), p, true))
	require.NotZero(t, p.PrimaryAliasID)
	return p
}

func addRecipients(t *testing.T, st Store, commID int64, m comm.Medium, aliases ...int64) {
	t.Helper()
	rows := make([]comm.NewRecipient, 0, len(aliases))
	for _, a := range aliases {
		rows = append(rows, comm.NewRecipient{CommunicationID: commID, PersonAliasID: a, Medium: m})
	}
	n, err := st.InsertRecipients(context.Background(), rows)
	require.NoError(t, err)
	require.Equal(t, int64(len(aliases)), n)
}

func refs(t *testing.T, st Store, commID int64) []comm.RecipientRef {
	t.Helper()
	out, err := st.ListRecipientRefs(context.Background(), commID)
	require.NoError(t, err)
	return out
}

func testClaimOrder(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	a := newPerson(t, st, "a@example.com")
	b := newPerson(t, st, "b@example.com")
	addRecipients(t, st, id, comm.MediumEmail, a.PrimaryAliasID, b.PrimaryAliasID)

	r, err := st.ClaimNext(ctx, id, comm.MediumEmail, base.Add(-time.Minute), base)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, a.ID, r.PersonID)
	assert.Equal(t, comm.RecipientSending, r.Status)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, int64(1), r.Version)
	require.NotNil(t, r.FirstAttemptAt)
	assert.True(t, r.FirstAttemptAt.Equal(base))
	require.NotNil(t, r.Person)
	assert.Equal(t, "a@example.com", r.Person.Address(comm.MediumEmail))
	require.NotNil(t, r.Communication)
	assert.Equal(t, "hello", r.Communication.Subject)

	r2, err := st.ClaimNext(ctx, id, comm.MediumEmail, base.Add(-time.Minute), base)
	require.NoError(t, err)
	require.NotNil(t, r2)
	assert.Equal(t, b.ID, r2.PersonID)

	none, err := st.ClaimNext(ctx, id, comm.MediumEmail, base.Add(-time.Minute), base)
	require.NoError(t, err)
	assert.Nil(t, none)

	other, err := st.ClaimNext(ctx, id, comm.MediumSMS, base.Add(-time.Minute), base)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func testConcurrentClaims(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	const total = 30
	aliases := make([]int64, 0, total)
	for i := 0; i < total; i++ {
		aliases = append(aliases, newPerson(t, st, "").PrimaryAliasID)
	}
	addRecipients(t, st, id, comm.MediumPush, aliases...)

	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := st.ClaimNext(ctx, id, comm.MediumPush, base.Add(-time.Hour), base)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if r == nil {
					return
				}
				mu.Lock()
				claimed = append(claimed, r.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, total)
	seen := map[int64]bool{}
	for _, rid := range claimed {
		assert.False(t, seen[rid], "recipient %d claimed twice", rid)
		seen[rid] = true
	}
}

func testCompleteVersion(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	p := newPerson(t, st, "c@example.com")
	addRecipients(t, st, id, comm.MediumEmail, p.PrimaryAliasID)

	r, err := st.ClaimNext(ctx, id, comm.MediumEmail, base.Add(-time.Minute), base)
	require.NoError(t, err)
	require.NotNil(t, r)

	ok, err := st.CompleteRecipient(ctx, Completion{RecipientID: r.ID, Version: r.Version + 1, Status: comm.RecipientDelivered, At: base})
	require.NoError(t, err)
	assert.False(t, ok, "wrong version must not complete")

	ok, err = st.CompleteRecipient(ctx, Completion{RecipientID: r.ID, Version: r.Version, Status: comm.RecipientDelivered, Note: "ok", At: base})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.CompleteRecipient(ctx, Completion{RecipientID: r.ID, Version: r.Version, Status: comm.RecipientFailed, At: base})
	require.NoError(t, err)
	assert.False(t, ok, "terminal rows are never rewritten")

	got, err := st.GetRecipient(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, comm.RecipientDelivered, got.Status)
	assert.Equal(t, "ok", got.StatusNote)

	n, err := st.UnresolvedCount(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testStaleReclaim(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	p := newPerson(t, st, "d@example.com")
	addRecipients(t, st, id, comm.MediumEmail, p.PrimaryAliasID)

	first, err := st.ClaimNext(ctx, id, comm.MediumEmail, base.Add(-time.Minute), base)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Lease still fresh.
	r, err := st.ClaimNext(ctx, id, comm.MediumEmail, base.Add(-time.Minute), base.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, r)

	later := base.Add(10 * time.Minute)
	again, err := st.ClaimNext(ctx, id, comm.MediumEmail, later.Add(-time.Minute), later)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Greater(t, again.Version, first.Version)
	require.NotNil(t, again.FirstAttemptAt)
	assert.True(t, again.FirstAttemptAt.Equal(base), "first attempt time is kept across reclaims")

	ok, err := st.CompleteRecipient(ctx, Completion{RecipientID: first.ID, Version: first.Version, Status: comm.RecipientDelivered, At: later})
	require.NoError(t, err)
	assert.False(t, ok, "the superseded claimant must not complete")
}

func testReap(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	old := newPerson(t, st, "old@example.com")
	stale := newPerson(t, st, "stale@example.com")
	fresh := newPerson(t, st, "fresh@example.com")
	addRecipients(t, st, id, comm.MediumEmail, old.PrimaryAliasID)
	addRecipients(t, st, id, comm.MediumEmail, stale.PrimaryAliasID)
	addRecipients(t, st, id, comm.MediumEmail, fresh.PrimaryAliasID)

	t0 := base
	t1 := base.Add(50 * time.Minute)
	t2 := base.Add(59 * time.Minute)
	claim := func(at time.Time) *comm.Recipient {
		r, err := st.ClaimNext(ctx, id, comm.MediumEmail, at.Add(-time.Hour), at)
		require.NoError(t, err)
		require.NotNil(t, r)
		return r
	}
	rOld := claim(t0)
	rStale := claim(t1)
	rFresh := claim(t2)

	now := base.Add(65 * time.Minute)
	res, err := st.ReapStaleLeases(ctx, ReapParams{
		CommunicationID: id,
		HardCutoff:      now.Add(-time.Hour),
		StaleBefore:     now.Add(-10 * time.Minute),
		Now:             now,
		Note:            comm.NoteLeaseExhausted,
	})
	require.NoError(t, err)
	assert.Equal(t, ReapResult{Failed: 1, Reverted: 1}, res)

	get := func(rid int64) *comm.Recipient {
		r, err := st.GetRecipient(ctx, rid)
		require.NoError(t, err)
		return r
	}
	gOld := get(rOld.ID)
	assert.Equal(t, comm.RecipientFailed, gOld.Status)
	assert.Equal(t, comm.NoteLeaseExhausted, gOld.StatusNote)
	assert.Equal(t, comm.RecipientPending, get(rStale.ID).Status)
	assert.Equal(t, comm.RecipientSending, get(rFresh.ID).Status)

	ok, err := st.CompleteRecipient(ctx, Completion{RecipientID: rStale.ID, Version: rStale.Version, Status: comm.RecipientDelivered, At: now})
	require.NoError(t, err)
	assert.False(t, ok, "a reverted lease is no longer completable")

	has, err := st.HasPendingRecipients(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)

	counts, err := st.RecipientCounts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[comm.RecipientFailed])
	assert.Equal(t, int64(1), counts[comm.RecipientPending])
	assert.Equal(t, int64(1), counts[comm.RecipientSending])
}

func testDedupAddress(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	p1 := newPerson(t, st, "Shared@Example.com", comm.Phone{Number: "555-0100", SMSEnabled: true})
	p2 := newPerson(t, st, " shared@example.com ", comm.Phone{Number: "555-0199"}, comm.Phone{Number: "555-0100", SMSEnabled: true})
	p3 := newPerson(t, st, "solo@example.com")
	addRecipients(t, st, id, comm.MediumEmail, p1.PrimaryAliasID, p2.PrimaryAliasID, p3.PrimaryAliasID)
	addRecipients(t, st, id, comm.MediumSMS, p1.PrimaryAliasID, p2.PrimaryAliasID)
	addRecipients(t, st, id, comm.MediumPush, p1.PrimaryAliasID, p2.PrimaryAliasID)

	n, err := st.DeleteDuplicateAddressRecipients(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	byMedium := map[comm.Medium][]int64{}
	for _, r := range refs(t, st, id) {
		byMedium[r.Medium] = append(byMedium[r.Medium], r.PersonID)
	}
	for _, v := range byMedium {
		sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	}
	assert.Equal(t, []int64{p1.ID, p3.ID}, byMedium[comm.MediumEmail])
	assert.Equal(t, []int64{p1.ID}, byMedium[comm.MediumSMS])
	assert.Len(t, byMedium[comm.MediumPush], 2, "push is not deduplicated")

	n, err = st.DeleteDuplicateAddressRecipients(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDedupAlias(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	p := newPerson(t, st, "alias@example.com")
	secondary, err := st.AddPersonAlias(ctx, p.ID)
	require.NoError(t, err)

	addRecipients(t, st, id, comm.MediumEmail, secondary, p.PrimaryAliasID)
	addRecipients(t, st, id, comm.MediumSMS, secondary)

	_, err = st.DeleteNonPrimaryAliasRecipients(ctx, id)
	require.NoError(t, err)

	got := refs(t, st, id)
	require.Len(t, got, 2)
	mediums := map[comm.Medium]bool{}
	for _, r := range got {
		assert.Equal(t, p.PrimaryAliasID, r.PersonAliasID)
		assert.Equal(t, p.ID, r.PersonID)
		mediums[r.Medium] = true
	}
	assert.True(t, mediums[comm.MediumEmail])
	assert.True(t, mediums[comm.MediumSMS])

	n, err := st.DeleteNonPrimaryAliasRecipients(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// claimAndFinish claims the next row of medium and completes it with status.
func claimAndFinish(t *testing.T, st Store, commID int64, m comm.Medium, status comm.RecipientStatus) *comm.Recipient {
	t.Helper()
	r := claim(t, st, commID, m)
	finish(t, st, r, status)
	return r
}

func claim(t *testing.T, st Store, commID int64, m comm.Medium) *comm.Recipient {
	t.Helper()
	r, err := st.ClaimNext(context.Background(), commID, m, base.Add(-time.Minute), base)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func finish(t *testing.T, st Store, r *comm.Recipient, status comm.RecipientStatus) {
	t.Helper()
	ok, err := st.CompleteRecipient(context.Background(), Completion{RecipientID: r.ID, Version: r.Version, Status: status, At: base})
	require.NoError(t, err)
	require.True(t, ok)
}

func testInsertIdempotent(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	p := newPerson(t, st, "once@example.com")
	row := comm.NewRecipient{CommunicationID: id, PersonAliasID: p.PrimaryAliasID, Medium: comm.MediumEmail}

	n, err := st.InsertRecipients(ctx, []comm.NewRecipient{row, row})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = st.InsertRecipients(ctx, []comm.NewRecipient{row})
	require.NoError(t, err)
	assert.Zero(t, n)

	row.Medium = comm.MediumSMS
	n, err = st.InsertRecipients(ctx, []comm.NewRecipient{row})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, refs(t, st, id), 2)
}

func testConcurrentInserts(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	var rows []comm.NewRecipient
	for i := 0; i < 5; i++ {
		p := newPerson(t, st, "")
		rows = append(rows, comm.NewRecipient{CommunicationID: id, PersonAliasID: p.PrimaryAliasID, Medium: comm.MediumEmail})
	}

	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := st.InsertRecipients(ctx, rows)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(len(rows)), total)
	got := refs(t, st, id)
	require.Len(t, got, len(rows))
	seen := map[int64]bool{}
	for _, r := range got {
		assert.False(t, seen[r.PersonAliasID], "alias %d inserted twice", r.PersonAliasID)
		seen[r.PersonAliasID] = true
	}
}

func testDedupAddressClaimed(t *testing.T, st Store) {
	ctx := context.Background()

	id := newComm(t, st)
	p1 := newPerson(t, st, "keep@example.com")
	p2 := newPerson(t, st, "KEEP@example.com")
	addRecipients(t, st, id, comm.MediumEmail, p1.PrimaryAliasID, p2.PrimaryAliasID)
	first := claim(t, st, id, comm.MediumEmail)
	claimAndFinish(t, st, id, comm.MediumEmail, comm.RecipientDelivered)
	finish(t, st, first, comm.RecipientPending)

	n, err := st.DeleteDuplicateAddressRecipients(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "the pending row goes even though its id is smaller")
	got := refs(t, st, id)
	require.Len(t, got, 1)
	assert.Equal(t, p2.ID, got[0].PersonID)
	assert.Equal(t, comm.RecipientDelivered, got[0].Status)

	id = newComm(t, st)
	p3 := newPerson(t, st, "both@example.com")
	p4 := newPerson(t, st, "both@example.com")
	addRecipients(t, st, id, comm.MediumEmail, p3.PrimaryAliasID, p4.PrimaryAliasID)
	claimAndFinish(t, st, id, comm.MediumEmail, comm.RecipientDelivered)
	claimAndFinish(t, st, id, comm.MediumEmail, comm.RecipientFailed)

	n, err = st.DeleteDuplicateAddressRecipients(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n, "finished rows are history and never deleted")
	assert.Len(t, refs(t, st, id), 2)
}

func testDedupAliasClaimed(t *testing.T, st Store) {
	ctx := context.Background()

	id := newComm(t, st)
	p := newPerson(t, st, "aliased@example.com")
	secondary, err := st.AddPersonAlias(ctx, p.ID)
	require.NoError(t, err)
	addRecipients(t, st, id, comm.MediumEmail, secondary, p.PrimaryAliasID)
	sent := claimAndFinish(t, st, id, comm.MediumEmail, comm.RecipientDelivered)
	require.Equal(t, secondary, sent.PersonAliasID)

	n, err := st.DeleteNonPrimaryAliasRecipients(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "one pending delete and one repoint")
	got := refs(t, st, id)
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, p.PrimaryAliasID, got[0].PersonAliasID)
	assert.Equal(t, comm.RecipientDelivered, got[0].Status)

	id = newComm(t, st)
	addRecipients(t, st, id, comm.MediumEmail, secondary, p.PrimaryAliasID)
	claimAndFinish(t, st, id, comm.MediumEmail, comm.RecipientDelivered)
	claimAndFinish(t, st, id, comm.MediumEmail, comm.RecipientDelivered)

	n, err = st.DeleteNonPrimaryAliasRecipients(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
	got = refs(t, st, id)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].PersonAliasID, got[1].PersonAliasID)
}

func testMarkSent(t *testing.T, st Store) {
	ctx := context.Background()
	id := newComm(t, st)
	ok, err := st.MarkCommunicationSent(ctx, id, base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.MarkCommunicationSent(ctx, id, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := st.GetCommunication(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c.SentAt)
	assert.True(t, c.SentAt.Equal(base))

	_, err = st.GetCommunication(ctx, id+1_000_000)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDue(t *testing.T, st Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	due := newComm(t, st)
	later, err := st.CreateCommunication(ctx, &comm.Communication{Status: comm.StatusApproved, FutureSendAt: &future})
	require.NoError(t, err)
	ready, err := st.CreateCommunication(ctx, &comm.Communication{Status: comm.StatusApproved, FutureSendAt: &past})
	require.NoError(t, err)
	draft, err := st.CreateCommunication(ctx, &comm.Communication{Status: comm.StatusDraft})
	require.NoError(t, err)
	sent := newComm(t, st)
	_, err = st.MarkCommunicationSent(ctx, sent, now)
	require.NoError(t, err)

	ids, err := st.ListDueCommunications(ctx, now, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, due)
	assert.Contains(t, ids, ready)
	assert.NotContains(t, ids, later)
	assert.NotContains(t, ids, draft)
	assert.NotContains(t, ids, sent)

	require.NoError(t, st.SetCommunicationStatus(ctx, due, comm.StatusDenied))
	ids, err = st.ListDueCommunications(ctx, now, 0)
	require.NoError(t, err)
	assert.NotContains(t, ids, due)
}

func testDirectory(t *testing.T, st Store) {
	ctx := context.Background()
	group := time.Now().UnixNano() % 1_000_000_000
	joined := base.Add(-24 * time.Hour)

	a := newPerson(t, st, "a@dir.example", comm.Phone{Number: "1", SMSEnabled: false}, comm.Phone{Number: "2", SMSEnabled: true})
	b := &comm.Person{FirstName: "No", LastName: "Alias"}
	require.NoError(t, st.CreatePerson(ctx, b, false))
	assert.Zero(t, b.PrimaryAliasID)

	require.NoError(t, st.AddGroupMember(ctx, group, a.ID, &joined, comm.PrefSMS))
	require.NoError(t, st.AddGroupMember(ctx, group, b.ID, nil, ""))

	members, err := st.GroupMembers(ctx, group)
	require.NoError(t, err)
	require.Len(t, members, 2)
	sort.Slice(members, func(i, j int) bool { return members[i].Person.ID < members[j].Person.ID })
	assert.Equal(t, comm.PrefSMS, members[0].Preference)
	require.NotNil(t, members[0].JoinedAt)
	assert.True(t, members[0].JoinedAt.Equal(joined))
	assert.Equal(t, "2", members[0].Person.SMSNumber())
	assert.Nil(t, members[1].JoinedAt)

	require.NoError(t, st.RemoveGroupMember(ctx, group, b.ID))
	members, err = st.GroupMembers(ctx, group)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	s1, err := st.CreateSegment(ctx, &comm.Segment{Name: "adults", Expression: "true"})
	require.NoError(t, err)
	s2, err := st.CreateSegment(ctx, &comm.Segment{Name: "none", Expression: "false"})
	require.NoError(t, err)
	segs, err := st.Segments(ctx, []int64{s2, s1})
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "none", segs[0].Name)
	assert.Equal(t, "adults", segs[1].Name)

	_, err = st.Segments(ctx, []int64{s1 + 1_000_000})
	assert.ErrorIs(t, err, ErrNotFound)
}
