package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"commdispatch/internal/comm"
)

type memMember struct {
	personID int64
	joinedAt *time.Time
	pref     comm.MediumPreference
}

// memoryStore keeps everything in maps behind one mutex. A claim is a single
// critical section, which gives the same contract as skip-locked: callers
// never wait on a row held by another claimant, they only wait for the map.
type memoryStore struct {
	mu sync.Mutex

	seq int64

	comms    map[int64]*comm.Communication
	people   map[int64]*comm.Person
	aliases  map[int64]int64 // alias id -> person id
	groups   map[int64][]memMember
	segments map[int64]comm.Segment
	recips   map[int64]*comm.Recipient

	queues  map[int64]map[comm.Medium]*claimQueue // by communication
	rowKeys map[rowKey]int64
}

// claimQueue holds recipient ids of one (communication, medium) ascending.
// ids[:head] are delivered or failed and never claimable again.
type claimQueue struct {
	ids  []int64
	head int
}

type rowKey struct {
	communicationID int64
	aliasID         int64
	medium          comm.Medium
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		comms:    map[int64]*comm.Communication{},
		people:   map[int64]*comm.Person{},
		aliases:  map[int64]int64{},
		groups:   map[int64][]memMember{},
		segments: map[int64]comm.Segment{},
		recips:   map[int64]*comm.Recipient{},
		queues:   map[int64]map[comm.Medium]*claimQueue{},
		rowKeys:  map[rowKey]int64{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) next() int64 {
	s.seq++
	return s.seq
}

func cloneCommunication(c *comm.Communication) *comm.Communication {
	cp := *c
	cp.Attachments = slices.Clone(c.Attachments)
	cp.SegmentIDs = slices.Clone(c.SegmentIDs)
	return &cp
}

func clonePerson(p *comm.Person) *comm.Person {
	cp := *p
	cp.Phones = slices.Clone(p.Phones)
	if p.Attributes != nil {
		cp.Attributes = make(map[string]any, len(p.Attributes))
		for k, v := range p.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// ---- communications ----

func (s *memoryStore) GetCommunication(ctx context.Context, id int64) (*comm.Communication, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return nil, fmt.Errorf("communication %d: %w", id, ErrNotFound)
	}
	return cloneCommunication(c), nil
}

func (s *memoryStore) CreateCommunication(ctx context.Context, c *comm.Communication) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneCommunication(c)
	cp.ID = s.next()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.comms[cp.ID] = cp
	c.ID = cp.ID
	return cp.ID, nil
}

func (s *memoryStore) SetCommunicationStatus(ctx context.Context, id int64, status comm.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return fmt.Errorf("communication %d: %w", id, ErrNotFound)
	}
	c.Status = status
	return nil
}

func (s *memoryStore) MarkCommunicationSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return false, fmt.Errorf("communication %d: %w", id, ErrNotFound)
	}
	if c.SentAt != nil {
		return false, nil
	}
	t := at
	c.SentAt = &t
	return true, nil
}

func (s *memoryStore) ListDueCommunications(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, c := range s.comms {
		if c.Status != comm.StatusApproved || c.SentAt != nil {
			continue
		}
		if c.FutureSendAt != nil && c.FutureSendAt.After(now) {
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- recipients ----

func (s *memoryStore) GetRecipient(ctx context.Context, id int64) (*comm.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recips[id]
	if !ok {
		return nil, fmt.Errorf("recipient %d: %w", id, ErrNotFound)
	}
	return s.materializeLocked(r), nil
}

func (s *memoryStore) materializeLocked(r *comm.Recipient) *comm.Recipient {
	cp := *r
	if r.FirstAttemptAt != nil {
		t := *r.FirstAttemptAt
		cp.FirstAttemptAt = &t
	}
	cp.PersonID = s.aliases[r.PersonAliasID]
	if p, ok := s.people[cp.PersonID]; ok {
		cp.Person = clonePerson(p)
	}
	if c, ok := s.comms[r.CommunicationID]; ok {
		cp.Communication = cloneCommunication(c)
	}
	return &cp
}

// sortedRecipientsLocked returns the rows of one communication by id.
func (s *memoryStore) sortedRecipientsLocked(communicationID int64) []*comm.Recipient {
	var out []*comm.Recipient
	for _, q := range s.queues[communicationID] {
		for _, id := range q.ids {
			out = append(out, s.recips[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memoryStore) addRecipientLocked(r *comm.Recipient) {
	s.recips[r.ID] = r
	byMedium := s.queues[r.CommunicationID]
	if byMedium == nil {
		byMedium = map[comm.Medium]*claimQueue{}
		s.queues[r.CommunicationID] = byMedium
	}
	q := byMedium[r.Medium]
	if q == nil {
		q = &claimQueue{}
		byMedium[r.Medium] = q
	}
	// ids come from a monotonic sequence, so appending keeps the queue sorted.
	q.ids = append(q.ids, r.ID)
	s.rowKeys[rowKey{r.CommunicationID, r.PersonAliasID, r.Medium}] = r.ID
}

func (s *memoryStore) removeRecipientLocked(r *comm.Recipient) {
	delete(s.recips, r.ID)
	if s.rowKeys[rowKey{r.CommunicationID, r.PersonAliasID, r.Medium}] == r.ID {
		delete(s.rowKeys, rowKey{r.CommunicationID, r.PersonAliasID, r.Medium})
	}
	q := s.queues[r.CommunicationID][r.Medium]
	if q == nil {
		return
	}
	if i, ok := slices.BinarySearch(q.ids, r.ID); ok {
		q.ids = slices.Delete(q.ids, i, i+1)
		if i < q.head {
			q.head--
		}
	}
}

// repointLocked moves r onto alias. The caller guarantees no other row holds
// (communication, alias, medium).
func (s *memoryStore) repointLocked(r *comm.Recipient, alias int64) {
	old := rowKey{r.CommunicationID, r.PersonAliasID, r.Medium}
	if s.rowKeys[old] == r.ID {
		delete(s.rowKeys, old)
	}
	r.PersonAliasID = alias
	s.rowKeys[rowKey{r.CommunicationID, alias, r.Medium}] = r.ID
}

func (s *memoryStore) ListRecipientRefs(ctx context.Context, communicationID int64) ([]comm.RecipientRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.sortedRecipientsLocked(communicationID)
	out := make([]comm.RecipientRef, 0, len(rows))
	for _, r := range rows {
		out = append(out, comm.RecipientRef{
			ID:            r.ID,
			PersonID:      s.aliases[r.PersonAliasID],
			PersonAliasID: r.PersonAliasID,
			Medium:        r.Medium,
			Status:        r.Status,
			ManuallyAdded: r.ManuallyAdded,
		})
	}
	return out, nil
}

// InsertRecipients skips rows whose (communication, alias, medium) already
// exists, like the unique index of the SQL drivers.
func (s *memoryStore) InsertRecipients(ctx context.Context, rows []comm.NewRecipient) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nr := range rows {
		if _, ok := s.aliases[nr.PersonAliasID]; !ok {
			return 0, fmt.Errorf("person alias %d: %w", nr.PersonAliasID, ErrNotFound)
		}
		if _, ok := s.comms[nr.CommunicationID]; !ok {
			return 0, fmt.Errorf("communication %d: %w", nr.CommunicationID, ErrNotFound)
		}
	}
	now := time.Now()
	var n int64
	for _, nr := range rows {
		if _, dup := s.rowKeys[rowKey{nr.CommunicationID, nr.PersonAliasID, nr.Medium}]; dup {
			continue
		}
		s.addRecipientLocked(&comm.Recipient{
			ID:              s.next(),
			CommunicationID: nr.CommunicationID,
			PersonAliasID:   nr.PersonAliasID,
			Medium:          nr.Medium,
			Status:          comm.RecipientPending,
			CreatedAt:       now,
			ModifiedAt:      now,
			ManuallyAdded:   nr.ManuallyAdded,
		})
		n++
	}
	return n, nil
}

func (s *memoryStore) DeletePendingRecipients(ctx context.Context, communicationID int64, ids []int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if r, ok := s.recips[id]; ok && r.CommunicationID == communicationID && r.Status == comm.RecipientPending {
			s.removeRecipientLocked(r)
			n++
		}
	}
	return n, nil
}

// claimedFirst orders rows that already left pending ahead of pending ones,
// then by id. A duplicate set keeps its in-flight or finished row.
func claimedFirst(rows []*comm.Recipient) {
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := rows[i].Status == comm.RecipientPending, rows[j].Status == comm.RecipientPending
		if pi != pj {
			return !pi
		}
		return rows[i].ID < rows[j].ID
	})
}

func (s *memoryStore) DeleteDuplicateAddressRecipients(ctx context.Context, communicationID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		medium  comm.Medium
		address string
	}
	rows := s.sortedRecipientsLocked(communicationID)
	claimedFirst(rows)
	seen := map[key]bool{}
	var n int64
	for _, r := range rows {
		if r.Medium != comm.MediumEmail && r.Medium != comm.MediumSMS {
			continue
		}
		addr := s.people[s.aliases[r.PersonAliasID]].AddressKey(r.Medium)
		if addr == "" {
			continue
		}
		k := key{r.Medium, addr}
		if !seen[k] {
			seen[k] = true
			continue
		}
		if r.Status == comm.RecipientPending {
			s.removeRecipientLocked(r)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) DeleteNonPrimaryAliasRecipients(ctx context.Context, communicationID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		person int64
		medium comm.Medium
	}
	rows := s.sortedRecipientsLocked(communicationID)
	claimedFirst(rows)
	// Survivor per person and medium: a row that already left pending, else
	// the primary alias row, else the smallest id.
	survivor := map[key]*comm.Recipient{}
	left := map[key]int{}
	for _, r := range rows {
		pid := s.aliases[r.PersonAliasID]
		k := key{pid, r.Medium}
		left[k]++
		cur, ok := survivor[k]
		if !ok {
			survivor[k] = r
			continue
		}
		if cur.Status != comm.RecipientPending || r.Status != comm.RecipientPending {
			continue
		}
		p := s.people[pid]
		if p != nil && r.PersonAliasID == p.PrimaryAliasID && cur.PersonAliasID != p.PrimaryAliasID {
			survivor[k] = r
		}
	}
	var n int64
	for _, r := range rows {
		k := key{s.aliases[r.PersonAliasID], r.Medium}
		if survivor[k] != r && r.Status == comm.RecipientPending {
			s.removeRecipientLocked(r)
			left[k]--
			n++
		}
	}
	for k, r := range survivor {
		if left[k] != 1 {
			continue
		}
		if p := s.people[k.person]; p != nil && p.PrimaryAliasID != 0 && r.PersonAliasID != p.PrimaryAliasID {
			s.repointLocked(r, p.PrimaryAliasID)
			n++
		}
	}
	return n, nil
}

// ClaimNext scans the medium's queue in id order from its head. Rows before
// the head are resolved for good, so a drain does not rescan them.
func (s *memoryStore) ClaimNext(ctx context.Context, communicationID int64, medium comm.Medium, staleBefore, now time.Time) (*comm.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[communicationID][medium]
	if q == nil {
		return nil, nil
	}
	for q.head < len(q.ids) && !s.recips[q.ids[q.head]].Status.Unresolved() {
		q.head++
	}
	for _, id := range q.ids[q.head:] {
		r := s.recips[id]
		stale := r.Status == comm.RecipientSending && r.ModifiedAt.Before(staleBefore)
		if r.Status != comm.RecipientPending && !stale {
			continue
		}
		r.Status = comm.RecipientSending
		r.ModifiedAt = now
		if r.FirstAttemptAt == nil {
			t := now
			r.FirstAttemptAt = &t
		}
		r.Attempts++
		r.Version++
		return s.materializeLocked(r), nil
	}
	return nil, nil
}

func (s *memoryStore) CompleteRecipient(ctx context.Context, c Completion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recips[c.RecipientID]
	if !ok || r.Status != comm.RecipientSending || r.Version != c.Version {
		return false, nil
	}
	r.Status = c.Status
	r.StatusNote = c.Note
	r.ModifiedAt = c.At
	return true, nil
}

func (s *memoryStore) ReapStaleLeases(ctx context.Context, p ReapParams) (ReapResult, error) {
	if err := ctx.Err(); err != nil {
		return ReapResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ReapResult
	for _, r := range s.sortedRecipientsLocked(p.CommunicationID) {
		if !r.Status.Unresolved() || r.FirstAttemptAt == nil {
			continue
		}
		if r.FirstAttemptAt.Before(p.HardCutoff) {
			r.Status = comm.RecipientFailed
			r.StatusNote = p.Note
			r.ModifiedAt = p.Now
			r.Version++
			res.Failed++
			continue
		}
		if r.Status == comm.RecipientSending && r.ModifiedAt.Before(p.StaleBefore) {
			r.Status = comm.RecipientPending
			r.ModifiedAt = p.Now
			r.Version++
			res.Reverted++
		}
	}
	return res, nil
}

func (s *memoryStore) HasPendingRecipients(ctx context.Context, communicationID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recips {
		if r.CommunicationID == communicationID && r.Status == comm.RecipientPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) UnresolvedCount(ctx context.Context, communicationID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.recips {
		if r.CommunicationID == communicationID && r.Status.Unresolved() {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) RecipientCounts(ctx context.Context, communicationID int64) (map[comm.RecipientStatus]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[comm.RecipientStatus]int64{}
	for _, r := range s.recips {
		if r.CommunicationID == communicationID {
			out[r.Status]++
		}
	}
	return out, nil
}

func (s *memoryStore) RecipientMediums(ctx context.Context, communicationID int64) ([]comm.Medium, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[comm.Medium]bool{}
	for _, r := range s.recips {
		if r.CommunicationID == communicationID && r.Status.Unresolved() {
			set[r.Medium] = true
		}
	}
	return orderedMediums(set), nil
}

// ---- directory ----

func (s *memoryStore) GroupMembers(ctx context.Context, groupID int64) ([]comm.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.groups[groupID]
	out := make([]comm.Member, 0, len(rows))
	for _, m := range rows {
		p, ok := s.people[m.personID]
		if !ok {
			continue
		}
		var joined *time.Time
		if m.joinedAt != nil {
			t := *m.joinedAt
			joined = &t
		}
		out = append(out, comm.Member{GroupID: groupID, Person: clonePerson(p), JoinedAt: joined, Preference: m.pref})
	}
	return out, nil
}

func (s *memoryStore) Segments(ctx context.Context, ids []int64) ([]comm.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return segmentsInOrder(ids, s.segments)
}

func (s *memoryStore) CreatePerson(ctx context.Context, p *comm.Person, withAlias bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.next()
	p.PrimaryAliasID = 0
	if withAlias {
		alias := s.next()
		s.aliases[alias] = p.ID
		p.PrimaryAliasID = alias
	}
	s.people[p.ID] = clonePerson(p)
	return nil
}

func (s *memoryStore) AddPersonAlias(ctx context.Context, personID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.people[personID]; !ok {
		return 0, fmt.Errorf("person %d: %w", personID, ErrNotFound)
	}
	alias := s.next()
	s.aliases[alias] = personID
	return alias, nil
}

func (s *memoryStore) AddGroupMember(ctx context.Context, groupID, personID int64, joinedAt *time.Time, pref comm.MediumPreference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.people[personID]; !ok {
		return fmt.Errorf("person %d: %w", personID, ErrNotFound)
	}
	rows := s.groups[groupID]
	for i := range rows {
		if rows[i].personID == personID {
			rows[i].joinedAt = joinedAt
			rows[i].pref = pref
			return nil
		}
	}
	s.groups[groupID] = append(rows, memMember{personID: personID, joinedAt: joinedAt, pref: pref})
	return nil
}

func (s *memoryStore) RemoveGroupMember(ctx context.Context, groupID, personID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = slices.DeleteFunc(s.groups[groupID], func(m memMember) bool { return m.personID == personID })
	return nil
}

func (s *memoryStore) CreateSegment(ctx context.Context, seg *comm.Segment) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seg.ID = s.next()
	s.segments[seg.ID] = *seg
	return seg.ID, nil
}
