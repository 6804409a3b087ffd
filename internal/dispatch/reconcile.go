package dispatch

import (
	"context"
	"fmt"
	"sort"

	"commdispatch/internal/comm"
	"commdispatch/internal/segment"
	"commdispatch/internal/storage"
	logx "commdispatch/pkg/logx"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Eligible int `json:"eligible"`
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	// SkippedNoAlias counts eligible people without a primary alias.
	SkippedNoAlias int `json:"skipped_no_alias"`
	// SkippedDuplicate counts eligible people not added because a stored
	// recipient already has their address (dedup communications only).
	SkippedDuplicate int `json:"skipped_duplicate"`
}

// Reconciler brings the stored recipient set in line with the communication's
// membership source.
type Reconciler struct {
	store storage.Store
	seg   *segment.Evaluator
	log   logx.Logger
}

func NewReconciler(store storage.Store, seg *segment.Evaluator, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{store: store, seg: seg, log: log}
}

// Reconcile adds eligible people that have no recipient yet and removes
// pending, non-manual recipients that are no longer eligible. It does nothing
// for communications without a membership source or that already finished.
func (r *Reconciler) Reconcile(ctx context.Context, c *comm.Communication) (ReconcileResult, error) {
	var res ReconcileResult
	if !c.HasMembershipSource() || c.Started() {
		return res, nil
	}

	eligible, err := r.eligible(ctx, c)
	if err != nil {
		return res, err
	}
	res.Eligible = len(eligible)

	refs, err := r.store.ListRecipientRefs(ctx, c.ID)
	if err != nil {
		return res, fmt.Errorf("list recipients: %w", err)
	}
	existing := make(map[int64]bool, len(refs))
	taken := map[addressKey]bool{}
	for _, ref := range refs {
		existing[ref.PersonID] = true
		if m, ok := eligible[ref.PersonID]; ok && c.ExcludeDuplicateAddresses {
			if k := (addressKey{ref.Medium, m.Person.AddressKey(ref.Medium)}); k.dedupable() {
				taken[k] = true
			}
		}
	}

	personIDs := make([]int64, 0, len(eligible))
	for pid := range eligible {
		personIDs = append(personIDs, pid)
	}
	sort.Slice(personIDs, func(i, j int) bool { return personIDs[i] < personIDs[j] })

	var toAdd []comm.NewRecipient
	for _, pid := range personIDs {
		if existing[pid] {
			continue
		}
		m := eligible[pid]
		if m.Person.PrimaryAliasID == 0 {
			res.SkippedNoAlias++
			r.log.Debug("skipping member without primary alias",
				logx.Int64("communication", c.ID), logx.Int64("person", pid))
			continue
		}
		medium, err := comm.ResolveMedium(c.MediumPolicy, m.Preference, m.Person.Preference)
		if err != nil {
			return res, fmt.Errorf("communication %d person %d: %w", c.ID, pid, err)
		}
		// Re-adding someone whose address already has a row would only hand
		// a concurrent drain a duplicate before the dedup pass removes it.
		if k := (addressKey{medium, m.Person.AddressKey(medium)}); c.ExcludeDuplicateAddresses && taken[k] {
			res.SkippedDuplicate++
			continue
		}
		toAdd = append(toAdd, comm.NewRecipient{
			CommunicationID: c.ID,
			PersonAliasID:   m.Person.PrimaryAliasID,
			Medium:          medium,
		})
	}

	var toRemove []int64
	for _, ref := range refs {
		if ref.Status != comm.RecipientPending || ref.ManuallyAdded {
			continue
		}
		if _, ok := eligible[ref.PersonID]; !ok {
			toRemove = append(toRemove, ref.ID)
		}
	}

	if len(toAdd) > 0 {
		n, err := r.store.InsertRecipients(ctx, toAdd)
		if err != nil {
			return res, fmt.Errorf("insert recipients: %w", err)
		}
		res.Added = int(n)
	}
	if len(toRemove) > 0 {
		n, err := r.store.DeletePendingRecipients(ctx, c.ID, toRemove)
		if err != nil {
			return res, fmt.Errorf("delete recipients: %w", err)
		}
		res.Removed = int(n)
	}
	return res, nil
}

type addressKey struct {
	medium  comm.Medium
	address string
}

// dedupable mirrors the store's address dedup: email and sms, non-empty.
func (k addressKey) dedupable() bool {
	return k.address != "" && (k.medium == comm.MediumEmail || k.medium == comm.MediumSMS)
}

// eligible returns the filtered membership keyed by person id.
func (r *Reconciler) eligible(ctx context.Context, c *comm.Communication) (map[int64]comm.Member, error) {
	members, err := r.store.GroupMembers(ctx, *c.ListGroupID)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	if len(c.SegmentIDs) > 0 {
		segs, err := r.store.Segments(ctx, c.SegmentIDs)
		if err != nil {
			return nil, fmt.Errorf("segments: %w", err)
		}
		if members, err = r.seg.Filter(members, segs, c.SegmentCriteria); err != nil {
			return nil, err
		}
	}

	out := make(map[int64]comm.Member, len(members))
	for _, m := range members {
		if m.Person == nil {
			continue
		}
		// Unknown join dates are always honored.
		if c.FutureSendAt != nil && m.JoinedAt != nil && !m.JoinedAt.Before(*c.FutureSendAt) {
			continue
		}
		out[m.Person.ID] = m
	}
	return out, nil
}
