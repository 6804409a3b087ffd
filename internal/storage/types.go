package storage

import (
	"context"
	"errors"
	"time"

	"commdispatch/internal/comm"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (lost on exit)
//   - "sqlite": SQLite database file (optional build tag)
//   - "postgres": PostgreSQL DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Store is the full persistence API used by the dispatch engine.
type Store interface {
	Communications
	Recipients
	Directory
	Close() error
}

// Communications reads and finalizes message definitions.
type Communications interface {
	GetCommunication(ctx context.Context, id int64) (*comm.Communication, error)
	CreateCommunication(ctx context.Context, c *comm.Communication) (int64, error)
	SetCommunicationStatus(ctx context.Context, id int64, status comm.Status) error
	// MarkCommunicationSent stamps SentAt only if it is still null.
	// It reports whether this call set it.
	MarkCommunicationSent(ctx context.Context, id int64, at time.Time) (bool, error)
	// ListDueCommunications returns approved, unsent communications whose
	// future send time is absent or not after now.
	ListDueCommunications(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

// Recipients is the Recipient Store.
type Recipients interface {
	GetRecipient(ctx context.Context, id int64) (*comm.Recipient, error)
	ListRecipientRefs(ctx context.Context, communicationID int64) ([]comm.RecipientRef, error)
	// InsertRecipients skips rows whose (communication, alias, medium)
	// already exists and returns how many were inserted, so concurrent
	// reconciles never add the same person twice.
	InsertRecipients(ctx context.Context, rows []comm.NewRecipient) (int64, error)
	// DeletePendingRecipients deletes the listed rows that are still pending;
	// a row claimed in the meantime is kept.
	DeletePendingRecipients(ctx context.Context, communicationID int64, ids []int64) (int64, error)

	// DeleteDuplicateAddressRecipients keeps, per medium and delivery
	// address, the recipient with the smallest id. A row already claimed or
	// finished wins over pending ones, and only pending rows are deleted.
	DeleteDuplicateAddressRecipients(ctx context.Context, communicationID int64) (int64, error)
	// DeleteNonPrimaryAliasRecipients keeps one recipient per person and
	// medium, preferring a row that already left pending, then the primary
	// alias row. Only pending rows are deleted. A person's sole remaining row
	// is repointed at their primary alias.
	DeleteNonPrimaryAliasRecipients(ctx context.Context, communicationID int64) (int64, error)

	// ClaimNext atomically moves one candidate to sending and returns it
	// materialized, or (nil, nil) when nothing is left. A candidate is
	// pending, or sending with ModifiedAt before staleBefore.
	ClaimNext(ctx context.Context, communicationID int64, medium comm.Medium, staleBefore, now time.Time) (*comm.Recipient, error)
	// CompleteRecipient finishes a claim. It only applies while the row is
	// still sending under the same lease version; otherwise it reports false.
	CompleteRecipient(ctx context.Context, c Completion) (bool, error)
	ReapStaleLeases(ctx context.Context, r ReapParams) (ReapResult, error)

	HasPendingRecipients(ctx context.Context, communicationID int64) (bool, error)
	// UnresolvedCount counts pending and sending rows.
	UnresolvedCount(ctx context.Context, communicationID int64) (int64, error)
	RecipientCounts(ctx context.Context, communicationID int64) (map[comm.RecipientStatus]int64, error)
	// RecipientMediums lists the distinct mediums that still have
	// unresolved recipients.
	RecipientMediums(ctx context.Context, communicationID int64) ([]comm.Medium, error)
}

// Directory is the read side of people, groups and segments, plus the seed
// helpers tooling uses to populate it.
type Directory interface {
	GroupMembers(ctx context.Context, groupID int64) ([]comm.Member, error)
	Segments(ctx context.Context, ids []int64) ([]comm.Segment, error)

	// CreatePerson inserts p (and its phones). With withAlias it also creates
	// the primary alias and stores it in p.PrimaryAliasID.
	CreatePerson(ctx context.Context, p *comm.Person, withAlias bool) error
	// AddPersonAlias creates a secondary (non-primary) alias.
	AddPersonAlias(ctx context.Context, personID int64) (int64, error)
	AddGroupMember(ctx context.Context, groupID, personID int64, joinedAt *time.Time, pref comm.MediumPreference) error
	RemoveGroupMember(ctx context.Context, groupID, personID int64) error
	CreateSegment(ctx context.Context, s *comm.Segment) (int64, error)
}

// Completion finishes a claimed recipient.
type Completion struct {
	RecipientID int64
	// Version is the lease version returned by ClaimNext.
	Version int64
	Status  comm.RecipientStatus
	Note    string
	At      time.Time
}

// ReapParams drives one stale-lease sweep.
type ReapParams struct {
	CommunicationID int64
	// HardCutoff: rows first attempted before it are failed.
	HardCutoff time.Time
	// StaleBefore: sending rows not touched since then go back to pending.
	StaleBefore time.Time
	Now         time.Time
	Note        string
}

type ReapResult struct {
	Failed   int64 `json:"failed"`
	Reverted int64 `json:"reverted"`
}
