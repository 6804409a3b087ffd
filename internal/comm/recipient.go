package comm

import "time"

// RecipientStatus is the delivery state of one recipient.
//
//	pending -> sending -> delivered | failed
//	sending -> pending   (reclaim)
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSending   RecipientStatus = "sending"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientFailed    RecipientStatus = "failed"
)

// Unresolved reports statuses that still block send completion.
func (s RecipientStatus) Unresolved() bool {
	return s == RecipientPending || s == RecipientSending
}

// Terminal reports statuses that are never claimed again.
func (s RecipientStatus) Terminal() bool {
	return s == RecipientDelivered || s == RecipientFailed
}

// Recipient is one (communication, person alias, medium) row.
type Recipient struct {
	ID              int64
	CommunicationID int64
	PersonAliasID   int64
	PersonID        int64
	Medium          Medium
	Status          RecipientStatus
	StatusNote      string
	Attempts        int
	FirstAttemptAt  *time.Time
	CreatedAt       time.Time
	ModifiedAt      time.Time
	// ManuallyAdded rows were entered ad hoc and survive reconciliation.
	ManuallyAdded bool
	// Version bumps on every claim; completion must present the claimed value.
	Version int64

	// Materialized by ClaimNext.
	Person        *Person
	Communication *Communication
}

// RecipientRef is the slim projection the reconciler works with.
type RecipientRef struct {
	ID            int64
	PersonID      int64
	PersonAliasID int64
	Medium        Medium
	Status        RecipientStatus
	ManuallyAdded bool
}

// NewRecipient is one row for a bulk insert.
type NewRecipient struct {
	CommunicationID int64
	PersonAliasID   int64
	Medium          Medium
	ManuallyAdded   bool
}

// Status notes written by the engine.
const (
	NoteLeaseExhausted = "Lock expired: send attempts exhausted"
	NoteNoAddress      = "No delivery address for medium"
)
