package comm

import (
	"strings"
	"time"
)

// Status is the approval state of a communication.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusDenied          Status = "denied"
)

// SegmentCriteria controls how multiple segment predicates are combined.
type SegmentCriteria string

const (
	// SegmentsAll keeps a member only if every segment matches (intersection).
	SegmentsAll SegmentCriteria = "all"
	// SegmentsAny keeps a member if at least one segment matches (union).
	SegmentsAny SegmentCriteria = "any"
)

// Communication is the message definition the engine dispatches.
//
// SentAt is the send-completion marker: nil until no recipient remains
// unresolved, then set once and never cleared.
type Communication struct {
	ID          int64
	Name        string
	Subject     string
	Body        string
	FromAddress string
	Attachments []string
	Status      Status

	// MediumPolicy is either a concrete medium or PrefRecipient.
	MediumPolicy MediumPreference

	// Membership source (optional).
	ListGroupID     *int64
	SegmentIDs      []int64
	SegmentCriteria SegmentCriteria

	FutureSendAt *time.Time

	// ExcludeDuplicateAddresses enables the dedup pass.
	ExcludeDuplicateAddresses bool

	SentAt    *time.Time
	CreatedAt time.Time
}

// HasMembershipSource reports whether recipients come from a dynamic group.
func (c *Communication) HasMembershipSource() bool {
	return c != nil && c.ListGroupID != nil && *c.ListGroupID > 0
}

// Started reports whether a previous pass already completed the send.
func (c *Communication) Started() bool { return c != nil && c.SentAt != nil }

// Phone is a person's phone number.
type Phone struct {
	Number     string
	SMSEnabled bool
}

// Person is a member of the directory. A person without a primary alias has
// no canonical identity and is never added as a recipient.
type Person struct {
	ID             int64
	PrimaryAliasID int64
	FirstName      string
	LastName       string
	Email          string
	Phones         []Phone
	PushToken      string
	Preference     MediumPreference
	Attributes     map[string]any
}

func (p *Person) FullName() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// SMSNumber returns the first messaging-enabled phone number.
func (p *Person) SMSNumber() string {
	if p == nil {
		return ""
	}
	for _, ph := range p.Phones {
		if ph.SMSEnabled && strings.TrimSpace(ph.Number) != "" {
			return strings.TrimSpace(ph.Number)
		}
	}
	return ""
}

// Address returns the delivery address for medium as stored (trimmed), or ""
// if there is none.
func (p *Person) Address(m Medium) string {
	if p == nil {
		return ""
	}
	switch m {
	case MediumEmail:
		return strings.TrimSpace(p.Email)
	case MediumSMS:
		return p.SMSNumber()
	case MediumPush:
		return strings.TrimSpace(p.PushToken)
	default:
		return ""
	}
}

// AddressKey is the address used to detect duplicates. Email compares case
// insensitively; the key is never used for delivery.
func (p *Person) AddressKey(m Medium) string {
	if m == MediumEmail {
		return NormalizeEmail(p.Address(m))
	}
	return p.Address(m)
}

func NormalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Member is one candidate from the membership source.
type Member struct {
	GroupID int64
	Person  *Person
	// JoinedAt is nil when the join time is unknown.
	JoinedAt   *time.Time
	Preference MediumPreference
}

// Segment is a named person predicate (a CEL expression).
type Segment struct {
	ID         int64
	Name       string
	Expression string
}
