package comm

import (
	"errors"
	"fmt"
	"strings"
)

// Medium is a concrete delivery channel.
type Medium string

const (
	MediumEmail Medium = "email"
	MediumSMS   Medium = "sms"
	MediumPush  Medium = "push"
)

// Mediums lists every concrete medium in a stable order.
var Mediums = []Medium{MediumEmail, MediumSMS, MediumPush}

func (m Medium) Valid() bool {
	switch m {
	case MediumEmail, MediumSMS, MediumPush:
		return true
	}
	return false
}

// ParseMedium accepts the medium names used in config, CLI and HTTP paths.
func ParseMedium(raw string) (Medium, error) {
	m := Medium(strings.ToLower(strings.TrimSpace(raw)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown medium %q", raw)
	}
	return m, nil
}

// MediumPreference is one entry of an ordered preference list. It is either a
// concrete medium or PrefRecipient ("use whatever the recipient prefers").
// Any other value is unrecognized.
type MediumPreference string

const (
	PrefEmail     MediumPreference = "email"
	PrefSMS       MediumPreference = "sms"
	PrefPush      MediumPreference = "push"
	PrefRecipient MediumPreference = "recipient_preference"
)

// ErrUnresolvableMedium is returned when a preference list holds an entry that
// is neither a concrete medium nor PrefRecipient. It aborts the whole send.
var ErrUnresolvableMedium = errors.New("unresolvable medium preference")

// Concrete returns the medium for a concrete preference.
func (p MediumPreference) Concrete() (Medium, bool) {
	switch p {
	case PrefEmail:
		return MediumEmail, true
	case PrefSMS:
		return MediumSMS, true
	case PrefPush:
		return MediumPush, true
	}
	return "", false
}

// IsZero reports an unset preference, which callers treat as PrefRecipient.
func (p MediumPreference) IsZero() bool { return strings.TrimSpace(string(p)) == "" }

// ResolveMedium walks prefs in order. The first concrete medium wins. A
// PrefRecipient entry defers to the next entry; with nothing behind it the
// result is email.
func ResolveMedium(prefs ...MediumPreference) (Medium, error) {
	if len(prefs) == 0 {
		return MediumEmail, nil
	}
	head := prefs[0]
	if head.IsZero() {
		head = PrefRecipient
	}
	if m, ok := head.Concrete(); ok {
		return m, nil
	}
	if head != PrefRecipient {
		return "", fmt.Errorf("%w: %q", ErrUnresolvableMedium, string(head))
	}
	if len(prefs) == 1 {
		return MediumEmail, nil
	}
	return ResolveMedium(prefs[1:]...)
}
