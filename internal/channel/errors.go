package channel

import (
	"errors"
	"fmt"
)

// Permanent marks a send error as not worth retrying.
//
// Senders wrap errors that will not change on a later attempt (bad address,
// recipient blocked the bot) so the dispatcher fails the recipient right away
// instead of spending its retry budget.
//
// Example:
//
//	return channel.Receipt{}, channel.Permanent(fmt.Errorf("bad chat id: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
