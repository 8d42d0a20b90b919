package relay

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrMessageTooLong  = errors.New("message text exceeds the maximum length")
	ErrSessionArchived = errors.New("session is archived")
)

// ProviderError reports an upstream call that failed after the retry budget
// was spent. The failed turn is still recorded in the session history with an
// error annotation.
type ProviderError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
