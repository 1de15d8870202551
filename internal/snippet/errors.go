package snippet

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for snippets that do not exist, belong to
	// another user, or were deleted. Callers cannot tell these apart.
	ErrNotFound = errors.New("snippet not found")

	// ErrNotReady is returned when a snippet's content is still being
	// persisted.
	ErrNotReady = errors.New("snippet not ready")

	// ErrDuplicate is returned when accepted content byte-matches one
	// of the owner's recent snippets.
	ErrDuplicate = errors.New("duplicate content")

	// ErrBusy is returned when the async persist queue is full and a
	// new snippet cannot be taken on.
	ErrBusy = errors.New("service busy")

	// ErrEmptyContent rejects accepts with no content.
	ErrEmptyContent = errors.New("content must not be empty")

	// ErrContentTooLarge rejects content over the configured size cap.
	ErrContentTooLarge = errors.New("content too large")

	// ErrSourceURLTooLong rejects source URLs over the configured cap.
	ErrSourceURLTooLong = errors.New("source url too long")

	// ErrEmptyQuery rejects searches with an empty query.
	ErrEmptyQuery = errors.New("search query must not be empty")
)

// QuotaError reports an accept rejected because the owner is at their
// live snippet quota.
type QuotaError struct {
	Current int
	Max     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("snippet quota reached: %d of %d", e.Current, e.Max)
}

// WordLimitError reports content whose estimated word count exceeds the
// configured cap.
type WordLimitError struct {
	Estimated int64
	Max       int64
}

func (e *WordLimitError) Error() string {
	return fmt.Sprintf("word limit exceeded: estimated %d, limit %d", e.Estimated, e.Max)
}
