package media

import "errors"

var (
	// ErrStagedTooLarge indicates the payload exceeds the staging size limit.
	ErrStagedTooLarge = errors.New("staged media too large")
	// ErrEmptyPayload indicates the download produced no bytes.
	ErrEmptyPayload = errors.New("media payload is empty")
)
