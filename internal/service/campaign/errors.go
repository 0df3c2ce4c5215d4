package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound       = errors.New("campaign not found")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrEmptyPayload   = errors.New("campaign payload is empty for its channel")
	ErrNoRecipients   = errors.New("campaign has no recipients or filter")
	ErrNoPendingBatch = errors.New("no pending batch")
)
