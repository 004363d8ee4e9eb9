package domain

import "errors"

// ErrObjectNotFound is returned by ledgers when no object exists for an id.
var ErrObjectNotFound = errors.New("object not found")
