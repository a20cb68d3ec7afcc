package store

import "errors"

// ErrNotFound indicates a missing or expired session.
var ErrNotFound = errors.New("session not found")

// ErrCorruptSession is returned when a stored session cannot be decoded or unsealed.
var ErrCorruptSession = errors.New("stored session is corrupt")
