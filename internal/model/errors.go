package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderExists   = errors.New("order already exists")
	ErrViewNotFound  = errors.New("view not found")
	ErrStateConflict = errors.New("state changed concurrently")
)

// ValidationError rejects a malformed command before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransitionRejected is a state-guard failure: a business rule, not a bug.
type TransitionRejected struct {
	Event  EventType
	From   State
	Reason string
}

func (e *TransitionRejected) Error() string {
	return fmt.Sprintf("transition %s rejected in state %d: %s", e.Event, e.From, e.Reason)
}

// PersistenceError means the durable-store write failed and was rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// PeerUnavailable marks a failed peer fetch. The view degrades; the
// transition does not fail.
type PeerUnavailable struct {
	Domain  string
	Service string
	Code    int
	Msg     string
}

func (e *PeerUnavailable) Error() string {
	return fmt.Sprintf("peer %s/%s unavailable: code=%d msg=%s", e.Domain, e.Service, e.Code, e.Msg)
}

// CacheWriteError means the materialization batch failed after the durable
// state already committed. Logged and repaired by a later refresh.
type CacheWriteError struct {
	Err error
}

func (e *CacheWriteError) Error() string { return fmt.Sprintf("cache batch: %v", e.Err) }
func (e *CacheWriteError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a transition rejection.
func IsRejected(err error) bool {
	var tr *TransitionRejected
	return errors.As(err, &tr)
}
