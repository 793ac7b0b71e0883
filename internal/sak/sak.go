// Package sak ("swiss army knife") collects a handful of small, dependency-free
// helpers: a forkable cancellation token plus a couple of generic slice
// utilities. It is used by the reference Kafka adapter to give backward-read
// goroutines a fork/halt/done lifecycle token independent of any single
// request's context.
package sak

import (
	"context"
	"sync"
)

// Max returns the greater of a and b.
func Max[T int | int32 | int64](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// ToPtrSlice returns a slice of pointers to each element of s.
func ToPtrSlice[T any](s []T) []*T {
	out := make([]*T, len(s))
	for i := range s {
		out[i] = &s[i]
	}
	return out
}

// RunStatus is a cancellation token that can be Forked into children: halting
// a parent halts every fork, but halting a fork only halts that fork.
type RunStatus struct {
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	children []*RunStatus
}

// NewRunStatus returns a root RunStatus derived from ctx.
func NewRunStatus(ctx context.Context) RunStatus {
	c, cancel := context.WithCancel(ctx)
	return RunStatus{ctx: c, cancel: cancel}
}

// Fork returns a child RunStatus that is halted whenever rs is halted, and
// can additionally be halted independently.
func (rs *RunStatus) Fork() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	child := NewRunStatus(rs.ctx)
	rs.children = append(rs.children, &child)
	return child
}

// Halt cancels rs and every fork derived from it.
func (rs *RunStatus) Halt() {
	rs.mu.Lock()
	children := rs.children
	rs.mu.Unlock()
	rs.cancel()
	for _, c := range children {
		c.Halt()
	}
}

// Done returns a channel closed when rs is halted.
func (rs *RunStatus) Done() <-chan struct{} {
	return rs.ctx.Done()
}

// Running reports whether rs has not yet been halted.
func (rs *RunStatus) Running() bool {
	select {
	case <-rs.ctx.Done():
		return false
	default:
		return true
	}
}

// Ctx returns the context backing rs, canceled when rs is halted.
func (rs *RunStatus) Ctx() context.Context {
	return rs.ctx
}
