// Package concurrency bounds the work the server accepts.
//
// A process-wide [Controller] admits sessions through a counting semaphore
// and serialises inference calls for providers that cannot run concurrently.
// Every session owns an [Ingress]: one bounded priority queue per audio
// source with a drop-oldest overflow policy, a smoothed fill ratio that
// drives the adaptive chunk size, and observable backpressure levels.
package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

const (
	DefaultMaxSessions  = 10
	DefaultMaxInference = 1
)

// ErrServerBusy is returned when no session slot frees up in time.
var ErrServerBusy = errors.New("concurrency: server_busy")

var _ asr.InferenceGate = (*Controller)(nil)

// Controller is the process-wide admission and inference limiter. It is safe
// for concurrent use.
type Controller struct {
	maxSessions  int
	maxInference int

	sessions  *semaphore.Weighted
	inference *semaphore.Weighted

	active   atomic.Int64
	rejected atomic.Int64
	inflight atomic.Int64
}

// NewController returns a Controller admitting maxSessions concurrent
// sessions and maxInference concurrent inference calls. Non-positive values
// use the defaults.
func NewController(maxSessions, maxInference int) *Controller {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if maxInference <= 0 {
		maxInference = DefaultMaxInference
	}
	return &Controller{
		maxSessions:  maxSessions,
		maxInference: maxInference,
		sessions:     semaphore.NewWeighted(int64(maxSessions)),
		inference:    semaphore.NewWeighted(int64(maxInference)),
	}
}

// AcquireSession claims a session slot, waiting at most timeout. It returns
// [ErrServerBusy] when the wait expires and ctx's error when ctx ends first.
// A zero timeout only succeeds if a slot is free right now.
func (c *Controller) AcquireSession(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		if !c.sessions.TryAcquire(1) {
			c.rejected.Add(1)
			return ErrServerBusy
		}
		c.active.Add(1)
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.sessions.Acquire(wctx, 1); err != nil {
		c.rejected.Add(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrServerBusy
	}
	c.active.Add(1)
	return nil
}

// ReleaseSession frees a slot claimed by AcquireSession.
func (c *Controller) ReleaseSession() {
	c.active.Add(-1)
	c.sessions.Release(1)
}

// AcquireInference implements [asr.InferenceGate].
func (c *Controller) AcquireInference(ctx context.Context) error {
	if err := c.inference.Acquire(ctx, 1); err != nil {
		return err
	}
	c.inflight.Add(1)
	return nil
}

// ReleaseInference implements [asr.InferenceGate].
func (c *Controller) ReleaseInference() {
	c.inflight.Add(-1)
	c.inference.Release(1)
}

// GateFor returns the gate a provider with caps must pass before every
// inference call, or nil when the provider runs inference concurrently.
func (c *Controller) GateFor(caps asr.Capabilities) asr.InferenceGate {
	if caps.ConcurrentInference {
		return nil
	}
	return c
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	ActiveSessions    int64 `json:"active_sessions"`
	MaxSessions       int   `json:"max_sessions"`
	RejectedSessions  int64 `json:"rejected_sessions"`
	InflightInference int64 `json:"inflight_inference"`
	MaxInference      int   `json:"max_inference"`
}

// Stats returns the current counters.
func (c *Controller) Stats() Stats {
	return Stats{
		ActiveSessions:    c.active.Load(),
		MaxSessions:       c.maxSessions,
		RejectedSessions:  c.rejected.Load(),
		InflightInference: c.inflight.Load(),
		MaxInference:      c.maxInference,
	}
}
