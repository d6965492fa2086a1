// Copyright (C) 2017 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package task holds small helpers for context-scoped cancellation, kept in
// the shape the teacher's core/event/task exposed (ShouldStop/StopReason)
// but adapted to a plain context.Context instead of a bespoke wrapper type.
package task

import (
	"context"
	"time"
)

// CancelFunc cancels a context created by WithTimeout/WithDeadline/WithCancel.
type CancelFunc context.CancelFunc

// WithCancel is shorthand for context.WithCancel.
func WithCancel(ctx context.Context) (context.Context, CancelFunc) {
	c, cancel := context.WithCancel(ctx)
	return c, CancelFunc(cancel)
}

// WithDeadline is shorthand for context.WithDeadline.
func WithDeadline(ctx context.Context, deadline time.Time) (context.Context, CancelFunc) {
	c, cancel := context.WithDeadline(ctx, deadline)
	return c, CancelFunc(cancel)
}

// WithTimeout is shorthand for WithDeadline(ctx, time.Now().Add(duration)).
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, CancelFunc) {
	return WithDeadline(ctx, time.Now().Add(duration))
}

// ShouldStop returns a chan that's closed when work done on behalf of ctx
// should stop.
func ShouldStop(ctx context.Context) <-chan struct{} {
	return ctx.Done()
}

// StopReason returns the non-nil error set once ShouldStop fires.
func StopReason(ctx context.Context) error {
	return ctx.Err()
}

// Stopped is shorthand for StopReason(ctx) != nil.
func Stopped(ctx context.Context) bool {
	return ctx.Err() != nil
}
