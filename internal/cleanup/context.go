/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package cleanup runs release steps that must happen on every exit path,
// including after the caller's context was cancelled.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/containerd/log"
)

// cleanupTimeout bounds a single cleanup pass. Unmounting a busy volume
// and detaching its loop device fit well within it.
const cleanupTimeout = 30 * time.Second

// Do runs the provided function with a context that is not cancelled with
// the parent and carries its own cleanupTimeout deadline.
func Do(ctx context.Context, do func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	do(ctx)
	cancel()
}

type step struct {
	name string
	fn   func(context.Context) error
}

// Stack collects release steps and runs them last-in first-out.
// The zero value is ready to use.
type Stack struct {
	mu    sync.Mutex
	steps []step
	done  bool
}

// Push registers fn to run on Run. Steps pushed after Run are ignored.
func (s *Stack) Push(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// Run executes every registered step in reverse order, even when earlier
// steps fail, and returns the joined errors. Run is idempotent.
func (s *Stack) Run(ctx context.Context) error {
	s.mu.Lock()
	steps := s.steps
	s.steps = nil
	s.done = true
	s.mu.Unlock()

	var errs []error
	Do(ctx, func(ctx context.Context) {
		for i := len(steps) - 1; i >= 0; i-- {
			if err := steps[i].fn(ctx); err != nil {
				log.G(ctx).WithError(err).WithField("step", steps[i].name).Warn("cleanup step failed")
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
