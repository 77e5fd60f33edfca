// Copyright 2025 UQ Harvest

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harvest

import (
	"context"
	"sync"
	"time"

	"github.com/stockparfait/errors"
	"golang.org/x/time/rate"
)

// Limiter gates provider calls with token buckets instead of ad hoc sleeps:
// one bucket for ordinary calls, a slower one for wide datasets, and one for
// inter-dataset pauses. On consecutive provider failures it adds an
// exponentially growing delay, reset by the first success.
type Limiter struct {
	call  *rate.Limiter
	wide  *rate.Limiter
	batch *rate.Limiter

	backoffBase time.Duration
	backoffMax  time.Duration

	mu          sync.Mutex
	consecutive int
}

func newBucket(delayMs int) *rate.Limiter {
	if delayMs <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Duration(delayMs)*time.Millisecond), 1)
}

// NewLimiter creates a Limiter from the configured delays.
func NewLimiter(cfg RateLimits) *Limiter {
	return &Limiter{
		call:        newBucket(cfg.CallDelayMs),
		wide:        newBucket(cfg.WideCallDelayMs),
		batch:       newBucket(cfg.BatchDelayMs),
		backoffBase: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		backoffMax:  time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
	}
}

// backoffDelay is the current penalty for consecutive failures; zero when the
// last call succeeded.
func (l *Limiter) backoffDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consecutive == 0 || l.backoffBase <= 0 {
		return 0
	}
	d := l.backoffBase
	for i := 1; i < l.consecutive; i++ {
		d *= 2
		if l.backoffMax > 0 && d >= l.backoffMax {
			return l.backoffMax
		}
	}
	if l.backoffMax > 0 && d > l.backoffMax {
		d = l.backoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "interrupted while rate-limited")
	case <-t.C:
		return nil
	}
}

// BeforeCall blocks until the next provider call is allowed. Wide datasets
// wait on the slower bucket.
func (l *Limiter) BeforeCall(ctx context.Context, wide bool) error {
	if err := sleepCtx(ctx, l.backoffDelay()); err != nil {
		return err
	}
	bucket := l.call
	if wide {
		bucket = l.wide
	}
	if err := bucket.Wait(ctx); err != nil {
		return errors.Annotate(err, "interrupted while rate-limited")
	}
	return nil
}

// BeforeBatch blocks for the longer inter-dataset pause.
func (l *Limiter) BeforeBatch(ctx context.Context) error {
	if err := l.batch.Wait(ctx); err != nil {
		return errors.Annotate(err, "interrupted while rate-limited")
	}
	return nil
}

// ReportFailure records a provider failure, growing the backoff penalty.
func (l *Limiter) ReportFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutive++
}

// ReportSuccess resets the backoff penalty.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutive = 0
}
