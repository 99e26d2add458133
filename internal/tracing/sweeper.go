// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/vantage/internal/log"
)

// LimitFunc returns the maximum duration allowed for executions of an
// entity, or false when no specific limit applies.
type LimitFunc func(entityID string, typ TraceType) (time.Duration, bool)

// Sweeper periodically moves running traces that exceeded their limit to
// the timeout status.
type Sweeper struct {
	recorder *Recorder
	interval time.Duration
	timeout  time.Duration
	limit    LimitFunc
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. timeout applies to entities for which
// limit reports nothing; zero disables the fallback.
func NewSweeper(r *Recorder, interval, timeout time.Duration, limit LimitFunc, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		recorder: r,
		interval: interval,
		timeout:  timeout,
		limit:    limit,
		logger:   log.WithComponent(log.OrDefault(logger), "sweeper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Debug("sweeper stopping")
			return nil
		}
	}
}

// Sweep performs a single pass and returns how many traces timed out.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.recorder.now()
	expired := 0
	for _, t := range s.recorder.Active() {
		limit := s.limitFor(t)
		if limit <= 0 || now.Sub(t.StartedAt) <= limit {
			continue
		}
		// Complete or Fail may have won the race since Active was read
		if _, ok := s.recorder.expire(ctx, t.ID, limit); ok {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("expired stuck traces", slog.Int("count", expired))
	}
	return expired
}

func (s *Sweeper) limitFor(t Trace) time.Duration {
	if s.limit != nil {
		if d, ok := s.limit(t.EntityID, t.Type); ok {
			return d
		}
	}
	return s.timeout
}
