// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/realm-foundation/realm/lib/cron"
	"github.com/realm-foundation/realm/lib/schema"
)

// fireDueSchedules spawns derived records for recurring jobs whose
// cron schedule has fired since the last evaluation. Completion of
// one recurrence never blocks the next — each firing is an
// independent record.
func (s *Scheduler) fireDueSchedules(ctx context.Context) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	type firing struct {
		parent schema.JobSpec
		id     string
	}
	var due []firing
	for _, record := range s.jobs {
		if record.Spec.Kind != schema.JobRecurring {
			continue
		}
		schedule, err := cron.Parse(record.Spec.Schedule)
		if err != nil {
			// Validated at submission; a parse failure here means the
			// record predates a stricter parser. Skip, loudly.
			s.logger.Warn("unparseable schedule", "job", record.Spec.ID, "schedule", record.Spec.Schedule, "error", err)
			continue
		}
		reference := record.LastScheduledAt
		if reference.IsZero() {
			reference = record.SubmittedAt
		}
		next, err := schedule.Next(reference)
		if err != nil || next.After(now) {
			continue
		}
		record.LastScheduledAt = now
		s.persistLocked(record)
		due = append(due, firing{parent: record.Spec, id: derivedJobID(record.Spec.ID, next)})
	}
	s.mu.Unlock()

	for _, f := range due {
		derived := f.parent
		derived.ID = f.id
		derived.Kind = schema.JobOneShot
		derived.Schedule = ""
		s.config.Logs.Append(jobSource(f.parent.ID), fmt.Sprintf("schedule fired, derived job %s", f.id))
		if err := s.Submit(ctx, derived, nil); err != nil {
			s.logger.Warn("submitting derived recurrence", "job", f.id, "error", err)
		}
	}
}

// derivedJobID names one firing of a recurring job. A pure function
// of the parent ID and the firing instant, so every node in the mesh
// derives the same ID and the placement election converges on one
// runner.
func derivedJobID(parentID string, fireTime time.Time) string {
	return fmt.Sprintf("%s-%d", parentID, fireTime.Unix())
}
