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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/logging"
	"github.com/uqharvest/uqharvest/store"
)

// Tally is one bucket of outcome counts.
type Tally struct {
	Attempted int   `json:"attempted"`
	Succeeded int   `json:"succeeded"`
	Skipped   int   `json:"skipped"`
	Empty     int   `json:"empty"`
	Failed    int   `json:"failed"`
	Records   int   `json:"records"`
	Bytes     int64 `json:"bytes"`
}

func (t *Tally) add(o Outcome) {
	t.Attempted++
	switch o.Status {
	case StatusSuccess:
		t.Succeeded++
		t.Records += o.Records
		t.Bytes += o.Bytes
	case StatusSkipped:
		t.Skipped++
	case StatusEmpty:
		t.Empty++
	case StatusFailed:
		t.Failed++
	}
}

// RunSummary aggregates the outcomes of one coordinator run. It is the only
// result object: progress is never accumulated through shared state.
type RunSummary struct {
	RunID      string            `json:"run_id"`
	Started    store.Time        `json:"started"`
	Finished   store.Time        `json:"finished"`
	Duration   string            `json:"duration"`
	Totals     Tally             `json:"totals"`
	Datasets   map[string]*Tally `json:"datasets"`   // keyed category/name
	Categories map[string]*Tally `json:"categories"` // keyed category
}

func newRunSummary(now time.Time) *RunSummary {
	return &RunSummary{
		RunID:      uuid.NewString(),
		Started:    store.Time(now.UTC()),
		Datasets:   make(map[string]*Tally),
		Categories: make(map[string]*Tally),
	}
}

func (s *RunSummary) add(o Outcome) {
	s.Totals.add(o)
	dsKey := o.Partition.Dataset.Category + "/" + o.Partition.Dataset.Name
	if s.Datasets[dsKey] == nil {
		s.Datasets[dsKey] = &Tally{}
	}
	s.Datasets[dsKey].add(o)
	cat := o.Partition.Dataset.Category
	if s.Categories[cat] == nil {
		s.Categories[cat] = &Tally{}
	}
	s.Categories[cat].add(o)
}

// ArtifactName of the optional run summary JSON under the store root.
func (s *RunSummary) ArtifactName() string {
	return "run_" + s.RunID + ".json"
}

// Coordinator walks dataset specs in configuration order, drives the Worker
// over each dataset's partitions, and folds Outcomes into a RunSummary.
// A failed partition never aborts the run.
type Coordinator struct {
	Config  *Config
	Worker  *Worker
	Planner *Planner
}

// NewCoordinator wires up a coordinator for the config: artifact store,
// checkpoint store per the configured mode, rate limiter and negotiator.
func NewCoordinator(cfg *Config, fetcher Fetcher) (*Coordinator, error) {
	fs := store.NewFileStore(cfg.DataDir)
	var cp store.Checkpoint
	switch cfg.Checkpoint {
	case "exists":
		cp = store.NewExistsCheckpoint(fs)
	default:
		m, err := store.LoadManifest(fs)
		if err != nil {
			return nil, errors.Annotate(err, "failed to load checkpoint manifest")
		}
		cp = m
	}
	return &Coordinator{
		Config: cfg,
		Worker: &Worker{
			Fetcher:    fetcher,
			Store:      fs,
			Checkpoint: cp,
			Limiter:    NewLimiter(cfg.RateLimit),
			Negotiator: NewNegotiator(cfg.RememberShape),
		},
		Planner: NewPlanner(time.Now()),
	}, nil
}

func (c *Coordinator) workers() int {
	if c.Config.Workers < 1 {
		return 1
	}
	return c.Config.Workers
}

// runDataset attempts all partitions of one dataset, sequentially or through
// a bounded pool. Partitions have no data dependency on one another, so pool
// ordering does not affect the summary.
func (c *Coordinator) runDataset(ctx context.Context, parts []Partition) []Outcome {
	if c.workers() == 1 {
		outcomes := make([]Outcome, 0, len(parts))
		for _, p := range parts {
			outcomes = append(outcomes, c.Worker.Execute(ctx, p))
		}
		return outcomes
	}
	f := func(p Partition) Outcome { return c.Worker.Execute(ctx, p) }
	pm := iterator.ParallelMap(ctx, c.workers(), iterator.FromSlice(parts), f)
	defer pm.Close()
	return iterator.Reduce[Outcome, []Outcome](pm, make([]Outcome, 0, len(parts)),
		func(o Outcome, acc []Outcome) []Outcome { return append(acc, o) })
}

// Run plans and attempts every configured dataset and returns the finalized
// summary. The returned error covers only summary persistence; acquisition
// failures surface as Failed tallies.
func (c *Coordinator) Run(ctx context.Context) (*RunSummary, error) {
	summary := newRunSummary(time.Now())
	logging.Infof(ctx, "starting run %s: %d datasets",
		summary.RunID, len(c.Config.Datasets))
	for i := range c.Config.Datasets {
		ds := &c.Config.Datasets[i]
		if i > 0 {
			if err := c.Worker.Limiter.BeforeBatch(ctx); err != nil {
				logging.Warningf(ctx, "run interrupted: %s", err.Error())
				break
			}
		}
		parts := c.Planner.Plan(ds)
		logging.Infof(ctx, "dataset %s/%s: %d partitions", ds.Category, ds.Name, len(parts))
		for _, o := range c.runDataset(ctx, parts) {
			summary.add(o)
			switch o.Status {
			case StatusFailed:
				logging.Warningf(ctx, "%s failed: %s", o.Partition, o.Err.Error())
			case StatusSuccess:
				logging.Infof(ctx, "%s: %d records, %d bytes (shape %s)",
					o.Partition, o.Records, o.Bytes, o.Candidate)
			default:
				logging.Debugf(ctx, "%s: %s", o.Partition, o.Status)
			}
		}
	}
	finished := time.Now()
	summary.Finished = store.Time(finished.UTC())
	summary.Duration = finished.Sub(time.Time(summary.Started)).Round(time.Millisecond).String()
	logging.Infof(ctx,
		"run %s done: %d attempted, %d succeeded, %d skipped, %d empty, %d failed, %d records",
		summary.RunID, summary.Totals.Attempted, summary.Totals.Succeeded,
		summary.Totals.Skipped, summary.Totals.Empty, summary.Totals.Failed,
		summary.Totals.Records)
	if c.Config.WriteSummary {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return summary, errors.Annotate(err, "failed to marshal run summary")
		}
		if err := c.Worker.Store.WriteFile(summary.ArtifactName(), data); err != nil {
			return summary, errors.Annotate(err, "failed to write run summary")
		}
	}
	return summary, nil
}
