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

// Package harvest implements the resumable bulk-acquisition core: partition
// planning, request-parameter negotiation, rate limiting, per-partition
// acquisition and run coordination. Provider specifics live in package uqer;
// artifacts and checkpoints in package store.
package harvest

import (
	"fmt"
	"time"

	"github.com/uqharvest/uqharvest/store"
)

// Partition is the atomic unit of acquisition work: a dataset, a time window
// (zero for snapshots) and optionally a bounded batch of the dataset's entity
// universe. Partitions are generated fresh each run and never mutated.
type Partition struct {
	Dataset    *DatasetSpec
	Start      store.Date
	End        store.Date
	BatchIndex int
	Entities   []string // nil when the dataset has no entity universe
}

// Key is the deterministic partition key, used both as the checkpoint lookup
// key and as the artifact file name.
func (p Partition) Key() string {
	var key string
	switch p.Dataset.Granularity {
	case Snapshot:
		key = "snapshot"
	case Yearly:
		key = fmt.Sprintf("year_%04d", p.End.Year())
	case Quarterly:
		key = fmt.Sprintf("%04d_Q%d", p.End.Year(), (p.End.Month()-1)/3+1)
	case Monthly:
		key = fmt.Sprintf("%04d_M%02d", p.End.Year(), p.End.Month())
	case Daily:
		key = p.End.Compact()
	}
	if p.Entities != nil {
		key += fmt.Sprintf("_batch%02d", p.BatchIndex)
	}
	return key
}

// Ref is the artifact address of the partition.
func (p Partition) Ref() store.ArtifactRef {
	return store.ArtifactRef{
		Category: p.Dataset.Category,
		Dataset:  p.Dataset.Name,
		Key:      p.Key(),
	}
}

func (p Partition) String() string {
	return p.Ref().String()
}

// Planner turns a dataset spec into its ordered partition list. It is pure:
// no I/O, and deterministic for a fixed Today.
type Planner struct {
	Today store.Date // periods ending after this date are silently excluded
}

// NewPlanner creates a planner excluding periods that have not elapsed by
// now, in the provider's exchange timezone.
func NewPlanner(now time.Time) *Planner {
	return &Planner{Today: store.DateInShanghai(now)}
}

// periodWindows lists the [start, end] windows of the spec's granularity over
// its year range, ascending by year and by period within a year. Future
// periods are excluded, not errored.
func (pl *Planner) periodWindows(ds *DatasetSpec) [][2]store.Date {
	var windows [][2]store.Date
	add := func(start, end store.Date) {
		if end.After(pl.Today) {
			return
		}
		windows = append(windows, [2]store.Date{start, end})
	}
	for year := ds.StartYear; year <= ds.EndYear; year++ {
		y := uint16(year)
		switch ds.Granularity {
		case Yearly:
			add(store.NewDate(y, 1, 1), store.NewDate(y, 12, 31))
		case Quarterly:
			for q := uint8(0); q < 4; q++ {
				start := store.NewDate(y, q*3+1, 1)
				add(start, start.QuarterEnd())
			}
		case Monthly:
			for m := uint8(1); m <= 12; m++ {
				start := store.NewDate(y, m, 1)
				add(start, start.MonthEnd())
			}
		case Daily:
			for t := store.NewDate(y, 1, 1).ToTime(); t.Year() == year; t = t.AddDate(0, 0, 1) {
				d := store.NewDateFromTime(t)
				add(d, d)
			}
		}
	}
	return windows
}

// activeEntities filters the universe down to entities already active in the
// given year. The universe's natural order is preserved.
func activeEntities(ds *DatasetSpec, year int) []string {
	ids := make([]string, 0, len(ds.Entities))
	for _, e := range ds.Entities {
		if e.FirstYear == 0 || e.FirstYear <= year {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Plan produces the ordered partitions of one dataset: one per period window,
// additionally sliced into entity batches of at most BatchSize when the
// dataset has an entity universe.
func (pl *Planner) Plan(ds *DatasetSpec) []Partition {
	var windows [][2]store.Date
	if ds.Granularity == Snapshot {
		windows = [][2]store.Date{{}} // a single window with no dates
	} else {
		windows = pl.periodWindows(ds)
	}
	var parts []Partition
	for _, w := range windows {
		if len(ds.Entities) == 0 {
			parts = append(parts, Partition{Dataset: ds, Start: w[0], End: w[1]})
			continue
		}
		year := int(w[1].Year())
		if ds.Granularity == Snapshot {
			year = int(pl.Today.Year())
		}
		ids := activeEntities(ds, year)
		for i := 0; i*ds.BatchSize < len(ids); i++ {
			hi := (i + 1) * ds.BatchSize
			if hi > len(ids) {
				hi = len(ids)
			}
			parts = append(parts, Partition{
				Dataset:    ds,
				Start:      w[0],
				End:        w[1],
				BatchIndex: i,
				Entities:   ids[i*ds.BatchSize : hi],
			})
		}
	}
	return parts
}
