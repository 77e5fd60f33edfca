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
	"net/url"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/uqharvest/uqharvest/store"
	"github.com/uqharvest/uqharvest/uqer"
)

// Fetcher is the narrow contract to the external provider: one call keyed by
// dataset name with a candidate's parameters, returning a tabular result.
// Errors are classified with uqer.KindOf.
type Fetcher interface {
	Fetch(ctx context.Context, dataset string, params url.Values) (*store.Table, error)
}

// Status of a partition attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusEmpty          // the call worked, the result had zero rows
	StatusSkipped        // checkpoint already satisfied
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEmpty:
		return "empty"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the terminal result of attempting one partition. Errors never
// propagate past the worker; they are folded into a failed Outcome.
type Outcome struct {
	Partition Partition
	Status    Status
	Records   int
	Bytes     int64
	Candidate string // the accepted shape name, for Success and Empty
	Err       error  // set only for StatusFailed
}

// Worker acquires single partitions: negotiate parameters, call the
// provider, validate, persist, checkpoint.
type Worker struct {
	Fetcher    Fetcher
	Store      *store.FileStore
	Checkpoint store.Checkpoint
	Limiter    *Limiter
	Negotiator *Negotiator
}

func failed(p Partition, err error) Outcome {
	return Outcome{Partition: p, Status: StatusFailed, Err: err}
}

// Execute attempts one partition and returns its terminal Outcome.
func (w *Worker) Execute(ctx context.Context, p Partition) Outcome {
	ref := p.Ref()
	if w.Checkpoint.IsSatisfied(ctx, ref) {
		logging.Debugf(ctx, "%s already satisfied, skipping", p)
		return Outcome{Partition: p, Status: StatusSkipped}
	}
	sawEmpty := false
	emptyShape := ""
	for _, cand := range w.Negotiator.Candidates(p) {
		if err := w.Limiter.BeforeCall(ctx, p.Dataset.Wide); err != nil {
			return failed(p, err)
		}
		tbl, err := w.Fetcher.Fetch(ctx, p.Dataset.Name, cand.Params)
		if err != nil {
			if uqer.KindOf(err) == uqer.KindBadParam {
				logging.Debugf(ctx, "%s: shape %s rejected: %s", p, cand.Name, err.Error())
				continue
			}
			w.Limiter.ReportFailure()
			return failed(p, errors.Annotate(err, "%s: call failed with shape %s", p, cand.Name))
		}
		w.Limiter.ReportSuccess()
		if tbl.Empty() {
			// No artifact and no checkpoint for empty results: a later run may
			// re-ask the provider, which by then may have the data.
			if p.Dataset.EmptyResult == EmptyNegotiate {
				sawEmpty = true
				emptyShape = cand.Name
				continue
			}
			return Outcome{Partition: p, Status: StatusEmpty, Candidate: cand.Name}
		}
		size, err := w.Store.WriteTable(ref, tbl)
		if err != nil {
			return failed(p, errors.Annotate(err, "%s: failed to persist artifact", p))
		}
		if err := w.Checkpoint.MarkSatisfied(ctx, ref, tbl.NumRows(), size); err != nil {
			return failed(p, errors.Annotate(err, "%s: failed to mark checkpoint", p))
		}
		w.Negotiator.Adopt(p.Dataset.Name, cand.Name)
		return Outcome{
			Partition: p,
			Status:    StatusSuccess,
			Records:   tbl.NumRows(),
			Bytes:     size,
			Candidate: cand.Name,
		}
	}
	if sawEmpty {
		return Outcome{Partition: p, Status: StatusEmpty, Candidate: emptyShape}
	}
	return failed(p, errors.Reason("%s: no parameter shape accepted", p))
}
