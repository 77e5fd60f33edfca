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
	"net/url"
	"strings"
	"sync"
)

// Candidate is one named request-parameter shape to try against the
// provider. Candidates for a partition are tried in order; the first one the
// endpoint accepts wins.
type Candidate struct {
	Name   string
	Params url.Values
}

// Candidate shape names.
const (
	ShapeNone      = "none"
	ShapeTradeDate = "trade_date"
	ShapeDateRange = "date_range"
)

// Negotiator enumerates candidate parameter shapes for a partition. It never
// calls the provider itself. With memory enabled, the first shape a dataset
// accepted is proposed first for the dataset's later partitions, saving the
// rejected-probe calls the provider would otherwise see.
type Negotiator struct {
	remember bool

	mu      sync.Mutex
	adopted map[string]string // dataset name -> accepted shape name
}

// NewNegotiator creates a Negotiator; remember enables shape memory.
func NewNegotiator(remember bool) *Negotiator {
	return &Negotiator{remember: remember, adopted: make(map[string]string)}
}

func shape(name string, p Partition) Candidate {
	v := make(url.Values)
	switch name {
	case ShapeTradeDate:
		v.Set("tradeDate", p.End.Compact())
	case ShapeDateRange:
		v.Set("beginDate", p.Start.Compact())
		v.Set("endDate", p.End.Compact())
	}
	if p.Entities != nil {
		v.Set("ticker", strings.Join(p.Entities, ","))
	}
	return Candidate{Name: name, Params: v}
}

// Candidates returns the ordered, dataset-type-dependent shapes to try for
// the partition. Unknown dataset types get a generic best-effort fallback
// rather than an error.
func (n *Negotiator) Candidates(p Partition) []Candidate {
	var names []string
	if p.End.IsZero() {
		// Snapshot partitions have no window to parameterize.
		names = []string{ShapeNone}
	} else {
		switch p.Dataset.ParamStyle {
		case StyleTradeDate:
			names = []string{ShapeTradeDate, ShapeDateRange}
		case StyleDateRange:
			names = []string{ShapeDateRange}
		case StyleNone:
			names = []string{ShapeNone}
		default:
			names = []string{ShapeNone, ShapeDateRange}
		}
	}
	if adopted, ok := n.adoptedShape(p.Dataset.Name); ok {
		for i, name := range names {
			if name == adopted && i > 0 {
				copy(names[1:i+1], names[:i])
				names[0] = adopted
				break
			}
		}
	}
	cands := make([]Candidate, len(names))
	for i, name := range names {
		cands[i] = shape(name, p)
	}
	return cands
}

func (n *Negotiator) adoptedShape(dataset string) (string, bool) {
	if !n.remember {
		return "", false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.adopted[dataset]
	return s, ok
}

// Adopt records the shape a dataset accepted, so later partitions of the
// same dataset try it first.
func (n *Negotiator) Adopt(dataset, shapeName string) {
	if !n.remember {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adopted[dataset] = shapeName
}
