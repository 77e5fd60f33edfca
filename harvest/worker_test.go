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
	"os"
	"path/filepath"
	"testing"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/uqharvest/uqharvest/store"
	"github.com/uqharvest/uqharvest/uqer"

	. "github.com/smartystreets/goconvey/convey"
)

// shapeOf recovers the candidate shape name from the request parameters, for
// recording stub calls.
func shapeOf(params url.Values) string {
	if params.Get("tradeDate") != "" {
		return ShapeTradeDate
	}
	if params.Get("beginDate") != "" {
		return ShapeDateRange
	}
	return ShapeNone
}

// stubFetcher scripts provider behavior per parameter shape.
type stubFetcher struct {
	rows    int             // rows per successful call
	reject  map[string]bool // shapes rejected as bad parameters
	empty   map[string]bool // shapes answered with zero rows
	failErr error           // when set, every call fails with this error
	calls   []string        // shape of every call, in order
}

var _ Fetcher = &stubFetcher{}

func (f *stubFetcher) Fetch(ctx context.Context, dataset string, params url.Values) (*store.Table, error) {
	shape := shapeOf(params)
	f.calls = append(f.calls, shape)
	if f.failErr != nil {
		return nil, f.failErr
	}
	if f.reject[shape] {
		return nil, &uqer.CallError{Kind: uqer.KindBadParam, Code: -1, Msg: "bad " + shape}
	}
	t := store.NewTable("ticker", "closePrice")
	if f.empty[shape] {
		return t, nil
	}
	for i := 0; i < f.rows; i++ {
		t.AddRow("600000", "10.5")
	}
	return t, nil
}

func newTestWorker(root string, f Fetcher) *Worker {
	fs := store.NewFileStore(root)
	m, err := store.LoadManifest(fs)
	if err != nil {
		panic(err)
	}
	return &Worker{
		Fetcher:    f,
		Store:      fs,
		Checkpoint: m,
		Limiter:    NewLimiter(RateLimits{}),
		Negotiator: NewNegotiator(true),
	}
}

func TestWorker(t *testing.T) {
	t.Parallel()
	tmpdir, tmpdirErr := os.MkdirTemp("", "testworker")
	defer os.RemoveAll(tmpdir)

	ctx := logging.Use(context.Background(), logging.DefaultGoLogger(logging.Error))

	Convey("Test setup succeeded", t, func() {
		So(tmpdirErr, ShouldBeNil)
	})

	ds := func(style ParamStyle, policy EmptyPolicy) *DatasetSpec {
		d := &DatasetSpec{
			Category: "market", Name: "daily_quotes", Granularity: Quarterly,
			ParamStyle: style, StartYear: 2023, EndYear: 2023,
			EmptyResult: policy, BatchSize: 100,
		}
		return d
	}
	part := func(d *DatasetSpec) Partition {
		return Partition{
			Dataset: d,
			Start:   store.NewDate(2023, 1, 1),
			End:     store.NewDate(2023, 3, 31),
		}
	}

	Convey("Execute", t, func() {
		Convey("negotiates shapes in order, never skipping a candidate", func() {
			f := &stubFetcher{rows: 5, reject: map[string]bool{ShapeTradeDate: true}}
			w := newTestWorker(filepath.Join(tmpdir, "negotiate"), f)
			p := part(ds(StyleTradeDate, EmptyFinal))

			o := w.Execute(ctx, p)
			So(o.Status, ShouldEqual, StatusSuccess)
			So(o.Records, ShouldEqual, 5)
			So(o.Bytes, ShouldBeGreaterThan, 0)
			So(o.Candidate, ShouldEqual, ShapeDateRange)
			So(f.calls, ShouldResemble, []string{ShapeTradeDate, ShapeDateRange})

			tbl, err := w.Store.ReadTable(p.Ref())
			So(err, ShouldBeNil)
			So(tbl.NumRows(), ShouldEqual, 5)

			// A satisfied checkpoint short-circuits to Skipped.
			o2 := w.Execute(ctx, p)
			So(o2.Status, ShouldEqual, StatusSkipped)
			So(len(f.calls), ShouldEqual, 2) // no new provider calls

			// The accepted shape is proposed first for the next partition.
			p3 := part(p.Dataset)
			p3.Start = store.NewDate(2023, 4, 1)
			p3.End = store.NewDate(2023, 6, 30)
			o3 := w.Execute(ctx, p3)
			So(o3.Status, ShouldEqual, StatusSuccess)
			So(f.calls[2], ShouldEqual, ShapeDateRange)
		})

		Convey("a transport error aborts the partition without more candidates", func() {
			f := &stubFetcher{failErr: errors.Reason("connection reset")}
			w := newTestWorker(filepath.Join(tmpdir, "transport"), f)
			o := w.Execute(ctx, part(ds(StyleTradeDate, EmptyFinal)))
			So(o.Status, ShouldEqual, StatusFailed)
			So(o.Err, ShouldNotBeNil)
			So(f.calls, ShouldResemble, []string{ShapeTradeDate})
		})

		Convey("throttling is fatal for the partition, not a rejected parameter", func() {
			f := &stubFetcher{
				failErr: &uqer.CallError{Kind: uqer.KindThrottled, Code: -403, Msg: "slow down"},
			}
			w := newTestWorker(filepath.Join(tmpdir, "throttle"), f)
			o := w.Execute(ctx, part(ds(StyleTradeDate, EmptyFinal)))
			So(o.Status, ShouldEqual, StatusFailed)
			So(len(f.calls), ShouldEqual, 1)
		})

		Convey("empty result with policy final is terminal and unmarked", func() {
			f := &stubFetcher{empty: map[string]bool{ShapeTradeDate: true}}
			w := newTestWorker(filepath.Join(tmpdir, "emptyfinal"), f)
			p := part(ds(StyleTradeDate, EmptyFinal))
			o := w.Execute(ctx, p)
			So(o.Status, ShouldEqual, StatusEmpty)
			So(f.calls, ShouldResemble, []string{ShapeTradeDate})
			_, exists := w.Store.Size(p.Ref())
			So(exists, ShouldBeFalse)
			So(w.Checkpoint.IsSatisfied(ctx, p.Ref()), ShouldBeFalse)
		})

		Convey("empty result with policy negotiate falls through", func() {
			Convey("to a later non-empty shape", func() {
				f := &stubFetcher{rows: 3, empty: map[string]bool{ShapeTradeDate: true}}
				w := newTestWorker(filepath.Join(tmpdir, "emptyneg1"), f)
				o := w.Execute(ctx, part(ds(StyleTradeDate, EmptyNegotiate)))
				So(o.Status, ShouldEqual, StatusSuccess)
				So(o.Records, ShouldEqual, 3)
				So(f.calls, ShouldResemble, []string{ShapeTradeDate, ShapeDateRange})
			})

			Convey("and is empty only after all shapes returned empty", func() {
				f := &stubFetcher{
					empty: map[string]bool{ShapeTradeDate: true, ShapeDateRange: true},
				}
				w := newTestWorker(filepath.Join(tmpdir, "emptyneg2"), f)
				o := w.Execute(ctx, part(ds(StyleTradeDate, EmptyNegotiate)))
				So(o.Status, ShouldEqual, StatusEmpty)
				So(f.calls, ShouldResemble, []string{ShapeTradeDate, ShapeDateRange})
			})
		})

		Convey("exhausting all rejected candidates fails the partition", func() {
			f := &stubFetcher{
				reject: map[string]bool{ShapeTradeDate: true, ShapeDateRange: true},
			}
			w := newTestWorker(filepath.Join(tmpdir, "exhausted"), f)
			o := w.Execute(ctx, part(ds(StyleTradeDate, EmptyFinal)))
			So(o.Status, ShouldEqual, StatusFailed)
			So(o.Err.Error(), ShouldContainSubstring, "no parameter shape accepted")
		})
	})
}
