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
	"testing"

	"github.com/uqharvest/uqharvest/store"

	. "github.com/smartystreets/goconvey/convey"
)

func testEntities(n int) []Entity {
	es := make([]Entity, n)
	for i := 0; i < n; i++ {
		es[i] = Entity{ID: string(rune('A' + i/26)) + string(rune('A'+i%26))}
	}
	return es
}

func TestPlanner(t *testing.T) {
	t.Parallel()

	pl := &Planner{Today: store.NewDate(2025, 8, 28)}

	Convey("Plan", t, func() {
		Convey("snapshot yields exactly one windowless partition", func() {
			ds := &DatasetSpec{Category: "c", Name: "d", Granularity: Snapshot}
			So(ds.Validate(), ShouldBeNil)
			parts := pl.Plan(ds)
			So(len(parts), ShouldEqual, 1)
			So(parts[0].End.IsZero(), ShouldBeTrue)
			So(parts[0].Key(), ShouldEqual, "snapshot")
		})

		Convey("quarterly over [2020, 2022] yields 12 partitions in order", func() {
			ds := &DatasetSpec{
				Category: "c", Name: "d", Granularity: Quarterly,
				StartYear: 2020, EndYear: 2022,
			}
			So(ds.Validate(), ShouldBeNil)
			parts := pl.Plan(ds)
			So(len(parts), ShouldEqual, 12)
			keys := make([]string, len(parts))
			for i, p := range parts {
				keys[i] = p.Key()
			}
			So(keys, ShouldResemble, []string{
				"2020_Q1", "2020_Q2", "2020_Q3", "2020_Q4",
				"2021_Q1", "2021_Q2", "2021_Q3", "2021_Q4",
				"2022_Q1", "2022_Q2", "2022_Q3", "2022_Q4",
			})
			So(parts[1].Start, ShouldResemble, store.NewDate(2020, 4, 1))
			So(parts[1].End, ShouldResemble, store.NewDate(2020, 6, 30))
		})

		Convey("future periods are silently excluded", func() {
			ds := &DatasetSpec{
				Category: "c", Name: "d", Granularity: Quarterly,
				StartYear: 2025, EndYear: 2025,
			}
			So(ds.Validate(), ShouldBeNil)
			parts := pl.Plan(ds)
			// Today is 2025-08-28: Q3 and Q4 of 2025 have not elapsed.
			So(len(parts), ShouldEqual, 2)
			So(parts[0].Key(), ShouldEqual, "2025_Q1")
			So(parts[1].Key(), ShouldEqual, "2025_Q2")
		})

		Convey("monthly keys", func() {
			ds := &DatasetSpec{
				Category: "c", Name: "d", Granularity: Monthly,
				StartYear: 2024, EndYear: 2024,
			}
			So(ds.Validate(), ShouldBeNil)
			parts := pl.Plan(ds)
			So(len(parts), ShouldEqual, 12)
			So(parts[0].Key(), ShouldEqual, "2024_M01")
			So(parts[0].End, ShouldResemble, store.NewDate(2024, 1, 31))
			So(parts[11].Key(), ShouldEqual, "2024_M12")
		})

		Convey("daily covers every elapsed day", func() {
			ds := &DatasetSpec{
				Category: "c", Name: "d", Granularity: Daily,
				StartYear: 2024, EndYear: 2024,
			}
			So(ds.Validate(), ShouldBeNil)
			parts := pl.Plan(ds)
			So(len(parts), ShouldEqual, 366) // 2024 is a leap year
			So(parts[0].Key(), ShouldEqual, "20240101")
			So(parts[365].Key(), ShouldEqual, "20241231")
		})

		Convey("entity universes are sliced into ordered batches", func() {
			ds := &DatasetSpec{
				Category: "market", Name: "daily_quotes", Granularity: Yearly,
				StartYear: 2023, EndYear: 2023,
				Entities:  testEntities(250),
				BatchSize: 100,
			}
			So(ds.Validate(), ShouldBeNil)
			parts := pl.Plan(ds)
			So(len(parts), ShouldEqual, 3)
			So(parts[0].Key(), ShouldEqual, "year_2023_batch00")
			So(parts[1].Key(), ShouldEqual, "year_2023_batch01")
			So(parts[2].Key(), ShouldEqual, "year_2023_batch02")
			So(len(parts[0].Entities), ShouldEqual, 100)
			So(len(parts[1].Entities), ShouldEqual, 100)
			So(len(parts[2].Entities), ShouldEqual, 50)
			// Natural universe order, no reordering.
			So(parts[0].Entities[0], ShouldEqual, "AA")
			So(parts[2].Entities[49], ShouldEqual, "JP")
		})

		Convey("entities not yet active in a year are excluded before batching", func() {
			ds := &DatasetSpec{
				Category: "c", Name: "d", Granularity: Yearly,
				StartYear: 2020, EndYear: 2021,
				Entities: []Entity{
					{ID: "OLD", FirstYear: 2019},
					{ID: "NEW", FirstYear: 2021},
				},
				BatchSize: 10,
			}
			So(ds.Validate(), ShouldBeNil)
			parts := pl.Plan(ds)
			So(len(parts), ShouldEqual, 2)
			So(parts[0].Entities, ShouldResemble, []string{"OLD"})
			So(parts[1].Entities, ShouldResemble, []string{"OLD", "NEW"})
		})

		Convey("plan is deterministic", func() {
			ds := &DatasetSpec{
				Category: "c", Name: "d", Granularity: Quarterly,
				StartYear: 2020, EndYear: 2021,
			}
			So(ds.Validate(), ShouldBeNil)
			So(pl.Plan(ds), ShouldResemble, pl.Plan(ds))
		})
	})
}
