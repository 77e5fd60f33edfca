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
	"os"
	"path/filepath"
	"testing"

	"github.com/stockparfait/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func TestConfig(t *testing.T) {
	t.Parallel()
	tmpdir, tmpdirErr := os.MkdirTemp("", "testconfig")
	defer os.RemoveAll(tmpdir)

	Convey("Test setup succeeded", t, func() {
		So(tmpdirErr, ShouldBeNil)
	})

	configFile := filepath.Join(tmpdir, "config.toml")

	Convey("LoadConfig", t, func() {
		Convey("a full config round-trips with defaults applied", func() {
			So(testutil.WriteFile(configFile, `
token = "secret"
data_dir = "/tmp/harvest"
workers = 4

[rate_limit]
call_delay_ms = 300
wide_call_delay_ms = 700

[[datasets]]
category = "market"
name = "daily_quotes"
granularity = "quarterly"
param_style = "trade_date"
start_year = 2020
end_year = 2023
wide = true

[[datasets]]
category = "financial"
name = "balance_sheet"
granularity = "yearly"
start_year = 2019
end_year = 2023
empty_result = "negotiate"
batch_size = 50
entities = [
  {id = "600000"},
  {id = "688001", first_year = 2019},
]
`), ShouldBeNil)

			cfg, err := LoadConfig(configFile)
			So(err, ShouldBeNil)
			So(cfg.Token, ShouldEqual, "secret")
			So(cfg.DataDir, ShouldEqual, "/tmp/harvest")
			So(cfg.Workers, ShouldEqual, 4)
			So(cfg.Checkpoint, ShouldEqual, "manifest") // default
			So(cfg.RememberShape, ShouldBeTrue)         // default
			So(cfg.RateLimit.CallDelayMs, ShouldEqual, 300)
			So(cfg.RateLimit.BatchDelayMs, ShouldEqual, 500) // default survives decode

			So(len(cfg.Datasets), ShouldEqual, 2)
			So(cfg.Datasets[0].ParamStyle, ShouldEqual, StyleTradeDate)
			So(cfg.Datasets[0].Wide, ShouldBeTrue)
			So(cfg.Datasets[0].EmptyResult, ShouldEqual, EmptyFinal) // default
			So(cfg.Datasets[0].BatchSize, ShouldEqual, 100)          // default
			So(cfg.Datasets[1].EmptyResult, ShouldEqual, EmptyNegotiate)
			So(cfg.Datasets[1].BatchSize, ShouldEqual, 50)
			So(cfg.Datasets[1].Entities[1], ShouldResemble, Entity{ID: "688001", FirstYear: 2019})
		})

		Convey("unknown fields are rejected", func() {
			So(testutil.WriteFile(configFile, `
data_dir = "/tmp/harvest"
frobnicate = true

[[datasets]]
category = "market"
name = "daily_quotes"
granularity = "daily"
start_year = 2023
end_year = 2023
`), ShouldBeNil)
			_, err := LoadConfig(configFile)
			So(err, ShouldNotBeNil)
		})

		Convey("validation errors", func() {
			check := func(body, substr string) {
				So(testutil.WriteFile(configFile, body), ShouldBeNil)
				_, err := LoadConfig(configFile)
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, substr)
			}

			Convey("missing data_dir", func() {
				check(`
[[datasets]]
category = "market"
name = "d"
granularity = "daily"
start_year = 2023
end_year = 2023
`, "data_dir")
			})

			Convey("no datasets", func() {
				check(`data_dir = "/tmp/harvest"`, "at least one dataset")
			})

			Convey("bad granularity", func() {
				check(`
data_dir = "/tmp/harvest"

[[datasets]]
category = "market"
name = "d"
granularity = "hourly"
start_year = 2023
end_year = 2023
`, "unsupported granularity")
			})

			Convey("inverted year range", func() {
				check(`
data_dir = "/tmp/harvest"

[[datasets]]
category = "market"
name = "d"
granularity = "yearly"
start_year = 2023
end_year = 2020
`, "end_year")
			})

			Convey("bad checkpoint mode", func() {
				check(`
data_dir = "/tmp/harvest"
checkpoint = "notebook"

[[datasets]]
category = "market"
name = "d"
granularity = "daily"
start_year = 2023
end_year = 2023
`, "checkpoint mode")
			})

			Convey("missing year range for non-snapshot", func() {
				check(`
data_dir = "/tmp/harvest"

[[datasets]]
category = "market"
name = "d"
granularity = "monthly"
`, "start_year")
			})
		})

		Convey("snapshot datasets need no year range", func() {
			So(testutil.WriteFile(configFile, `
data_dir = "/tmp/harvest"

[[datasets]]
category = "reference"
name = "listed_companies"
granularity = "snapshot"
`), ShouldBeNil)
			cfg, err := LoadConfig(configFile)
			So(err, ShouldBeNil)
			So(cfg.Datasets[0].Granularity, ShouldEqual, Snapshot)
		})

		Convey("missing file", func() {
			_, err := LoadConfig(filepath.Join(tmpdir, "no_such.toml"))
			So(err, ShouldNotBeNil)
		})
	})
}
