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

	"github.com/stockparfait/errors"

	toml "github.com/pelletier/go-toml/v2"
)

// Granularity is the temporal partitioning unit of a dataset.
type Granularity string

const (
	Snapshot  = Granularity("snapshot")
	Daily     = Granularity("daily")
	Monthly   = Granularity("monthly")
	Quarterly = Granularity("quarterly")
	Yearly    = Granularity("yearly")
)

var granularities = []Granularity{Snapshot, Daily, Monthly, Quarterly, Yearly}

// EmptyPolicy decides what an empty result from a working call means during
// parameter negotiation. The observed provider behavior is ambiguous, so it
// is configured per dataset rather than guessed.
type EmptyPolicy string

const (
	// EmptyFinal: an empty result is a valid business answer (e.g. no trading
	// that day); stop negotiating.
	EmptyFinal = EmptyPolicy("final")
	// EmptyNegotiate: an empty result may mean the parameter shape was silently
	// ignored; fall through to the next candidate.
	EmptyNegotiate = EmptyPolicy("negotiate")
)

// ParamStyle names the request-parameter convention a dataset is known to
// accept. Unknown ("") datasets get a best-effort fallback.
type ParamStyle string

const (
	StyleUnknown   = ParamStyle("")
	StyleTradeDate = ParamStyle("trade_date")
	StyleDateRange = ParamStyle("date_range")
	StyleNone      = ParamStyle("none")
)

// Entity is one member of a dataset's entity universe, e.g. a security. A
// zero FirstYear means the entity is assumed active for all partitions.
type Entity struct {
	ID        string `toml:"id"`
	FirstYear int    `toml:"first_year"`
}

// DatasetSpec identifies one logical dataset to harvest. Immutable after
// configuration load.
type DatasetSpec struct {
	Category    string      `toml:"category"`
	Name        string      `toml:"name"`
	Granularity Granularity `toml:"granularity"`
	ParamStyle  ParamStyle  `toml:"param_style"`
	StartYear   int         `toml:"start_year"`
	EndYear     int         `toml:"end_year"`
	Entities    []Entity    `toml:"entities"`
	BatchSize   int         `toml:"batch_size"`   // default 100
	EmptyResult EmptyPolicy `toml:"empty_result"` // default "final"
	Wide        bool        `toml:"wide"`         // throttled harder by the provider
}

// Validate checks the spec and fills in defaults.
func (d *DatasetSpec) Validate() error {
	if d.Category == "" {
		return errors.Reason("dataset requires a category")
	}
	if d.Name == "" {
		return errors.Reason("dataset in category '%s' requires a name", d.Category)
	}
	ok := false
	for _, g := range granularities {
		if d.Granularity == g {
			ok = true
		}
	}
	if !ok {
		return errors.Reason("dataset %s/%s: unsupported granularity '%s'",
			d.Category, d.Name, d.Granularity)
	}
	if d.Granularity != Snapshot {
		if d.StartYear == 0 || d.EndYear == 0 {
			return errors.Reason("dataset %s/%s requires start_year and end_year",
				d.Category, d.Name)
		}
		if d.EndYear < d.StartYear {
			return errors.Reason("dataset %s/%s: end_year %d < start_year %d",
				d.Category, d.Name, d.EndYear, d.StartYear)
		}
	}
	switch d.ParamStyle {
	case StyleUnknown, StyleTradeDate, StyleDateRange, StyleNone:
	default:
		return errors.Reason("dataset %s/%s: unsupported param_style '%s'",
			d.Category, d.Name, d.ParamStyle)
	}
	switch d.EmptyResult {
	case EmptyFinal, EmptyNegotiate:
	case EmptyPolicy(""):
		d.EmptyResult = EmptyFinal
	default:
		return errors.Reason("dataset %s/%s: unsupported empty_result '%s'",
			d.Category, d.Name, d.EmptyResult)
	}
	if d.BatchSize == 0 {
		d.BatchSize = 100
	}
	if d.BatchSize < 0 {
		return errors.Reason("dataset %s/%s: batch_size must be positive", d.Category, d.Name)
	}
	return nil
}

// RateLimits configures the provider-throttling delays. All values are
// per-dataset-kind rather than hard-coded; zero values disable the
// corresponding gate.
type RateLimits struct {
	CallDelayMs     int `toml:"call_delay_ms"`      // between provider calls
	WideCallDelayMs int `toml:"wide_call_delay_ms"` // for wide datasets
	BatchDelayMs    int `toml:"batch_delay_ms"`     // between datasets
	BackoffBaseMs   int `toml:"backoff_base_ms"`    // extra delay after a failure
	BackoffMaxMs    int `toml:"backoff_max_ms"`     // cap for the backoff delay
}

// Config is the static run configuration: which datasets to harvest, where to
// put artifacts, and how politely to talk to the provider.
type Config struct {
	Token         string        `toml:"token"`
	DataDir       string        `toml:"data_dir"`
	Checkpoint    string        `toml:"checkpoint"` // "manifest" (default) or "exists"
	RememberShape bool          `toml:"remember_shape"`
	Workers       int           `toml:"workers"` // partition pool size within a dataset
	WriteSummary  bool          `toml:"write_summary"`
	RateLimit     RateLimits    `toml:"rate_limit"`
	Datasets      []DatasetSpec `toml:"datasets"`
}

// NewConfig returns a config with the defaults set, ready to be decoded over.
func NewConfig() *Config {
	return &Config{
		Checkpoint:    "manifest",
		RememberShape: true,
		Workers:       1,
		RateLimit: RateLimits{
			CallDelayMs:     200,
			WideCallDelayMs: 500,
			BatchDelayMs:    500,
			BackoffBaseMs:   1000,
			BackoffMaxMs:    30000,
		},
	}
}

// Validate checks the config and all its dataset specs.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.Reason("config requires data_dir")
	}
	switch c.Checkpoint {
	case "manifest", "exists":
	default:
		return errors.Reason("unsupported checkpoint mode '%s'", c.Checkpoint)
	}
	if c.Workers < 1 {
		return errors.Reason("workers must be >= 1, got %d", c.Workers)
	}
	if len(c.Datasets) == 0 {
		return errors.Reason("config requires at least one dataset")
	}
	for i := range c.Datasets {
		if err := c.Datasets[i].Validate(); err != nil {
			return errors.Annotate(err, "invalid dataset config")
		}
	}
	return nil
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open config file '%s'", path)
	}
	defer f.Close()

	c := NewConfig()
	d := toml.NewDecoder(f)
	d.DisallowUnknownFields()
	if err := d.Decode(c); err != nil {
		return nil, errors.Annotate(err, "failed to read config file '%s'", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config '%s'", path)
	}
	return c, nil
}
