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

package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
)

// DatasetProgress is the completion state of one dataset on disk.
type DatasetProgress struct {
	Files   int   `json:"files"`
	Records int   `json:"records"`
	Bytes   int64 `json:"bytes"`
}

// CategoryProgress folds the datasets of one category, with per-artifact
// record statistics for spotting suspiciously thin downloads.
type CategoryProgress struct {
	Files       int                        `json:"files"`
	Records     int                        `json:"records"`
	Bytes       int64                      `json:"bytes"`
	MeanRecords float64                    `json:"mean_records"` // per artifact
	MaxRecords  int                        `json:"max_records"`  // per artifact
	Datasets    map[string]DatasetProgress `json:"datasets"`
}

// Progress is the result of a full artifact-namespace scan. It is independent
// of any run: the same numbers serve mid-run reporting and standalone audits.
type Progress struct {
	Categories map[string]CategoryProgress `json:"categories"`
	Files      int                         `json:"files"`
	Records    int                         `json:"records"`
	Bytes      int64                       `json:"bytes"`
}

// CategoryNames returns the scanned categories in sorted order.
func (p *Progress) CategoryNames() []string {
	names := maps.Keys(p.Categories)
	slices.Sort(names)
	return names
}

// Table renders the progress as a table, one row per dataset plus a category
// total row.
func (p *Progress) Table() *Table {
	t := NewTable("category", "dataset", "files", "records", "bytes")
	for _, cat := range p.CategoryNames() {
		cp := p.Categories[cat]
		datasets := maps.Keys(cp.Datasets)
		slices.Sort(datasets)
		for _, ds := range datasets {
			dp := cp.Datasets[ds]
			t.Rows = append(t.Rows, []string{cat, ds, fmt.Sprintf("%d", dp.Files),
				fmt.Sprintf("%d", dp.Records), fmt.Sprintf("%d", dp.Bytes)})
		}
		t.Rows = append(t.Rows, []string{cat, "(total)", fmt.Sprintf("%d", cp.Files),
			fmt.Sprintf("%d", cp.Records), fmt.Sprintf("%d", cp.Bytes)})
	}
	return t
}

// countRecords counts the data records of a CSV artifact, excluding the
// header. Records are counted with the CSV codec, so quoted fields containing
// newlines count as one record.
func countRecords(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Annotate(err, "failed to open '%s'", path)
	}
	defer f.Close()
	cr := csv.NewReader(f)
	cr.ReuseRecord = true
	if _, err := cr.Read(); err != nil {
		if err == io.EOF { // no header, no records
			return 0, nil
		}
		return 0, errors.Annotate(err, "failed to read header of '%s'", path)
	}
	n := 0
	for {
		if _, err := cr.Read(); err != nil {
			if err == io.EOF {
				break
			}
			return 0, errors.Annotate(err, "failed to read '%s'", path)
		}
		n++
	}
	return n, nil
}

// ScanProgress walks root/<category>/<dataset>/*.csv read-only and aggregates
// per-category statistics. Unreadable artifacts are logged and skipped, never
// fatal.
func (s *FileStore) ScanProgress(ctx context.Context) (*Progress, error) {
	p := &Progress{Categories: make(map[string]CategoryProgress)}
	perFile := make(map[string][]float64) // category -> records per artifact
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return filepath.SkipDir // nothing harvested yet
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".csv") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return errors.Annotate(err, "failed to relativize '%s'", path)
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 3 { // not category/dataset/key.csv
			return nil
		}
		category, dataset := parts[0], parts[1]
		records, err := countRecords(path)
		if err != nil {
			logging.Warningf(ctx, "skipping unreadable artifact '%s': %s", path, err.Error())
			return nil
		}
		cp, ok := p.Categories[category]
		if !ok {
			cp = CategoryProgress{Datasets: make(map[string]DatasetProgress)}
		}
		dp := cp.Datasets[dataset]
		dp.Files++
		dp.Records += records
		dp.Bytes += info.Size()
		cp.Datasets[dataset] = dp
		cp.Files++
		cp.Records += records
		cp.Bytes += info.Size()
		if records > cp.MaxRecords {
			cp.MaxRecords = records
		}
		p.Categories[category] = cp
		perFile[category] = append(perFile[category], float64(records))
		p.Files++
		p.Records += records
		p.Bytes += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Annotate(err, "failed to scan '%s'", s.root)
	}
	for category, samples := range perFile {
		cp := p.Categories[category]
		cp.MeanRecords = stat.Mean(samples, nil)
		p.Categories[category] = cp
	}
	return p, nil
}
