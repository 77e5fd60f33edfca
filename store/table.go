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
	"encoding/csv"
	"io"

	"github.com/stockparfait/errors"
)

// Table is a tabular provider result: an ordered list of named columns and
// string-valued rows. It is the unit persisted as one partition artifact.
type Table struct {
	Columns []string
	Rows    [][]string
}

// NewTable creates an empty table with the given column names.
func NewTable(columns ...string) *Table {
	return &Table{Columns: columns}
}

// AddRow appends a row; its length must match the number of columns.
func (t *Table) AddRow(row ...string) error {
	if len(row) != len(t.Columns) {
		return errors.Reason("row has %d values, expected %d", len(row), len(t.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

// NumRows is the number of data rows, excluding the header.
func (t *Table) NumRows() int { return len(t.Rows) }

// Empty is true when the table has no data rows. A table with a header but no
// rows is still empty: a working call that matched nothing.
func (t *Table) Empty() bool { return len(t.Rows) == 0 }

// WriteCSV writes the header followed by all rows.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return errors.Annotate(err, "failed to write CSV header")
	}
	for i, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return errors.Annotate(err, "failed to write CSV row %d", i)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Annotate(err, "failed to flush CSV")
	}
	return nil
}

// ReadCSVTable reads a table written by WriteCSV. The first record is the
// header.
func ReadCSVTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.Reason("CSV input has no header")
		}
		return nil, errors.Annotate(err, "failed to read CSV header")
	}
	t := NewTable(header...)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotate(err, "failed to read CSV row %d", t.NumRows()+1)
		}
		if err := t.AddRow(row...); err != nil {
			return nil, errors.Annotate(err, "malformed CSV row %d", t.NumRows()+1)
		}
	}
	return t, nil
}
