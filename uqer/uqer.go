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

// Package uqer is the binding to the uqer DataAPI, the single external data
// provider of the harvester. It knows nothing about partitions or
// checkpoints; it turns one named-dataset call with request parameters into a
// tabular result, and classifies provider failures so the caller can tell a
// rejected parameter shape from a genuinely failed call.
package uqer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
	"github.com/uqharvest/uqharvest/store"
)

type contextKey int

const (
	clientContextKey contextKey = iota
)

// URL is the default base URL of the server. It may be overwritten in tests
// before creating a new client.
var URL = "https://api.wmcloud.com/data/v1"

// Client for querying uqer DataAPI endpoints.
type Client struct {
	baseURL string
	token   string // the user's secret API token
}

func newClient(baseURL, token string) *Client {
	return &Client{baseURL: baseURL, token: token}
}

// GetClient extracts the Client from the context, if any.
func GetClient(ctx context.Context) *Client {
	c, ok := ctx.Value(clientContextKey).(*Client)
	if !ok {
		return nil
	}
	return c
}

// UseClient creates a new client based on the API token and injects it into
// the context.
func UseClient(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, clientContextKey, newClient(URL, token))
}

// ErrorKind classifies a failed DataAPI call.
type ErrorKind int

const (
	// KindTransport is any failure that is not a recognized provider verdict:
	// network errors, malformed responses, unknown provider codes. Fatal for
	// the current partition.
	KindTransport ErrorKind = iota
	// KindBadParam means the endpoint rejected the request-parameter shape.
	// Recoverable: the caller should try the next candidate shape.
	KindBadParam
	// KindThrottled means the provider is rate-limiting the caller. Fatal for
	// the current partition; a later run retries it.
	KindThrottled
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadParam:
		return "parameter rejected"
	case KindThrottled:
		return "throttled"
	}
	return "transport or other error"
}

// Provider return codes with a known meaning.
const (
	codeOK       = 1
	codeBadParam = -1
	codeThrottle = -403
)

// CallError is a typed provider verdict on a DataAPI call.
type CallError struct {
	Kind ErrorKind
	Code int
	Msg  string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("uqer: %s (retCode=%d): %s", e.Kind, e.Code, e.Msg)
}

// KindOf classifies an error as returned by GetData. Errors not originating
// from a provider verdict are KindTransport.
func KindOf(err error) ErrorKind {
	if ce, ok := err.(*CallError); ok {
		return ce.Kind
	}
	return KindTransport
}

// dataPage is the JSON shape of a DataAPI response.
type dataPage struct {
	RetCode int                      `json:"retCode"`
	RetMsg  string                   `json:"retMsg"`
	Data    []map[string]interface{} `json:"data"`
}

// TestDataPage generates the JSON string in the format returned by the
// DataAPI. For use in tests.
func TestDataPage(rows []map[string]interface{}, retCode int, retMsg string) (string, error) {
	data, err := json.Marshal(&dataPage{RetCode: retCode, RetMsg: retMsg, Data: rows})
	return string(data), err
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprintf("%v", v)
}

// toTable converts the provider's row maps to a store.Table with a stable,
// sorted column order. JSON objects do not preserve key order, so sorting is
// the only way to make artifacts byte-stable across runs.
func toTable(rows []map[string]interface{}) *store.Table {
	colSet := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			colSet[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	t := store.NewTable(columns...)
	for _, r := range rows {
		row := make([]string, len(columns))
		for i, c := range columns {
			row[i] = formatValue(r[c])
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// GetData executes one DataAPI call for the named endpoint using the Client
// from the context. Params are passed through as query values; the API token
// is added by the client. An empty result is returned as an empty table, not
// an error.
func GetData(ctx context.Context, api string, params url.Values) (*store.Table, error) {
	client := GetClient(ctx)
	if client == nil {
		return nil, errors.Reason("uqer.GetData: no client in context")
	}
	uri := client.baseURL + "/api/" + api + ".json"
	query := make(url.Values)
	for k, v := range params {
		query[k] = v
	}
	query["token"] = []string{client.token}

	var page dataPage
	if err := fetch.FetchJSON(ctx, uri, &page, query, nil); err != nil {
		return nil, errors.Annotate(err, "uqer.GetData: failed to fetch %s", api)
	}
	if page.RetCode != codeOK {
		// Returned unwrapped so that KindOf can classify the verdict.
		err := &CallError{Code: page.RetCode, Msg: page.RetMsg}
		switch page.RetCode {
		case codeBadParam:
			err.Kind = KindBadParam
		case codeThrottle:
			err.Kind = KindThrottled
		}
		return nil, err
	}
	logging.Debugf(ctx, "uqer: %s returned %d rows", api, len(page.Data))
	return toTable(page.Data), nil
}

// Fetcher adapts GetData to the harvester's fetch contract: a callable keyed
// by dataset (endpoint) name.
type Fetcher struct{}

// Fetch executes one DataAPI call for the dataset.
func (Fetcher) Fetch(ctx context.Context, dataset string, params url.Values) (*store.Table, error) {
	return GetData(ctx, dataset, params)
}
