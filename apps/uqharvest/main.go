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

package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/uqharvest/uqharvest/harvest"
	"github.com/uqharvest/uqharvest/store"
	"github.com/uqharvest/uqharvest/uqer"
)

type Flags struct {
	Config   string // required
	DataDir  string // overrides the config's data_dir
	Progress bool   // scan the artifact root instead of downloading
	LogLevel logging.Level
}

func parseFlags(args []string) (*Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("uqharvest", flag.ExitOnError)
	fs.StringVar(&flags.Config, "config", "", "TOML run configuration (required)")
	fs.StringVar(&flags.DataDir, "data", "", "override the config's data_dir")
	fs.BoolVar(&flags.Progress, "progress", false,
		"report completion statistics of the data dir and exit")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")

	err := fs.Parse(args)
	if err != nil {
		return nil, err
	}
	if flags.Config == "" {
		return nil, errors.Reason("missing required -config argument")
	}
	return &flags, nil
}

func reportProgress(ctx context.Context, fs *store.FileStore, w io.Writer) error {
	p, err := fs.ScanProgress(ctx)
	if err != nil {
		return errors.Annotate(err, "failed to scan '%s'", fs.Root())
	}
	logging.Infof(ctx, "%d files, %d records, %d bytes in '%s'",
		p.Files, p.Records, p.Bytes, fs.Root())
	if err := p.Table().WriteCSV(w); err != nil {
		return errors.Annotate(err, "failed to write progress report")
	}
	return nil
}

func run(ctx context.Context, flags *Flags) error {
	cfg, err := harvest.LoadConfig(flags.Config)
	if err != nil {
		return errors.Annotate(err, "failed to load config")
	}
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if flags.Progress {
		return reportProgress(ctx, store.NewFileStore(cfg.DataDir), os.Stdout)
	}
	ctx = uqer.UseClient(ctx, cfg.Token)
	coord, err := harvest.NewCoordinator(cfg, uqer.Fetcher{})
	if err != nil {
		return errors.Annotate(err, "failed to set up coordinator")
	}
	summary, err := coord.Run(ctx)
	if err != nil {
		return errors.Annotate(err, "run %s failed", summary.RunID)
	}
	if summary.Totals.Failed > 0 {
		logging.Warningf(ctx, "%d partitions failed; re-run to retry them",
			summary.Totals.Failed)
	}
	return nil
}

// main is not tested, keep it short.
func main() {
	ctx := context.Background()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(1)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	if err := run(ctx, flags); err != nil {
		logging.Errorf(ctx, err.Error())
		os.Exit(1)
	}
}
