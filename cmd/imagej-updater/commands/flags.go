// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package commands implements the CLI subcommands, one file per command,
// each a thin wrapper over an updater/session.Session.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/posener/complete/v2/predict"

	"github.com/abcxyz/pkg/cli"

	"github.com/imagej/imagej-updater/internal/config"
	"github.com/imagej/imagej-updater/updater/model"
	"github.com/imagej/imagej-updater/updater/progress"
	"github.com/imagej/imagej-updater/updater/session"
)

// BaseFlags are the flags every subcommand shares: where the install tree
// lives and what the platform bundle is called.
type BaseFlags struct {
	// Root is the install root directory. Defaults to the configured root,
	// then the current directory.
	Root string

	// AppName is the platform-bundle base name, e.g. "ImageJ" for
	// <root>/ImageJ.app.
	AppName string
}

func (b *BaseFlags) Register(set *cli.FlagSet) {
	f := set.NewSection("COMMON OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:    "root",
		Example: "/opt/Fiji.app",
		Target:  &b.Root,
		Predict: predict.Dirs("*"),
		Usage:   "The install root directory to reconcile. Defaults to the configured root, then the current directory.",
	})

	f.StringVar(&cli.StringVar{
		Name:    "app-name",
		Example: "ImageJ",
		Target:  &b.AppName,
		Usage:   "Base name of the platform bundle (<root>/<name>.app).",
	})
}

// open resolves the effective root/app-name from flags, config, and
// defaults, then opens a Session on it.
func (b *BaseFlags) open(ctx context.Context) (*session.Session, error) {
	cfgPath, err := config.DefaultPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyProxy()

	root := b.Root
	if root == "" {
		root = cfg.Root
	}
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("os.Getwd(): %w", err)
		}
	}
	appName := b.AppName
	if appName == "" {
		appName = cfg.AppName
	}

	return session.Open(ctx, root, appName)
}

// terminalSink returns a progress sink appropriate for w: a live progress
// bar when w is a terminal, a no-op otherwise.
func terminalSink(w io.Writer) progress.Sink {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return progress.NewTerminal(w)
	}
	return progress.NoOp{}
}

var (
	severityColor = map[model.Severity]*color.Color{
		model.SeverityError:    color.New(color.FgYellow),
		model.SeverityCritical: color.New(color.FgRed, color.Bold),
	}

	statusColor = map[model.Status]*color.Color{
		model.StatusInstalled:        color.New(color.FgGreen),
		model.StatusUpdateable:       color.New(color.FgYellow),
		model.StatusModified:         color.New(color.FgRed),
		model.StatusObsoleteModified: color.New(color.FgRed),
		model.StatusObsolete:         color.New(color.FgMagenta),
		model.StatusLocalOnly:        color.New(color.FgCyan),
	}
)

func colorFor(s model.Status) *color.Color {
	if c, ok := statusColor[s]; ok {
		return c
	}
	return color.New()
}

// printConflicts renders conflicts with their resolutions and reports
// whether any CRITICAL_ERROR remains (in which case the caller must not
// proceed with side effects).
func printConflicts(w io.Writer, conflicts []model.Conflict) (critical bool) {
	for _, c := range conflicts {
		sev := severityColor[c.Severity].Sprint(c.Severity.String())
		if c.Filename != "" {
			fmt.Fprintf(w, "%s: %s: %s\n", sev, c.Filename, c.Message)
		} else {
			fmt.Fprintf(w, "%s: %s\n", sev, c.Message)
		}
		for _, r := range c.Resolutions {
			fmt.Fprintf(w, "  - %s\n", r.Description)
		}
		if c.Severity == model.SeverityCritical {
			critical = true
		}
	}
	return critical
}
