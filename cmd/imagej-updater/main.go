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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/imagej/imagej-updater/cmd/imagej-updater/commands"
	"github.com/imagej/imagej-updater/internal/version"
)

const (
	defaultLogLevel  = logging.LevelWarning
	defaultLogFormat = logging.FormatText
)

var rootCmd = func() *cli.RootCommand {
	return &cli.RootCommand{
		Name:    version.Name,
		Version: version.HumanVersion,
		Commands: map[string]cli.CommandFactory{
			"list":               func() cli.Command { return &commands.ListCommand{} },
			"list-current":       func() cli.Command { return &commands.ListCommand{Mode: commands.ListCurrent} },
			"list-uptodate":      func() cli.Command { return &commands.ListCommand{Mode: commands.ListUpToDate} },
			"list-not-uptodate":  func() cli.Command { return &commands.ListCommand{Mode: commands.ListNotUpToDate} },
			"list-updateable":    func() cli.Command { return &commands.ListCommand{Mode: commands.ListUpdateable} },
			"list-modified":      func() cli.Command { return &commands.ListCommand{Mode: commands.ListModified} },
			"list-local-only":    func() cli.Command { return &commands.ListCommand{Mode: commands.ListLocalOnly} },
			"list-shadowed":      func() cli.Command { return &commands.ListCommand{Mode: commands.ListShadowed} },
			"list-from-site":     func() cli.Command { return &commands.ListCommand{Mode: commands.ListFromSite} },
			"show":               func() cli.Command { return &commands.ShowCommand{} },
			"update":             func() cli.Command { return &commands.UpdateCommand{} },
			"update-force":       func() cli.Command { return &commands.UpdateCommand{Force: true} },
			"update-force-pristine": func() cli.Command {
				return &commands.UpdateCommand{Force: true, Pristine: true}
			},
			"upload":               func() cli.Command { return &commands.UploadCommand{} },
			"upload-complete-site": func() cli.Command { return &commands.UploadCompleteSiteCommand{} },
			"list-update-sites":    func() cli.Command { return &commands.ListSitesCommand{} },
			"add-update-site":      func() cli.Command { return &commands.AddSiteCommand{} },
			"add-update-sites":     func() cli.Command { return &commands.AddSitesCommand{} },
			"edit-update-site":     func() cli.Command { return &commands.EditSiteCommand{} },
			"remove-update-site":   func() cli.Command { return &commands.RemoveSiteCommand{} },
			"deactivate-update-site": func() cli.Command {
				return &commands.DeactivateSiteCommand{}
			},
			"refresh-update-sites":  func() cli.Command { return &commands.RefreshSitesCommand{} },
			"diff":                  func() cli.Command { return &commands.DiffCommand{} },
			"history":               func() cli.Command { return &commands.HistoryCommand{} },
			"downgrade":             func() cli.Command { return &commands.DowngradeCommand{} },
			"revert-unreal-changes": func() cli.Command { return &commands.RevertCommand{} },
		},
	}
}

func main() {
	ctx, done := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer done()

	setLogEnvVars()
	ctx = logging.WithLogger(ctx, logging.NewFromEnv("IMAGEJ_UPDATER_"))

	if err := realMain(ctx); err != nil {
		done()
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func setLogEnvVars() {
	if os.Getenv("IMAGEJ_UPDATER_LOG_FORMAT") == "" {
		os.Setenv("IMAGEJ_UPDATER_LOG_FORMAT", string(defaultLogFormat))
	}

	if os.Getenv("IMAGEJ_UPDATER_LOG_LEVEL") == "" {
		os.Setenv("IMAGEJ_UPDATER_LOG_LEVEL", defaultLogLevel.String())
	}
}

func realMain(ctx context.Context) error {
	return rootCmd().Run(ctx, os.Args[1:]) //nolint:wrapcheck
}
