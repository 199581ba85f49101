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

package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/abcxyz/pkg/cli"

	"github.com/imagej/imagej-updater/updater/model"
)

// ListSitesCommand prints every configured update site.
type ListSitesCommand struct {
	cli.BaseCommand
	flags BaseFlags
}

func (c *ListSitesCommand) Desc() string {
	return "list configured update sites"
}

func (c *ListSitesCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

Lists every configured update site with its rank, URL, and activation
state.
`
}

func (c *ListSitesCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	return set
}

func (c *ListSitesCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}

	for _, site := range s.Catalog.Sites() {
		state := "active"
		if !site.Active {
			state = "disabled"
		}
		extra := ""
		if site.SSHHost != "" {
			extra = fmt.Sprintf(" (upload: %s:%s)", site.SSHHost, site.UploadDir)
		}
		if site.Official {
			extra += " [official]"
		}
		fmt.Fprintf(c.Stdout(), "%2d %-10s %-30s %s%s\n",
			s.SiteRank(site.Name), state, site.Name, site.BaseURL, extra)
	}
	return nil
}

// siteEditFlags are the settable site attributes shared by add and edit.
type siteEditFlags struct {
	description string
	maintainer  string
	official    bool
	keepURL     bool
}

func (sf *siteEditFlags) register(set *cli.FlagSet) {
	f := set.NewSection("SITE OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:    "description",
		Target:  &sf.description,
		Usage:   "Human-readable description of the site.",
		Example: "Plugins for spectral imaging",
	})
	f.StringVar(&cli.StringVar{
		Name:    "maintainer",
		Target:  &sf.maintainer,
		Usage:   "Contact of the site maintainer.",
		Example: "jane@example.org",
	})
	f.BoolVar(&cli.BoolVar{
		Name:    "official",
		Target:  &sf.official,
		Default: false,
		Usage:   "Mark the site as officially endorsed.",
	})
	f.BoolVar(&cli.BoolVar{
		Name:    "keep-url",
		Target:  &sf.keepURL,
		Default: false,
		Usage:   "Pin the URL so it is never auto-rewritten.",
	})
}

// AddSiteCommand registers one new update site.
type AddSiteCommand struct {
	cli.BaseCommand
	flags BaseFlags
	site  siteEditFlags

	name, url, host, dir string
}

func (c *AddSiteCommand) Desc() string {
	return "register a new update site"
}

func (c *AddSiteCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <name> <url> [<host> <upload-directory>]

Registers a new update site. The optional host and upload-directory grant
upload rights over ssh. The new site ranks above all existing sites.
`
}

func (c *AddSiteCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	c.site.register(set)
	set.AfterParse(func(existingErr error) error {
		c.name = strings.TrimSpace(set.Arg(0))
		c.url = strings.TrimSpace(set.Arg(1))
		if c.name == "" || c.url == "" {
			return fmt.Errorf("missing <name> and/or <url> argument")
		}
		c.host = strings.TrimSpace(set.Arg(2))
		c.dir = strings.TrimSpace(set.Arg(3))
		return nil
	})
	return set
}

func (c *AddSiteCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}

	if err := addSite(s.Catalog, c.name, c.url, c.host, c.dir, &c.site); err != nil {
		return err
	}
	if err := s.SaveLocal(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout(), "Added update site %s (%s)\n", c.name, c.url)
	return nil
}

func addSite(col interface {
	Site(string) *model.Site
	PutSite(*model.Site)
}, name, url, host, dir string, extra *siteEditFlags) error {
	if col.Site(name) != nil {
		return fmt.Errorf("update site %q already exists", name)
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	site := &model.Site{
		Name:      name,
		BaseURL:   url,
		SSHHost:   host,
		UploadDir: dir,
		Active:    true,
	}
	if extra != nil {
		site.Description = extra.description
		site.Maintainer = extra.maintainer
		site.Official = extra.official
		site.KeepURL = extra.keepURL
	}
	if err := site.Validate(); err != nil {
		return err
	}
	col.PutSite(site)
	return nil
}

// AddSitesCommand registers several sites from alternating name/url
// arguments.
type AddSitesCommand struct {
	cli.BaseCommand
	flags BaseFlags

	pairs []string
}

func (c *AddSitesCommand) Desc() string {
	return "register several update sites at once"
}

func (c *AddSitesCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <name1> <url1> [<name2> <url2> ...]

Registers several update sites in one go. Sites rank in the order given,
each above all previously configured sites.
`
}

func (c *AddSitesCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	set.AfterParse(func(existingErr error) error {
		c.pairs = set.Args()
		if len(c.pairs) == 0 || len(c.pairs)%2 != 0 {
			return fmt.Errorf("expected alternating <name> <url> arguments")
		}
		return nil
	})
	return set
}

func (c *AddSitesCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}

	for i := 0; i < len(c.pairs); i += 2 {
		if err := addSite(s.Catalog, c.pairs[i], c.pairs[i+1], "", "", nil); err != nil {
			return err
		}
	}
	if err := s.SaveLocal(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout(), "Added %d update site(s)\n", len(c.pairs)/2)
	return nil
}

// EditSiteCommand rewrites an existing site's attributes.
type EditSiteCommand struct {
	cli.BaseCommand
	flags BaseFlags
	site  siteEditFlags

	name, url, host, dir string
}

func (c *EditSiteCommand) Desc() string {
	return "change an update site's URL or upload settings"
}

func (c *EditSiteCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <name> <url> [<host> <upload-directory>]

Rewrites the named site's URL and (optionally) its upload transport
address. The site keeps its rank.
`
}

func (c *EditSiteCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	c.site.register(set)
	set.AfterParse(func(existingErr error) error {
		c.name = strings.TrimSpace(set.Arg(0))
		c.url = strings.TrimSpace(set.Arg(1))
		if c.name == "" || c.url == "" {
			return fmt.Errorf("missing <name> and/or <url> argument")
		}
		c.host = strings.TrimSpace(set.Arg(2))
		c.dir = strings.TrimSpace(set.Arg(3))
		return nil
	})
	return set
}

func (c *EditSiteCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}

	site := s.Catalog.Site(c.name)
	if site == nil {
		return fmt.Errorf("unknown update site %q", c.name)
	}

	url := c.url
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	if site.KeepURL && url != site.BaseURL {
		fmt.Fprintf(c.Stderr(), "note: %s has a pinned URL; overriding it explicitly\n", c.name)
	}
	site.BaseURL = url
	site.SSHHost = c.host
	site.UploadDir = c.dir
	if c.site.description != "" {
		site.Description = c.site.description
	}
	if c.site.maintainer != "" {
		site.Maintainer = c.site.maintainer
	}
	site.Official = c.site.official
	site.KeepURL = c.site.keepURL
	if err := site.Validate(); err != nil {
		return err
	}

	if err := s.SaveLocal(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout(), "Updated site %s\n", c.name)
	return nil
}

// RemoveSiteCommand unregisters sites entirely, unwinding their files.
type RemoveSiteCommand struct {
	cli.BaseCommand
	flags BaseFlags

	names []string
}

func (c *RemoveSiteCommand) Desc() string {
	return "remove update sites and unwind their files"
}

func (c *RemoveSiteCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <name>...

Removes the named sites. Files a removed site owned are dropped from the
catalog unless another site's shadowed entry can be promoted in their
place.
`
}

func (c *RemoveSiteCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	set.AfterParse(func(existingErr error) error {
		c.names = set.Args()
		if len(c.names) == 0 {
			return fmt.Errorf("missing <name> argument")
		}
		return nil
	})
	return set
}

func (c *RemoveSiteCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}

	for _, name := range c.names {
		if err := s.DeactivateSite(ctx, name); err != nil {
			return err
		}
		s.Catalog.DeleteSite(name)
		fmt.Fprintf(c.Stdout(), "Removed update site %s\n", name)
	}
	return s.SaveLocal(ctx)
}

// DeactivateSiteCommand disables sites without forgetting them.
type DeactivateSiteCommand struct {
	cli.BaseCommand
	flags BaseFlags

	names []string
}

func (c *DeactivateSiteCommand) Desc() string {
	return "deactivate update sites without removing them"
}

func (c *DeactivateSiteCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <name>...

Deactivates the named sites. Their configuration is kept so they can be
re-activated later; their files are unwound the same way removal unwinds
them, with shadowed entries from other sites promoted where available.
`
}

func (c *DeactivateSiteCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	set.AfterParse(func(existingErr error) error {
		c.names = set.Args()
		if len(c.names) == 0 {
			return fmt.Errorf("missing <name> argument")
		}
		return nil
	})
	return set
}

func (c *DeactivateSiteCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}

	for _, name := range c.names {
		if err := s.DeactivateSite(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(c.Stdout(), "Deactivated update site %s\n", name)
	}
	return s.SaveLocal(ctx)
}
