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

package catalog

import (
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/model"
)

// dtd is embedded verbatim at the top of every catalog this tool writes.
// It documents, rather than enforces at the XML-parser level, the wire
// schema; validation of required attributes happens in wirePlugin.validate
// below.
const dtd = `<!DOCTYPE pluginRecords [
<!ELEMENT pluginRecords (update-site | disabled-update-site)* , plugin*>
<!ELEMENT update-site EMPTY>
<!ATTLIST update-site name CDATA #REQUIRED>
<!ATTLIST update-site url CDATA #REQUIRED>
<!ATTLIST update-site keep-url CDATA #IMPLIED>
<!ATTLIST update-site official CDATA #IMPLIED>
<!ATTLIST update-site ssh-host CDATA #IMPLIED>
<!ATTLIST update-site upload-directory CDATA #IMPLIED>
<!ATTLIST update-site description CDATA #IMPLIED>
<!ATTLIST update-site maintainer CDATA #IMPLIED>
<!ATTLIST update-site timestamp CDATA #REQUIRED>
<!ELEMENT disabled-update-site EMPTY>
<!ELEMENT plugin (platform*, category*, version?, previous-version*)>
<!ATTLIST plugin filename CDATA #REQUIRED>
<!ATTLIST plugin update-site CDATA #IMPLIED>
<!ATTLIST plugin executable CDATA #IMPLIED>
<!ELEMENT platform (#PCDATA)>
<!ELEMENT category (#PCDATA)>
<!ELEMENT version (description?, dependency*, link*, author*)>
<!ATTLIST version timestamp CDATA #REQUIRED>
<!ATTLIST version checksum CDATA #REQUIRED>
<!ATTLIST version filesize CDATA #REQUIRED>
<!ELEMENT description (#PCDATA)>
<!ELEMENT dependency EMPTY>
<!ATTLIST dependency filename CDATA #REQUIRED>
<!ATTLIST dependency timestamp CDATA #IMPLIED>
<!ATTLIST dependency overrides CDATA #IMPLIED>
<!ELEMENT link (#PCDATA)>
<!ELEMENT author (#PCDATA)>
<!ELEMENT previous-version EMPTY>
<!ATTLIST previous-version filename CDATA #IMPLIED>
<!ATTLIST previous-version timestamp CDATA #REQUIRED>
<!ATTLIST previous-version timestamp-obsolete CDATA #IMPLIED>
<!ATTLIST previous-version checksum CDATA #REQUIRED>
]>
`

var timestampRE = regexp.MustCompile(`^[0-9]{14}$`)

// wireRoot is the XML document root, "pluginRecords". Deactivated sites
// are persisted as disabled-update-site elements so a reactivation can
// restore them without the user re-entering the URL.
type wireRoot struct {
	XMLName  xml.Name     `xml:"pluginRecords"`
	Sites    []wireSite   `xml:"update-site"`
	Disabled []wireSite   `xml:"disabled-update-site"`
	Plugins  []wirePlugin `xml:"plugin"`
}

type wireSite struct {
	Name        string `xml:"name,attr"`
	URL         string `xml:"url,attr"`
	KeepURL     bool   `xml:"keep-url,attr,omitempty"`
	Official    bool   `xml:"official,attr,omitempty"`
	SSHHost     string `xml:"ssh-host,attr,omitempty"`
	UploadDir   string `xml:"upload-directory,attr,omitempty"`
	Description string `xml:"description,attr,omitempty"`
	Maintainer  string `xml:"maintainer,attr,omitempty"`
	Timestamp   string `xml:"timestamp,attr"`
}

type wirePlugin struct {
	Filename   string            `xml:"filename,attr"`
	UpdateSite string            `xml:"update-site,attr,omitempty"`
	Executable bool              `xml:"executable,attr,omitempty"`
	Platforms  []string          `xml:"platform"`
	Categories []string          `xml:"category"`
	Version    *wireVersion      `xml:"version"`
	Previous   []wirePreviousVer `xml:"previous-version"`
}

type wireVersion struct {
	Timestamp    string           `xml:"timestamp,attr"`
	Checksum     string           `xml:"checksum,attr"`
	Filesize     int64            `xml:"filesize,attr"`
	Description  string           `xml:"description,omitempty"`
	Dependencies []wireDependency `xml:"dependency"`
	Links        []string         `xml:"link"`
	Authors      []string         `xml:"author"`
}

type wireDependency struct {
	Filename  string `xml:"filename,attr"`
	Timestamp string `xml:"timestamp,attr,omitempty"`
	Overrides bool   `xml:"overrides,attr,omitempty"`
}

type wirePreviousVer struct {
	Filename          string `xml:"filename,attr,omitempty"`
	Timestamp         string `xml:"timestamp,attr"`
	TimestampObsolete string `xml:"timestamp-obsolete,attr,omitempty"`
	Checksum          string `xml:"checksum,attr"`
}

// Local controls whether Write emits site declarations (only the local
// variant of the catalog includes them; the remote variant omits them).
type Local bool

const (
	RemoteVariant Local = false
	LocalVariant  Local = true
)

// Write serializes c as a GZIP-compressed XML document to w. When local is
// true, update-site declarations are included (the form written to
// <root>/db.xml.gz); when false they're omitted (the form published to an
// update site).
func Write(w io.Writer, c *Collection, local Local) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()

	if _, err := io.WriteString(gz, xml.Header); err != nil {
		return fmt.Errorf("write xml header: %w", err)
	}
	if _, err := io.WriteString(gz, dtd); err != nil {
		return fmt.Errorf("write dtd: %w", err)
	}

	root := wireRoot{}
	if local {
		for _, s := range c.Sites() {
			if s.Active {
				root.Sites = append(root.Sites, toWireSite(s))
			} else {
				root.Disabled = append(root.Disabled, toWireSite(s))
			}
		}
	}
	for _, f := range c.All() {
		root.Plugins = append(root.Plugins, toWirePlugin(f, local))
	}

	enc := xml.NewEncoder(gz)
	enc.Indent("", "  ")
	if err := enc.Encode(&root); err != nil {
		return fmt.Errorf("encode catalog xml: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip writer: %w", err)
	}
	return nil
}

// Read parses a GZIP-compressed XML catalog document from r into a new
// Collection.
func Read(r io.Reader) (*Collection, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrCorruptCatalog, "", "not a valid gzip stream", err)
	}
	defer gz.Close()

	var root wireRoot
	if err := xml.NewDecoder(gz).Decode(&root); err != nil {
		return nil, apperror.Wrap(apperror.ErrCorruptCatalog, "", "invalid catalog xml", err)
	}

	c := New()
	for _, ws := range root.Sites {
		s, err := fromWireSite(ws)
		if err != nil {
			return nil, err
		}
		c.PutSite(s)
	}
	for _, ws := range root.Disabled {
		s, err := fromWireSite(ws)
		if err != nil {
			return nil, err
		}
		s.Active = false
		c.PutSite(s)
	}
	for _, wp := range root.Plugins {
		if err := wp.validate(); err != nil {
			return nil, err
		}
		c.Put(fromWirePlugin(wp))
	}
	return c, nil
}

func (p *wirePlugin) validate() error {
	if p.Filename == "" {
		return apperror.New(apperror.ErrCorruptCatalog, "", "plugin element missing required filename attribute")
	}
	if p.Version != nil {
		// filesize==0 is legal for an empty file; checksum/timestamp are not optional.
		if p.Version.Checksum == "" {
			return apperror.New(apperror.ErrCorruptCatalog, p.Filename, "current version missing checksum")
		}
		if p.Version.Timestamp == "" {
			return apperror.New(apperror.ErrCorruptCatalog, p.Filename, "current version missing timestamp")
		}
		if !timestampRE.MatchString(p.Version.Timestamp) {
			return apperror.New(apperror.ErrCorruptCatalog, p.Filename, fmt.Sprintf("malformed timestamp %q", p.Version.Timestamp))
		}
	}
	for _, pv := range p.Previous {
		if pv.Checksum == "" {
			return apperror.New(apperror.ErrCorruptCatalog, p.Filename, "previous-version missing required checksum")
		}
		if !timestampRE.MatchString(pv.Timestamp) {
			return apperror.New(apperror.ErrCorruptCatalog, p.Filename, fmt.Sprintf("malformed previous-version timestamp %q", pv.Timestamp))
		}
	}
	return nil
}

func toWireSite(s *model.Site) wireSite {
	return wireSite{
		Name: s.Name, URL: s.BaseURL, KeepURL: s.KeepURL, Official: s.Official,
		SSHHost: s.SSHHost, UploadDir: s.UploadDir, Description: s.Description,
		Maintainer: s.Maintainer, Timestamp: s.Timestamp,
	}
}

func fromWireSite(ws wireSite) (*model.Site, error) {
	if ws.Name == "" || ws.URL == "" {
		return nil, apperror.New(apperror.ErrCorruptCatalog, ws.Name, "update-site missing required name/url")
	}
	return &model.Site{
		Name: ws.Name, BaseURL: ws.URL, KeepURL: ws.KeepURL, Official: ws.Official,
		SSHHost: ws.SSHHost, UploadDir: ws.UploadDir, Description: ws.Description,
		Maintainer: ws.Maintainer, Timestamp: ws.Timestamp, Active: true,
	}, nil
}

func toWirePlugin(f *model.File, local Local) wirePlugin {
	wp := wirePlugin{
		Filename:   f.Filename,
		Executable: f.Executable,
		Platforms:  f.Platforms,
		Categories: f.Categories,
	}
	if local {
		wp.UpdateSite = f.UpdateSite
	}
	if f.Current != nil {
		wp.Version = toWireVersion(f.Current)
	}
	for _, pv := range f.Previous {
		wp.Previous = append(wp.Previous, wirePreviousVer{
			Filename: pv.Filename, Timestamp: pv.Timestamp,
			TimestampObsolete: pv.TimestampObsolete, Checksum: pv.Checksum,
		})
	}
	return wp
}

func toWireVersion(v *model.Version) *wireVersion {
	wv := &wireVersion{
		Timestamp: v.Timestamp, Checksum: v.Checksum, Filesize: v.Filesize,
		Description: v.Description, Links: v.Links, Authors: v.Authors,
	}
	for _, d := range v.Dependencies {
		wv.Dependencies = append(wv.Dependencies, wireDependency{
			Filename: d.Filename, Timestamp: d.Timestamp, Overrides: d.Overrides,
		})
	}
	return wv
}

func fromWirePlugin(wp wirePlugin) *model.File {
	f := &model.File{
		Filename:   wp.Filename,
		UpdateSite: wp.UpdateSite,
		Executable: wp.Executable,
		Platforms:  wp.Platforms,
		Categories: wp.Categories,
	}
	if wp.Version != nil {
		f.Current = fromWireVersion(*wp.Version)
		f.Filesize = wp.Version.Filesize
	}
	for _, pv := range wp.Previous {
		f.Previous = append(f.Previous, &model.Version{
			Filename: pv.Filename, Timestamp: pv.Timestamp,
			TimestampObsolete: pv.TimestampObsolete, Checksum: pv.Checksum,
		})
	}
	return f
}

func fromWireVersion(wv wireVersion) *model.Version {
	v := &model.Version{
		Timestamp: wv.Timestamp, Checksum: wv.Checksum, Filesize: wv.Filesize,
		Description: wv.Description, Links: wv.Links, Authors: wv.Authors,
	}
	for _, d := range wv.Dependencies {
		v.Dependencies = append(v.Dependencies, model.Dependency{
			Filename: d.Filename, Timestamp: d.Timestamp, Overrides: d.Overrides,
		})
	}
	return v
}
