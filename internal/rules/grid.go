// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules holds the regex keyed rule table consulted by the firewall:
// domain patterns mapped to substitute DNS answers and URL patterns mapped to
// HTTP response templates.
package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"grimm.is/tunwall/internal/errors"
)

// DNSAnswers lists substitute answers per record type.
type DNSAnswers struct {
	A     []string `json:"A,omitempty" yaml:"A,omitempty"`
	AAAA  []string `json:"AAAA,omitempty" yaml:"AAAA,omitempty"`
	CNAME []string `json:"CNAME,omitempty" yaml:"CNAME,omitempty"`
}

// HTTPTemplates holds one response body template per method. An empty
// template means requests with that method are not intercepted.
type HTTPTemplates struct {
	GET    string `json:"GET,omitempty" yaml:"GET,omitempty"`
	POST   string `json:"POST,omitempty" yaml:"POST,omitempty"`
	PUT    string `json:"PUT,omitempty" yaml:"PUT,omitempty"`
	DELETE string `json:"DELETE,omitempty" yaml:"DELETE,omitempty"`
}

// Template returns the template for method, or "".
func (h HTTPTemplates) Template(method string) string {
	switch method {
	case "GET":
		return h.GET
	case "POST":
		return h.POST
	case "PUT":
		return h.PUT
	case "DELETE":
		return h.DELETE
	}
	return ""
}

// Grid is the serialized rule table, as delivered by the feed.
type Grid struct {
	DNS  map[string]DNSAnswers    `json:"dns" yaml:"dns"`
	HTTP map[string]HTTPTemplates `json:"http" yaml:"http"`
}

// NewGrid returns an empty grid.
func NewGrid() *Grid {
	return &Grid{
		DNS:  make(map[string]DNSAnswers),
		HTTP: make(map[string]HTTPTemplates),
	}
}

// AddDNS merges answers into the entry for pattern.
func (g *Grid) AddDNS(pattern string, a DNSAnswers) {
	if g.DNS == nil {
		g.DNS = make(map[string]DNSAnswers)
	}
	cur := g.DNS[pattern]
	cur.A = append(cur.A, a.A...)
	cur.AAAA = append(cur.AAAA, a.AAAA...)
	cur.CNAME = append(cur.CNAME, a.CNAME...)
	g.DNS[pattern] = cur
}

// AddHTTP sets the non-empty templates of t on the entry for pattern.
func (g *Grid) AddHTTP(pattern string, t HTTPTemplates) {
	if g.HTTP == nil {
		g.HTTP = make(map[string]HTTPTemplates)
	}
	cur := g.HTTP[pattern]
	if t.GET != "" {
		cur.GET = t.GET
	}
	if t.POST != "" {
		cur.POST = t.POST
	}
	if t.PUT != "" {
		cur.PUT = t.PUT
	}
	if t.DELETE != "" {
		cur.DELETE = t.DELETE
	}
	g.HTTP[pattern] = cur
}

// Merge adds every rule of other to g.
func (g *Grid) Merge(other *Grid) {
	if other == nil {
		return
	}
	for p, a := range other.DNS {
		g.AddDNS(p, a)
	}
	for p, t := range other.HTTP {
		g.AddHTTP(p, t)
	}
}

// Len returns the number of patterns.
func (g *Grid) Len() int {
	return len(g.DNS) + len(g.HTTP)
}

// ParseJSON decodes a grid in its wire form.
func ParseJSON(b []byte) (*Grid, error) {
	g := NewGrid()
	if err := json.Unmarshal(b, g); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decode rule grid")
	}
	return g, nil
}

// ParseYAML decodes a grid written as YAML with the same shape as the JSON form.
func ParseYAML(b []byte) (*Grid, error) {
	g := NewGrid()
	if err := yaml.Unmarshal(b, g); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decode rule grid")
	}
	return g, nil
}

// LoadFile reads a grid from disk. Files ending in .yaml or .yml are YAML,
// everything else is JSON.
func LoadFile(path string) (*Grid, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "read rules %s", path)
	}
	var g *Grid
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		g, err = ParseYAML(b)
	default:
		g, err = ParseJSON(b)
	}
	if err != nil {
		return nil, errors.Attr(err, "path", path)
	}
	return g, nil
}
