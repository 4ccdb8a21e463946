// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"grimm.is/tunwall/internal/errors"
)

// Load reads, decodes, defaults and validates the configuration at path.
// Files ending in .json use HCL's JSON syntax; anything else is native HCL.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes data as if read from filename.
func LoadBytes(filename string, data []byte) (*Config, error) {
	name := filename
	if ext := strings.ToLower(filepath.Ext(name)); ext != ".json" && ext != ".hcl" {
		name += ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(name, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}
	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Attr(errors.Wrap(errs, errors.KindValidation, "invalid config"), "file", filename)
	}
	return &cfg, nil
}

// Format renders cfg as native HCL. Secrets are included; callers printing
// the result should redact them first.
func Format(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return hclwrite.Format(f.Bytes())
}

// FormatHCL formats HCL source code.
func FormatHCL(src string) (string, error) {
	file, diags := hclwrite.ParseConfig([]byte(src), "format.hcl", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return "", errors.Errorf(errors.KindValidation, "invalid HCL: %s", diags.Error())
	}
	return string(file.Bytes()), nil
}

// Redacted returns a copy of cfg with the feed passphrase masked.
func (c *Config) Redacted() *Config {
	out := *c
	if c.Rules != nil && c.Rules.Feed != nil {
		rules := *c.Rules
		feed := *c.Rules.Feed
		if feed.Passphrase != "" {
			feed.Passphrase = "(redacted)"
		}
		rules.Feed = &feed
		out.Rules = &rules
	}
	return &out
}
