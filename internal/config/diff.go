// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Diff returns a unified diff of the HCL renderings of a and b, or "" when
// they render identically. Both sides are redacted.
func Diff(a, b *Config, fromName, toName string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(Format(a.Redacted()))),
		B:        difflib.SplitLines(string(Format(b.Redacted()))),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	return text
}
