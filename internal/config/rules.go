// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"grimm.is/tunwall/internal/rules"
)

// Grid collects the inline dns_rule and http_rule blocks. Blocks repeating a
// pattern merge the same way rule files do.
func (r *RulesConfig) Grid() *rules.Grid {
	g := rules.NewGrid()
	if r == nil {
		return g
	}
	for _, d := range r.DNSRules {
		g.AddDNS(d.Pattern, rules.DNSAnswers{A: d.A, AAAA: d.AAAA, CNAME: d.CNAME})
	}
	for _, h := range r.HTTPRules {
		g.AddHTTP(h.Pattern, rules.HTTPTemplates{GET: h.GET, POST: h.POST, PUT: h.PUT, DELETE: h.DELETE})
	}
	return g
}
