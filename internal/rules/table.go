// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"sync/atomic"

	"grimm.is/tunwall/internal/logging"
)

// Table publishes the current snapshot. Readers never block and never see a
// partially installed rule set; an empty table matches nothing.
type Table struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
	logger  *logging.Logger
}

// NewTable returns an empty table.
func NewTable(logger *logging.Logger) *Table {
	if logger == nil {
		logger = logging.Default()
	}
	return &Table{logger: logger.WithComponent("rules")}
}

// Store installs s and stamps it with the next version.
func (t *Table) Store(s *Snapshot) uint64 {
	v := t.version.Add(1)
	s.Version = v
	t.current.Store(s)
	d, h := s.Counts()
	t.logger.Info("rules installed", "version", v, "source", s.Source, "dns_rules", d, "http_rules", h)
	return v
}

// Load returns the installed snapshot, or nil.
func (t *Table) Load() *Snapshot {
	return t.current.Load()
}

// Version returns the version of the installed snapshot, 0 when empty.
func (t *Table) Version() uint64 {
	if s := t.current.Load(); s != nil {
		return s.Version
	}
	return 0
}

// MatchDNS consults the installed snapshot.
func (t *Table) MatchDNS(name string, qtype uint16) []string {
	return t.current.Load().MatchDNS(name, qtype)
}

// MatchHTTP consults the installed snapshot.
func (t *Table) MatchHTTP(url, method string) (string, bool) {
	return t.current.Load().MatchHTTP(url, method)
}
