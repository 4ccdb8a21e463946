// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package tun

import (
	"runtime"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

// TUN is unavailable on this platform.
type TUN struct{ Memory }

// Open always fails outside Linux.
func Open(cfg Config, logger *logging.Logger) (*TUN, error) {
	return nil, errors.Errorf(errors.KindUnavailable, "tun devices are not supported on %s", runtime.GOOS)
}
