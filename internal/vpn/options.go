// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vpn

import (
	"time"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/firewall"
	"grimm.is/tunwall/internal/flow"
	"grimm.is/tunwall/internal/tcpflow"
	"grimm.is/tunwall/internal/tun"
	"grimm.is/tunwall/internal/udpflow"
)

// TunConfig converts the tun block.
func TunConfig(cfg *config.Config) tun.Config {
	t := cfg.Tun
	return tun.Config{Name: t.Name, MTU: t.MTU, Addresses: t.Addresses, Routes: t.Routes}
}

// OptionsFromConfig builds pipeline options from a defaulted configuration.
// The caller supplies the device, metrics and logger.
func OptionsFromConfig(cfg *config.Config, matcher firewall.Matcher) (Options, error) {
	f := cfg.Flows
	var durations [5]time.Duration
	for i, field := range []struct {
		name, value string
	}{
		{"idle_timeout", f.IdleTimeout},
		{"cleanup_interval", f.CleanupInterval},
		{"connect_timeout", f.ConnectTimeout},
		{"connect_wait", f.ConnectWait},
		{"write_timeout", f.WriteTimeout},
	} {
		d, err := config.Duration(field.value, 0)
		if err != nil {
			return Options{}, errors.Wrapf(err, errors.KindValidation, "flows.%s", field.name)
		}
		durations[i] = d
	}
	idle, cleanup, connect, wait, write := durations[0], durations[1], durations[2], durations[3], durations[4]

	fw := firewall.Options{
		Rules:         matcher,
		MaxHeaderSize: cfg.Inspect.MaxHeaderSize,
		DNSTTL:        uint32(cfg.Inspect.DNSTTL),
	}
	return Options{
		TCP: tcpflow.Config{
			MTU:            cfg.Tun.MTU,
			ConnectTimeout: connect,
			ConnectWait:    wait,
			WriteTimeout:   write,
			Flow:           &flow.Config{Capacity: f.TCPCapacity, IdleTimeout: idle, CleanupInterval: cleanup},
			Firewall:       fw,
		},
		UDP: udpflow.Config{
			MTU:            cfg.Tun.MTU,
			ConnectTimeout: connect,
			WriteTimeout:   write,
			Flow:           &flow.Config{Capacity: f.UDPCapacity, IdleTimeout: idle, CleanupInterval: cleanup},
			Firewall:       fw,
		},
		QueueDepth:      f.QueueDepth,
		ArenaBuffers:    f.ArenaBuffers,
		ArenaBufferSize: f.ArenaBufferSize,
		ArenaMax:        f.ArenaMax,
	}, nil
}
