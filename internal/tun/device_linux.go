// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package tun

import (
	"net"
	"os"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
)

const cloneDevice = "/dev/net/tun"

// TUN is a Linux TUN interface opened without packet information headers.
type TUN struct {
	file *os.File
	name string
	mtu  int
}

// Open creates (or attaches to) the TUN interface described by cfg, assigns
// its addresses and routes, and brings it up.
func Open(cfg Config, logger *logging.Logger) (*TUN, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("tun")

	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open %s", cloneDevice)
	}

	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, errors.KindValidation, "interface name %q", cfg.Name)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, errors.KindPermission, "TUNSETIFF %s", cfg.Name)
	}
	// Non-blocking so the runtime poller can interrupt Read on Close.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, errors.KindIO, "set non-blocking")
	}

	t := &TUN{
		file: os.NewFile(uintptr(fd), cloneDevice),
		name: ifr.Name(),
		mtu:  cfg.MTU,
	}
	if err := configure(t.name, cfg); err != nil {
		t.Close()
		return nil, err
	}
	logger.Info("tun device up", "name", t.name, "mtu", t.mtu, "addresses", cfg.Addresses, "routes", cfg.Routes)
	return t, nil
}

func configure(name string, cfg Config) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "interface %s not found", name)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return errors.Wrapf(err, errors.KindIO, "set mtu on %s", name)
		}
	}
	for _, a := range cfg.Addresses {
		addr, err := netlink.ParseAddr(a)
		if err != nil {
			return errors.Wrapf(err, errors.KindValidation, "address %q", a)
		}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return errors.Wrapf(err, errors.KindIO, "add address %s to %s", a, name)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, errors.KindIO, "bring up %s", name)
	}
	for _, r := range cfg.Routes {
		_, dst, err := net.ParseCIDR(r)
		if err != nil {
			return errors.Wrapf(err, errors.KindValidation, "route %q", r)
		}
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
		if err := netlink.RouteReplace(route); err != nil {
			return errors.Wrapf(err, errors.KindIO, "add route %s via %s", r, name)
		}
	}
	return nil
}

func (t *TUN) Name() string { return t.name }
func (t *TUN) MTU() int     { return t.mtu }

func (t *TUN) Read(p []byte) (int, error)  { return t.file.Read(p) }
func (t *TUN) Write(p []byte) (int, error) { return t.file.Write(p) }

// Close releases the descriptor; the kernel removes the interface.
func (t *TUN) Close() error { return t.file.Close() }
