// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"fmt"
	"net/netip"
)

// FlowKey identifies a flow as seen from the device: Src is the device end.
type FlowKey struct {
	Transport Transport
	Src       netip.AddrPort
	Dst       netip.AddrPort
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s->%s/%s", k.Src, k.Dst, k.Transport)
}

// Remote is the dial address of the real destination.
func (k FlowKey) Remote() string {
	return k.Dst.String()
}
