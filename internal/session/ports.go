package session

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/microsoft/wsla/internal/vm"
)

// NetworkMode selects how container ports reach the VM.
type NetworkMode int

const (
	// Bridge gives every mapping a fresh VM port forwarded by the engine.
	Bridge NetworkMode = iota
	// Host shares the VM's network; the VM port is the container port.
	Host
)

func (m NetworkMode) String() string {
	if m == Host {
		return "host"
	}
	return "bridge"
}

func ParseNetworkMode(s string) (NetworkMode, error) {
	switch strings.ToLower(s) {
	case "", "bridge", "default":
		return Bridge, nil
	case "host":
		return Host, nil
	}
	return 0, fmt.Errorf("network mode %q: %w", s, errdefs.ErrInvalidArgument)
}

// PortRequest asks for HostPort on the host to reach ContainerPort.
type PortRequest struct {
	HostPort      uint16
	ContainerPort uint16
	Family        vm.Family
	Protocol      string
}

// PortMapping is a resolved port forward. Mapped is set once the host to VM
// translation is active.
type PortMapping struct {
	HostPort      uint16
	VMPort        uint16
	ContainerPort uint16
	Family        vm.Family
	Protocol      string
	Mapped        bool
}

func (p PortMapping) natPort() (nat.Port, error) {
	return nat.NewPort(p.Protocol, strconv.Itoa(int(p.ContainerPort)))
}

func validatePorts(reqs []PortRequest) error {
	for _, r := range reqs {
		if r.HostPort == 0 || r.ContainerPort == 0 {
			return fmt.Errorf("port mapping %d:%d: ports must be non-zero: %w", r.HostPort, r.ContainerPort, errdefs.ErrInvalidArgument)
		}
		if r.Family != vm.IPv4 && r.Family != vm.IPv6 {
			return fmt.Errorf("port mapping %d:%d: %s: %w", r.HostPort, r.ContainerPort, r.Family, errdefs.ErrInvalidArgument)
		}
		switch strings.ToLower(r.Protocol) {
		case "", "tcp", "udp":
		default:
			return fmt.Errorf("port mapping %d:%d: protocol %q: %w", r.HostPort, r.ContainerPort, r.Protocol, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// portSet owns the VM-side reservations and forwards of one container.
type portSet struct {
	vm       vm.VM
	mappings []PortMapping
	reserved map[vm.Family][]uint16
}

func newPortSet(v vm.VM) *portSet {
	return &portSet{vm: v, reserved: make(map[vm.Family][]uint16)}
}

// acquirePorts resolves reqs for mode and maps them, all or nothing.
func acquirePorts(v vm.VM, mode NetworkMode, reqs []PortRequest) (*portSet, error) {
	ps := newPortSet(v)
	for _, r := range reqs {
		proto := strings.ToLower(r.Protocol)
		if proto == "" {
			proto = "tcp"
		}
		ps.mappings = append(ps.mappings, PortMapping{
			HostPort:      r.HostPort,
			ContainerPort: r.ContainerPort,
			Family:        r.Family,
			Protocol:      proto,
		})
	}

	var err error
	if mode == Host {
		err = ps.reserveContainerPorts()
	} else {
		err = ps.allocateBridgePorts()
	}
	if err == nil {
		err = ps.mapAll()
	}
	if err != nil {
		ps.release()
		return nil, err
	}
	return ps, nil
}

// reacquirePorts re-reserves and re-maps previously resolved mappings.
func reacquirePorts(v vm.VM, mappings []PortMapping) (*portSet, error) {
	ps := newPortSet(v)
	for _, m := range mappings {
		m.Mapped = false
		ps.mappings = append(ps.mappings, m)
	}
	err := ps.reserveVMPorts()
	if err == nil {
		err = ps.mapAll()
	}
	if err != nil {
		ps.release()
		return nil, err
	}
	return ps, nil
}

func (ps *portSet) allocateBridgePorts() error {
	counts := make(map[vm.Family]int)
	for _, m := range ps.mappings {
		counts[m.Family]++
	}
	got := make(map[vm.Family][]uint16)
	for _, fam := range []vm.Family{vm.IPv4, vm.IPv6} {
		if counts[fam] == 0 {
			continue
		}
		ports, err := ps.vm.AllocatePorts(fam, counts[fam])
		if err != nil {
			return fmt.Errorf("allocate %d %s ports: %w", counts[fam], fam, err)
		}
		ps.reserved[fam] = append(ps.reserved[fam], ports...)
		got[fam] = ports
	}
	for i := range ps.mappings {
		fam := ps.mappings[i].Family
		ps.mappings[i].VMPort = got[fam][0]
		got[fam] = got[fam][1:]
	}
	return nil
}

func (ps *portSet) reserveContainerPorts() error {
	for i := range ps.mappings {
		ps.mappings[i].VMPort = ps.mappings[i].ContainerPort
	}
	return ps.reserveVMPorts()
}

// reserveVMPorts reserves each distinct VM port once per family.
func (ps *portSet) reserveVMPorts() error {
	type key struct {
		fam  vm.Family
		port uint16
	}
	seen := make(map[key]bool)
	for _, m := range ps.mappings {
		k := key{m.Family, m.VMPort}
		if seen[k] {
			continue
		}
		if err := ps.vm.TryAllocatePort(m.Family, m.VMPort); err != nil {
			return fmt.Errorf("reserve %s port %d: %w", m.Family, m.VMPort, err)
		}
		seen[k] = true
		ps.reserved[m.Family] = append(ps.reserved[m.Family], m.VMPort)
	}
	return nil
}

func (ps *portSet) mapAll() error {
	for i := range ps.mappings {
		m := &ps.mappings[i]
		if err := ps.vm.MapPort(m.Family, m.HostPort, m.VMPort, m.Protocol); err != nil {
			return fmt.Errorf("map %s port %d to %d: %w", m.Family, m.HostPort, m.VMPort, err)
		}
		m.Mapped = true
	}
	return nil
}

// release undoes every forward and reservation. It is safe to call more
// than once.
func (ps *portSet) release() {
	if ps == nil {
		return
	}
	for i := range ps.mappings {
		m := &ps.mappings[i]
		if !m.Mapped {
			continue
		}
		if err := ps.vm.UnmapPort(m.Family, m.HostPort, m.VMPort, m.Protocol); err != nil {
			slog.Warn("unmap port", "family", m.Family, "host", m.HostPort, "vm", m.VMPort, "err", err)
		}
		m.Mapped = false
	}
	for fam, ports := range ps.reserved {
		ps.vm.ReleasePorts(fam, ports)
	}
	clear(ps.reserved)
}

// Mappings returns a copy of the resolved mappings.
func (ps *portSet) Mappings() []PortMapping {
	if ps == nil {
		return nil
	}
	return append([]PortMapping(nil), ps.mappings...)
}

// engineConfig fills the engine's port configuration for mode.
func (ps *portSet) engineConfig(mode NetworkMode) (nat.PortSet, nat.PortMap, error) {
	if ps == nil || len(ps.mappings) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet)
	var bindings nat.PortMap
	if mode == Bridge {
		bindings = make(nat.PortMap)
	}
	for _, m := range ps.mappings {
		port, err := m.natPort()
		if err != nil {
			return nil, nil, fmt.Errorf("port %d/%s: %w: %w", m.ContainerPort, m.Protocol, errdefs.ErrInvalidArgument, err)
		}
		exposed[port] = struct{}{}
		if bindings == nil {
			continue
		}
		hostIP := "0.0.0.0"
		if m.Family == vm.IPv6 {
			hostIP = "::"
		}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: hostIP, HostPort: strconv.Itoa(int(m.VMPort))})
	}
	return exposed, bindings, nil
}
