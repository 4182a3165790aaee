package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
)

// LocalOptions configure a Local VM.
type LocalOptions struct {
	// EngineSocket is the engine's Unix socket path.
	EngineSocket string
	// PortRangeLow and PortRangeHigh bound ephemeral port allocation.
	PortRangeLow  uint16
	PortRangeHigh uint16
}

// Local treats the current host as the guest: the engine socket is dialed
// directly, folder mounts become symlinks and port mappings are recorded in a
// table.
type Local struct {
	socket string
	ports  map[Family]*portAllocator

	mapMu    sync.Mutex
	mappings map[mapping]uint16

	mountMu sync.Mutex
	mounts  map[string]Mount
}

type mapping struct {
	family   Family
	hostPort uint16
	protocol string
}

// Mount is an active folder mount.
type Mount struct {
	HostPath string
	VMPath   string
	ReadOnly bool
}

func NewLocal(opts LocalOptions) *Local {
	lo, hi := opts.PortRangeLow, opts.PortRangeHigh
	if lo == 0 && hi == 0 {
		lo, hi = 32768, 60999
	}
	return &Local{
		socket: opts.EngineSocket,
		ports: map[Family]*portAllocator{
			IPv4: newPortAllocator(lo, hi),
			IPv6: newPortAllocator(lo, hi),
		},
		mappings: make(map[mapping]uint16),
		mounts:   make(map[string]Mount),
	}
}

func (l *Local) DialEngine(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, "unix", l.socket)
}

func (l *Local) allocator(family Family) (*portAllocator, error) {
	a, ok := l.ports[family]
	if !ok {
		return nil, fmt.Errorf("%s: %w", family, errdefs.ErrInvalidArgument)
	}
	return a, nil
}

func (l *Local) AllocatePorts(family Family, count int) ([]uint16, error) {
	a, err := l.allocator(family)
	if err != nil {
		return nil, err
	}
	return a.allocate(count)
}

func (l *Local) TryAllocatePort(family Family, port uint16) error {
	a, err := l.allocator(family)
	if err != nil {
		return err
	}
	return a.reserve(port)
}

func (l *Local) ReleasePorts(family Family, ports []uint16) {
	if a, err := l.allocator(family); err == nil {
		a.release(ports)
	}
}

// ReservedPorts counts the ports currently reserved for family.
func (l *Local) ReservedPorts(family Family) int {
	if a, err := l.allocator(family); err == nil {
		return a.reserved()
	}
	return 0
}

func (l *Local) MapPort(family Family, hostPort, vmPort uint16, protocol string) error {
	key := mapping{family: family, hostPort: hostPort, protocol: strings.ToLower(protocol)}

	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	if cur, ok := l.mappings[key]; ok {
		return fmt.Errorf("map %s %s/%d (to %d): %w", family, key.protocol, hostPort, cur, errdefs.ErrAlreadyExists)
	}
	l.mappings[key] = vmPort
	slog.Debug("port mapped", "family", family, "protocol", key.protocol, "host", hostPort, "vm", vmPort)
	return nil
}

func (l *Local) UnmapPort(family Family, hostPort, vmPort uint16, protocol string) error {
	key := mapping{family: family, hostPort: hostPort, protocol: strings.ToLower(protocol)}

	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	cur, ok := l.mappings[key]
	if !ok || cur != vmPort {
		return fmt.Errorf("unmap %s %s/%d: %w", family, key.protocol, hostPort, errdefs.ErrNotFound)
	}
	delete(l.mappings, key)
	return nil
}

// MappedPort returns the VM port hostPort forwards to.
func (l *Local) MappedPort(family Family, hostPort uint16, protocol string) (uint16, bool) {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()
	p, ok := l.mappings[mapping{family: family, hostPort: hostPort, protocol: strings.ToLower(protocol)}]
	return p, ok
}

// MountWindowsFolder links vmPath to hostPath.
func (l *Local) MountWindowsFolder(hostPath, vmPath string, readOnly bool) error {
	if !filepath.IsAbs(vmPath) {
		return fmt.Errorf("mount %s: vm path must be absolute: %w", vmPath, errdefs.ErrInvalidArgument)
	}
	info, err := os.Stat(hostPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("mount %s: %w", hostPath, errdefs.ErrNotFound)
		}
		return fmt.Errorf("mount %s: %w", hostPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount %s: not a directory: %w", hostPath, errdefs.ErrInvalidArgument)
	}

	l.mountMu.Lock()
	defer l.mountMu.Unlock()

	if _, ok := l.mounts[vmPath]; ok {
		return fmt.Errorf("mount %s: %w", vmPath, errdefs.ErrAlreadyExists)
	}
	if err := os.MkdirAll(filepath.Dir(vmPath), 0o755); err != nil {
		return fmt.Errorf("mount %s: %w", vmPath, err)
	}
	if err := os.Symlink(hostPath, vmPath); err != nil {
		return fmt.Errorf("mount %s: %w", vmPath, err)
	}
	l.mounts[vmPath] = Mount{HostPath: hostPath, VMPath: vmPath, ReadOnly: readOnly}
	return nil
}

func (l *Local) UnmountWindowsFolder(vmPath string) error {
	l.mountMu.Lock()
	defer l.mountMu.Unlock()

	if _, ok := l.mounts[vmPath]; !ok {
		return fmt.Errorf("unmount %s: %w", vmPath, errdefs.ErrNotFound)
	}
	if err := os.Remove(vmPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unmount %s: %w", vmPath, err)
	}
	delete(l.mounts, vmPath)
	return nil
}

// Mounts lists the active folder mounts.
func (l *Local) Mounts() []Mount {
	l.mountMu.Lock()
	defer l.mountMu.Unlock()

	out := make([]Mount, 0, len(l.mounts))
	for _, m := range l.mounts {
		out = append(out, m)
	}
	return out
}
