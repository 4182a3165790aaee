// Package vm describes the guest virtual machine the engine runs in: its
// engine socket, port allocation and forwarding, folder mounts, and raw
// process launching. Local is an implementation backed by the current host.
package vm

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Family is an IP address family.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// ParseFamily accepts "ipv4"/"4"/"" and "ipv6"/"6".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "", "4", "ipv4", "inet":
		return IPv4, nil
	case "6", "ipv6", "inet6":
		return IPv6, nil
	}
	return 0, fmt.Errorf("unknown address family %q", s)
}

// VM is the guest as seen by the container lifecycle manager.
type VM interface {
	// DialEngine connects to the engine's REST socket inside the guest.
	DialEngine(ctx context.Context) (net.Conn, error)

	// AllocatePorts reserves count free VM-side ports.
	AllocatePorts(family Family, count int) ([]uint16, error)
	// TryAllocatePort reserves one specific VM-side port.
	TryAllocatePort(family Family, port uint16) error
	// ReleasePorts returns reservations to the allocator.
	ReleasePorts(family Family, ports []uint16)

	// MapPort forwards hostPort on the host to vmPort in the guest.
	MapPort(family Family, hostPort, vmPort uint16, protocol string) error
	UnmapPort(family Family, hostPort, vmPort uint16, protocol string) error

	// MountWindowsFolder makes hostPath visible inside the guest at vmPath.
	MountWindowsFolder(hostPath, vmPath string, readOnly bool) error
	UnmountWindowsFolder(vmPath string) error
}

// Command is a process to start inside the guest.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	TTY  bool
	Rows uint16
	Cols uint16
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Process is a process running inside the guest.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// Stderr is nil for tty processes.
	Stderr() io.ReadCloser
	// Exited is closed once the process has exited and ExitCode is valid.
	Exited() <-chan struct{}
	ExitCode() int
	Signal(sig syscall.Signal) error
	ResizeTTY(rows, cols uint16) error
}

// Launcher starts guest processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, cmd Command) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, cmd Command) (Process, error) { return f(ctx, cmd) }
