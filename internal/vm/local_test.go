package vm

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

func TestLocal_MapPort(t *testing.T) {
	l := NewLocal(LocalOptions{PortRangeLow: 41000, PortRangeHigh: 41010})

	if err := l.MapPort(IPv4, 8080, 41000, "TCP"); err != nil {
		t.Fatal(err)
	}
	if err := l.MapPort(IPv4, 8080, 41001, "tcp"); !errdefs.IsAlreadyExists(err) {
		t.Errorf("duplicate map = %v", err)
	}
	// Same host port on another protocol or family is distinct.
	if err := l.MapPort(IPv4, 8080, 41001, "udp"); err != nil {
		t.Errorf("udp map: %v", err)
	}
	if err := l.MapPort(IPv6, 8080, 41002, "tcp"); err != nil {
		t.Errorf("ipv6 map: %v", err)
	}

	if p, ok := l.MappedPort(IPv4, 8080, "tcp"); !ok || p != 41000 {
		t.Errorf("MappedPort = %d, %v", p, ok)
	}
	if err := l.UnmapPort(IPv4, 8080, 41999, "tcp"); !errdefs.IsNotFound(err) {
		t.Errorf("unmap wrong vm port = %v", err)
	}
	if err := l.UnmapPort(IPv4, 8080, 41000, "tcp"); err != nil {
		t.Errorf("unmap: %v", err)
	}
	if _, ok := l.MappedPort(IPv4, 8080, "tcp"); ok {
		t.Error("mapping survived unmap")
	}
}

func TestLocal_UnknownFamily(t *testing.T) {
	l := NewLocal(LocalOptions{})
	if _, err := l.AllocatePorts(Family(5), 1); !errdefs.IsInvalidArgument(err) {
		t.Errorf("err = %v", err)
	}
	if l.ReservedPorts(Family(5)) != 0 {
		t.Error("unknown family has reservations")
	}
}

func TestLocal_Mounts(t *testing.T) {
	l := NewLocal(LocalOptions{})
	host := t.TempDir()
	root := t.TempDir()
	os.WriteFile(filepath.Join(host, "data.txt"), []byte("hi"), 0o644)

	vmPath := filepath.Join(root, "mnt", "one")
	if err := l.MountWindowsFolder(host, vmPath, true); err != nil {
		t.Fatalf("mount: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(vmPath, "data.txt"))
	if err != nil || string(data) != "hi" {
		t.Errorf("read through mount = %q, %v", data, err)
	}
	if err := l.MountWindowsFolder(host, vmPath, false); !errdefs.IsAlreadyExists(err) {
		t.Errorf("remount = %v", err)
	}
	if ms := l.Mounts(); len(ms) != 1 || !ms[0].ReadOnly {
		t.Errorf("mounts = %+v", ms)
	}

	if err := l.MountWindowsFolder(filepath.Join(host, "missing"), filepath.Join(root, "two"), false); !errdefs.IsNotFound(err) {
		t.Errorf("missing host path = %v", err)
	}
	if err := l.MountWindowsFolder(host, "relative", false); !errdefs.IsInvalidArgument(err) {
		t.Errorf("relative vm path = %v", err)
	}

	if err := l.UnmountWindowsFolder(vmPath); err != nil {
		t.Fatalf("unmount: %v", err)
	}
	if _, err := os.Lstat(vmPath); !os.IsNotExist(err) {
		t.Errorf("mount point still present: %v", err)
	}
	if err := l.UnmountWindowsFolder(vmPath); !errdefs.IsNotFound(err) {
		t.Errorf("second unmount = %v", err)
	}
}

func TestExecLauncher_Pipes(t *testing.T) {
	p, err := ExecLauncher{}.Launch(context.Background(), Command{Path: "/bin/sh", Args: []string{"-c", "cat; echo err >&2; exit 4"}})
	if err != nil {
		t.Skipf("no shell: %v", err)
	}

	io.WriteString(p.Stdin(), "hello\n")
	p.Stdin().Close()

	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	if err != nil || line != "hello\n" {
		t.Errorf("stdout = %q, %v", line, err)
	}
	errOut, _ := io.ReadAll(p.Stderr())
	if string(errOut) != "err\n" {
		t.Errorf("stderr = %q", errOut)
	}

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if p.ExitCode() != 4 {
		t.Errorf("exit code = %d", p.ExitCode())
	}
	if err := p.ResizeTTY(10, 10); !errdefs.IsFailedPrecondition(err) {
		t.Errorf("resize without tty = %v", err)
	}
	if err := p.Signal(syscall.SIGTERM); !errdefs.IsFailedPrecondition(err) {
		t.Errorf("signal after exit = %v", err)
	}
}

func TestPipeProcess(t *testing.T) {
	out, outW := io.Pipe()
	p := NewPipeProcess(out, nil, nil)

	go func() {
		io.Copy(outW, p.StdinReader())
	}()
	io.WriteString(p.Stdin(), "x")
	buf := make([]byte, 1)
	if _, err := io.ReadFull(p.Stdout(), buf); err != nil || buf[0] != 'x' {
		t.Fatalf("echo = %q, %v", buf, err)
	}

	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	<-p.Exited()
	if p.ExitCode() != 128+int(syscall.SIGTERM) {
		t.Errorf("exit code = %d", p.ExitCode())
	}
	p.Exit(0)
	if p.ExitCode() != 128+int(syscall.SIGTERM) {
		t.Error("second Exit changed the code")
	}
}
