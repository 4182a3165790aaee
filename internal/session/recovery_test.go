package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"

	"github.com/microsoft/wsla/internal/vm"
)

func TestSession_Recovery(t *testing.T) {
	env := setupSession(t)
	ctx := context.Background()

	host := t.TempDir()
	os.WriteFile(filepath.Join(host, "index.html"), []byte("hi"), 0o644)

	running := env.create(t, CreateOptions{
		Name:    "web",
		Cmd:     []string{"serve"},
		TTY:     true,
		Ports:   []PortRequest{{HostPort: 8080, ContainerPort: 80, Family: vm.IPv4}},
		Volumes: []VolumeRequest{{HostPath: host, ContainerPath: "/usr/share/html", ReadOnly: true}},
		Labels:  map[string]string{"app": "web"},
	})
	if _, err := running.Start(ctx, StartOptions{}); err != nil {
		t.Fatal(err)
	}
	idle := env.create(t, CreateOptions{Name: "idle"})
	wantPorts := running.Ports()
	wantVolumes := running.Volumes()

	// Containers the session did not create, or whose metadata is unusable.
	engine := env.s.Engine()
	if _, err := engine.CreateContainer(ctx, "foreign", &container.Config{Image: "alpine"}, nil); err != nil {
		t.Fatal(err)
	}
	broken := &container.Config{Image: "alpine", Labels: map[string]string{MetadataLabel: "{not json"}}
	if _, err := engine.CreateContainer(ctx, "broken", broken, nil); err != nil {
		t.Fatal(err)
	}

	if err := env.s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(env.vm.Mounts()) != 0 || env.vm.ReservedPorts(vm.IPv4) != 0 {
		t.Fatal("closing the session kept vm resources")
	}
	if env.fe.ContainerStatus(running.ID()) != "running" {
		t.Fatal("closing the session stopped the container")
	}

	s := env.open(t, env.vm)
	var names []string
	for _, c := range s.List() {
		names = append(names, c.Name())
	}
	if len(names) != 2 || names[0] != "idle" || names[1] != "web" {
		t.Fatalf("recovered = %v", names)
	}

	web, err := s.Container("web")
	if err != nil {
		t.Fatal(err)
	}
	if web.State() != Running || !web.TTY() || web.Labels()["app"] != "web" {
		t.Errorf("web: state=%s tty=%v labels=%v", web.State(), web.TTY(), web.Labels())
	}
	gotPorts := web.Ports()
	if len(gotPorts) != 1 || gotPorts[0].VMPort != wantPorts[0].VMPort || !gotPorts[0].Mapped {
		t.Errorf("ports = %+v, want %+v", gotPorts, wantPorts)
	}
	gotVolumes := web.Volumes()
	if len(gotVolumes) != 1 || gotVolumes[0].VMPath != wantVolumes[0].VMPath || !gotVolumes[0].Mounted {
		t.Errorf("volumes = %+v, want %+v", gotVolumes, wantVolumes)
	}
	if data, err := os.ReadFile(filepath.Join(gotVolumes[0].VMPath, "index.html")); err != nil || string(data) != "hi" {
		t.Errorf("remounted volume content = %q, %v", data, err)
	}

	if c, err := s.Container("idle"); err != nil || c.State() != Created || c.ID() != idle.ID() {
		t.Errorf("idle = %v, %v", c, err)
	}

	// The recovered init process is controllable and observes the exit.
	init := web.Init()
	if init == nil {
		t.Fatal("no init process for recovered running container")
	}
	if err := web.Stop(ctx, StopOptions{}); err != nil {
		t.Fatal(err)
	}
	if code := waitExit(t, init); code != 143 {
		t.Errorf("exit = %d", code)
	}
	if err := web.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	if len(env.vm.Mounts()) != 0 || env.vm.ReservedPorts(vm.IPv4) != 0 {
		t.Error("delete after recovery kept vm resources")
	}
}

func TestSession_RecoverySkipsConflicts(t *testing.T) {
	env := setupSession(t)

	c := env.create(t, CreateOptions{
		Name:    "clash",
		Ports:   []PortRequest{{HostPort: 8080, ContainerPort: 80, Family: vm.IPv4}},
		Volumes: []VolumeRequest{{HostPath: t.TempDir(), ContainerPath: "/data"}},
	})
	ports := c.Ports()
	if err := env.s.Close(); err != nil {
		t.Fatal(err)
	}

	// Something else now holds the VM port the container was using.
	if err := env.vm.TryAllocatePort(vm.IPv4, ports[0].VMPort); err != nil {
		t.Fatal(err)
	}

	s := env.open(t, env.vm)
	if _, err := s.Container("clash"); !errdefs.IsNotFound(err) {
		t.Errorf("lookup = %v, want not found", err)
	}
	if len(env.vm.Mounts()) != 0 {
		t.Errorf("volumes of the skipped container stay mounted: %+v", env.vm.Mounts())
	}
	if env.vm.ReservedPorts(vm.IPv4) != 1 {
		t.Errorf("reserved = %d", env.vm.ReservedPorts(vm.IPv4))
	}
}

func TestSession_RecoveredInitObservesEarlyExit(t *testing.T) {
	env := setupSession(t)
	ctx := context.Background()

	c := env.create(t, CreateOptions{Name: "sleeper", Cmd: []string{"sleep"}})
	if _, err := c.Start(ctx, StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := env.s.Close(); err != nil {
		t.Fatal(err)
	}

	s := env.open(t, env.vm)
	if !env.fe.ExitContainer(c.ID(), 7) {
		t.Fatal("fake engine did not exit the container")
	}
	rc, err := s.Container("sleeper")
	if err != nil {
		t.Fatal(err)
	}
	init := rc.Init()
	if init == nil {
		t.Fatal("no init process for recovered running container")
	}
	if code := waitExit(t, init); code != 7 {
		t.Errorf("exit = %d", code)
	}
	if rc.State() != Exited {
		t.Errorf("state = %s", rc.State())
	}
}
