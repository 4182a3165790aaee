package session

import (
	"errors"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/vm"
)

// recordingVM counts reservations and forwards and can refuse requests.
type recordingVM struct {
	*vm.Local
	tries     map[uint16]int
	refuseMap uint16
}

func newRecordingVM() *recordingVM {
	return &recordingVM{
		Local: vm.NewLocal(vm.LocalOptions{PortRangeLow: 45000, PortRangeHigh: 45009}),
		tries: make(map[uint16]int),
	}
}

func (r *recordingVM) TryAllocatePort(family vm.Family, port uint16) error {
	r.tries[port]++
	return r.Local.TryAllocatePort(family, port)
}

func (r *recordingVM) MapPort(family vm.Family, hostPort, vmPort uint16, protocol string) error {
	if hostPort == r.refuseMap {
		return errors.New("refused")
	}
	return r.Local.MapPort(family, hostPort, vmPort, protocol)
}

func TestAcquirePorts_HostModeDeduplicates(t *testing.T) {
	v := newRecordingVM()
	ps, err := acquirePorts(v, Host, []PortRequest{
		{HostPort: 8080, ContainerPort: 80, Family: vm.IPv4},
		{HostPort: 8081, ContainerPort: 80, Family: vm.IPv4},
		{HostPort: 8082, ContainerPort: 80, Family: vm.IPv6},
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.tries[80] != 2 {
		t.Errorf("TryAllocatePort(80) called %d times, want once per family", v.tries[80])
	}
	exposed, bindings, err := ps.engineConfig(Host)
	if err != nil || len(exposed) != 1 || bindings != nil {
		t.Errorf("engine config = %v, %v, %v", exposed, bindings, err)
	}

	ps.release()
	ps.release()
	if v.ReservedPorts(vm.IPv4) != 0 || v.ReservedPorts(vm.IPv6) != 0 {
		t.Error("reservations left after release")
	}
}

func TestAcquirePorts_BridgeExhaustion(t *testing.T) {
	v := newRecordingVM()
	var reqs []PortRequest
	for i := range 11 {
		reqs = append(reqs, PortRequest{HostPort: uint16(9000 + i), ContainerPort: 80, Family: vm.IPv4})
	}
	if _, err := acquirePorts(v, Bridge, reqs); !errdefs.IsResourceExhausted(err) {
		t.Fatalf("err = %v, want resource exhausted", err)
	}
	if v.ReservedPorts(vm.IPv4) != 0 {
		t.Error("partial allocation kept")
	}

	ps, err := acquirePorts(v, Bridge, reqs[:10])
	if err != nil {
		t.Fatalf("whole range: %v", err)
	}
	defer ps.release()
	_, bindings, err := ps.engineConfig(Bridge)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(bindings["80/tcp"]); got != 10 {
		t.Errorf("bindings for 80/tcp = %d", got)
	}
}

func TestAcquirePorts_MapFailureUndoes(t *testing.T) {
	v := newRecordingVM()
	v.refuseMap = 8081

	_, err := acquirePorts(v, Bridge, []PortRequest{
		{HostPort: 8080, ContainerPort: 80, Family: vm.IPv4},
		{HostPort: 8081, ContainerPort: 81, Family: vm.IPv4},
	})
	if err == nil {
		t.Fatal("acquire succeeded")
	}
	if _, ok := v.MappedPort(vm.IPv4, 8080, "tcp"); ok {
		t.Error("first forward kept")
	}
	if v.ReservedPorts(vm.IPv4) != 0 {
		t.Error("reservation kept")
	}
}

func TestReacquirePorts(t *testing.T) {
	v := newRecordingVM()
	saved := []PortMapping{
		{HostPort: 8080, VMPort: 45003, ContainerPort: 80, Family: vm.IPv4, Protocol: "tcp", Mapped: true},
		{HostPort: 8081, VMPort: 45003, ContainerPort: 80, Family: vm.IPv4, Protocol: "udp", Mapped: true},
	}
	ps, err := reacquirePorts(v, saved)
	if err != nil {
		t.Fatal(err)
	}
	if v.ReservedPorts(vm.IPv4) != 1 {
		t.Errorf("reserved = %d", v.ReservedPorts(vm.IPv4))
	}
	if p, ok := v.MappedPort(vm.IPv4, 8081, "udp"); !ok || p != 45003 {
		t.Errorf("udp forward = %d, %v", p, ok)
	}

	// The saved VM port is now taken, so a second re-adoption fails cleanly.
	if _, err := reacquirePorts(v, saved); !errdefs.IsAlreadyExists(err) {
		t.Errorf("double reacquire = %v", err)
	}
	ps.release()
	if v.ReservedPorts(vm.IPv4) != 0 {
		t.Error("reservation kept")
	}
}

func TestParseNetworkMode(t *testing.T) {
	for in, want := range map[string]NetworkMode{"": Bridge, "bridge": Bridge, "HOST": Host} {
		got, err := ParseNetworkMode(in)
		if err != nil || got != want {
			t.Errorf("ParseNetworkMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseNetworkMode("macvlan"); !errdefs.IsInvalidArgument(err) {
		t.Errorf("macvlan = %v", err)
	}
}
