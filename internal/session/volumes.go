package session

import (
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/mount"
	"github.com/google/uuid"

	"github.com/microsoft/wsla/internal/vm"
)

// VolumeRequest asks for the host folder HostPath to appear at
// ContainerPath.
type VolumeRequest struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// VolumeMount is a host folder mounted into the VM at VMPath and bound
// into the container.
type VolumeMount struct {
	HostPath      string
	VMPath        string
	ContainerPath string
	ReadOnly      bool
	Mounted       bool
}

func validateVolumes(reqs []VolumeRequest) error {
	for _, r := range reqs {
		if r.HostPath == "" {
			return fmt.Errorf("volume %q: empty host path: %w", r.ContainerPath, errdefs.ErrInvalidArgument)
		}
		if !path.IsAbs(r.ContainerPath) {
			return fmt.Errorf("volume %q: container path must be absolute: %w", r.ContainerPath, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// volumeSet owns the VM folder mounts of one container.
type volumeSet struct {
	vm     vm.VM
	mounts []VolumeMount
}

// mountVolumes mounts every request under root, each at a fresh path. If
// any mount fails the ones already made are unmounted.
func mountVolumes(v vm.VM, root string, reqs []VolumeRequest) (*volumeSet, error) {
	vs := &volumeSet{vm: v}
	for _, r := range reqs {
		vs.mounts = append(vs.mounts, VolumeMount{
			HostPath:      r.HostPath,
			VMPath:        filepath.Join(root, uuid.NewString()),
			ContainerPath: r.ContainerPath,
			ReadOnly:      r.ReadOnly,
		})
	}
	if err := vs.mountAll(); err != nil {
		vs.release()
		return nil, err
	}
	return vs, nil
}

// remountVolumes mounts previously resolved volumes at their saved paths.
func remountVolumes(v vm.VM, mounts []VolumeMount) (*volumeSet, error) {
	vs := &volumeSet{vm: v}
	for _, m := range mounts {
		m.Mounted = false
		vs.mounts = append(vs.mounts, m)
	}
	if err := vs.mountAll(); err != nil {
		vs.release()
		return nil, err
	}
	return vs, nil
}

func (vs *volumeSet) mountAll() error {
	for i := range vs.mounts {
		m := &vs.mounts[i]
		if err := vs.vm.MountWindowsFolder(m.HostPath, m.VMPath, m.ReadOnly); err != nil {
			return fmt.Errorf("mount %s: %w", m.HostPath, err)
		}
		m.Mounted = true
	}
	return nil
}

// release unmounts every mounted volume. It is safe to call more than once.
func (vs *volumeSet) release() {
	if vs == nil {
		return
	}
	for i := range vs.mounts {
		m := &vs.mounts[i]
		if !m.Mounted {
			continue
		}
		if err := vs.vm.UnmountWindowsFolder(m.VMPath); err != nil {
			slog.Warn("unmount volume", "path", m.VMPath, "err", err)
		}
		m.Mounted = false
	}
}

func (vs *volumeSet) Mounts() []VolumeMount {
	if vs == nil {
		return nil
	}
	return append([]VolumeMount(nil), vs.mounts...)
}

func (vs *volumeSet) engineMounts() []mount.Mount {
	if vs == nil {
		return nil
	}
	var out []mount.Mount
	for _, m := range vs.mounts {
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.VMPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}
