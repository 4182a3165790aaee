package session

import (
	"encoding/json"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/vm"
)

// MetadataLabel is the reserved label holding a managed container's
// recovery metadata. Containers without it are not managed by a session.
const MetadataLabel = "com.microsoft.wsla.metadata"

type metadata struct {
	V1 *metadataV1 `json:"V1,omitempty"`
}

type metadataV1 struct {
	TTY        bool         `json:"tty"`
	Network    string       `json:"network,omitempty"`
	Ports      []portMeta   `json:"ports"`
	Volumes    []volumeMeta `json:"volumes"`
	AutoRemove bool         `json:"auto_remove,omitempty"`
}

type portMeta struct {
	HostPort      uint16 `json:"host_port"`
	VMPort        uint16 `json:"vm_port"`
	ContainerPort uint16 `json:"container_port"`
	Family        int    `json:"family"`
	Protocol      string `json:"protocol"`
}

type volumeMeta struct {
	HostPath      string `json:"host_path"`
	VMPath        string `json:"vm_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// recoveryConfig is what a session needs to re-adopt a container.
type recoveryConfig struct {
	TTY        bool
	Network    NetworkMode
	Ports      []PortMapping
	Volumes    []VolumeMount
	AutoRemove bool
}

func encodeMetadata(rc recoveryConfig) (string, error) {
	v1 := &metadataV1{
		TTY:        rc.TTY,
		Network:    rc.Network.String(),
		Ports:      []portMeta{},
		Volumes:    []volumeMeta{},
		AutoRemove: rc.AutoRemove,
	}
	for _, p := range rc.Ports {
		v1.Ports = append(v1.Ports, portMeta{
			HostPort:      p.HostPort,
			VMPort:        p.VMPort,
			ContainerPort: p.ContainerPort,
			Family:        int(p.Family),
			Protocol:      p.Protocol,
		})
	}
	for _, v := range rc.Volumes {
		v1.Volumes = append(v1.Volumes, volumeMeta{
			HostPath:      v.HostPath,
			VMPath:        v.VMPath,
			ContainerPath: v.ContainerPath,
			ReadOnly:      v.ReadOnly,
		})
	}
	data, err := json.Marshal(metadata{V1: v1})
	if err != nil {
		return "", fmt.Errorf("encode recovery metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) (recoveryConfig, error) {
	var md metadata
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return recoveryConfig{}, fmt.Errorf("decode recovery metadata: %w: %w", errdefs.ErrInvalidArgument, err)
	}
	if md.V1 == nil {
		return recoveryConfig{}, fmt.Errorf("recovery metadata has no known version: %w", errdefs.ErrNotImplemented)
	}

	network, err := ParseNetworkMode(md.V1.Network)
	if err != nil {
		return recoveryConfig{}, err
	}
	rc := recoveryConfig{TTY: md.V1.TTY, Network: network, AutoRemove: md.V1.AutoRemove}
	for _, p := range md.V1.Ports {
		fam := vm.Family(p.Family)
		if fam != vm.IPv4 && fam != vm.IPv6 {
			return recoveryConfig{}, fmt.Errorf("recovery metadata: port %d has family %d: %w", p.HostPort, p.Family, errdefs.ErrInvalidArgument)
		}
		if p.VMPort == 0 || p.ContainerPort == 0 {
			return recoveryConfig{}, fmt.Errorf("recovery metadata: incomplete port mapping for host port %d: %w", p.HostPort, errdefs.ErrInvalidArgument)
		}
		rc.Ports = append(rc.Ports, PortMapping{
			HostPort:      p.HostPort,
			VMPort:        p.VMPort,
			ContainerPort: p.ContainerPort,
			Family:        fam,
			Protocol:      p.Protocol,
		})
	}
	for _, v := range md.V1.Volumes {
		if v.VMPath == "" || v.ContainerPath == "" {
			return recoveryConfig{}, fmt.Errorf("recovery metadata: incomplete volume %q: %w", v.HostPath, errdefs.ErrInvalidArgument)
		}
		rc.Volumes = append(rc.Volumes, VolumeMount{
			HostPath:      v.HostPath,
			VMPath:        v.VMPath,
			ContainerPath: v.ContainerPath,
			ReadOnly:      v.ReadOnly,
		})
	}
	return rc, nil
}
