package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// recover re-adopts every container carrying recovery metadata. Containers
// that cannot be recovered are logged and skipped.
func (s *Session) recover(ctx context.Context) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	list, err := s.engine.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("list containers for recovery: %w", err)
	}

	recovered := 0
	for _, summary := range list {
		md, ok := summary.Labels[MetadataLabel]
		if !ok {
			slog.Debug("skipping unmanaged container", "id", shortID(summary.ID), "names", summary.Names)
			continue
		}
		if err := s.recoverOne(summary, md); err != nil {
			slog.Warn("could not recover container", "id", shortID(summary.ID), "err", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("recovered containers", "session", s.name, "count", recovered)
	}
	return nil
}

func (s *Session) recoverOne(summary container.Summary, md string) error {
	rc, err := decodeMetadata(md)
	if err != nil {
		return err
	}

	volumes, err := remountVolumes(s.vm, rc.Volumes)
	if err != nil {
		return err
	}
	ports, err := reacquirePorts(s.vm, rc.Ports)
	if err != nil {
		volumes.release()
		return err
	}

	name := shortID(summary.ID)
	if len(summary.Names) > 0 {
		name = strings.TrimPrefix(summary.Names[0], "/")
	}
	state := stateFromEngine(string(summary.State))
	c := newContainer(s, summary.ID, name, summary.Image, summary.Labels, state, rc, ports, volumes)
	if state == Running {
		c.init = newProcess(s, containerControl{engine: s.engine, id: c.id}, c.id, c.tty)
	}
	c.watch()
	if err := s.register(c); err != nil {
		c.teardown()
		return err
	}
	slog.Debug("recovered container", "container", name, "state", state)
	return nil
}
