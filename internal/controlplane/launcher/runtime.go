// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package launcher

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
)

// ContainerRuntime abstracts the Docker-compatible API surface the
// Launcher needs, narrowed from the full SDK client so a fake can back
// tests without a real daemon.
type ContainerRuntime interface {
	Ping(ctx context.Context) error
	InspectImage(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	Close() error
}

// ContainerSpec captures the launch-algorithm's container parameters
// independent of the SDK's request shape.
type ContainerSpec struct {
	Name      string
	Image     string
	Env       []string
	Network   string
	Labels    map[string]string
	ShmSize   int64
	MemoryCap int64
	CPUCount  int64
}

// sdkRuntime implements ContainerRuntime over the official Docker SDK,
// adapted from the ingester's sdkDockerClient wrapper: a thin
// translation layer that keeps the SDK's types out of the rest of the
// package.
type sdkRuntime struct {
	cli *dockerclient.Client
}

func newSDKRuntime(socketPath string) (*sdkRuntime, error) {
	host := "unix://" + socketPath
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(host),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &sdkRuntime{cli: cli}, nil
}

func (r *sdkRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return err
}

func (r *sdkRuntime) InspectImage(ctx context.Context, ref string) (bool, error) {
	_, err := r.cli.ImageInspect(ctx, ref)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *sdkRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (r *sdkRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.Network),
		AutoRemove:  false,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
		ShmSize: spec.ShmSize,
		Resources: container.Resources{
			Memory:   spec.MemoryCap,
			CPUCount: spec.CPUCount,
		},
	}
	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (r *sdkRuntime) StartContainer(ctx context.Context, id string) error {
	return r.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *sdkRuntime) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	return r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (r *sdkRuntime) RemoveContainer(ctx context.Context, id string) error {
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (r *sdkRuntime) Close() error {
	return r.cli.Close()
}
