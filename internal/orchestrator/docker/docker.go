// Package docker wraps the Docker Engine API as the control plane's stand-in
// container orchestrator: long-running, non-auto-removed worker containers
// created/started/scaled/deleted per UserWorker, generalized from this
// codebase's one-shot DockerSandbox.Exec (see internal/tools/docker.go)
// which only ever ran ephemeral AutoRemove containers.
package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DeploymentSpec describes the desired worker container for one user.
type DeploymentSpec struct {
	DeploymentName   string
	Image            string
	Env              map[string]string
	WorkspaceSizeGiB int
}

// Status summarizes observed container state.
type Status struct {
	Exists      bool
	Running     bool
	ContainerID string
}

const labelDeployment = "chatagentctl.deployment"

// Client manages worker containers as the orchestrator's workload backend.
type Client struct {
	cli *client.Client
}

// New connects to the local Docker daemon using the ambient environment
// (DOCKER_HOST, TLS certs, etc.), mirroring DockerSandbox's client.FromEnv.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

// EnsureRunning creates the deployment's container if absent and starts it
// if stopped; it is a no-op if already running (spec §4.3 Provisioning).
func (c *Client) EnsureRunning(ctx context.Context, spec DeploymentSpec) (string, error) {
	id, running, err := c.find(ctx, spec.DeploymentName)
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = c.create(ctx, spec)
		if err != nil {
			return "", err
		}
		running = false
	}
	if !running {
		if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("start container %s: %w", spec.DeploymentName, err)
		}
	}
	return id, nil
}

func (c *Client) create(ctx context.Context, spec DeploymentSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			labelDeployment: spec.DeploymentName,
		},
	}, &container.HostConfig{
		// Workers self-exit on idle; the orchestrator decides when to
		// recreate them, so containers are never auto-restarted.
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		Tmpfs: map[string]string{
			"/workspace": fmt.Sprintf("size=%dg", workspaceSizeOrDefault(spec.WorkspaceSizeGiB)),
		},
	}, nil, nil, spec.DeploymentName)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.DeploymentName, err)
	}
	return resp.ID, nil
}

func workspaceSizeOrDefault(giB int) int {
	if giB <= 0 {
		return 10
	}
	return giB
}

// Status reports whether the deployment's container exists and is running.
func (c *Client) Status(ctx context.Context, deploymentName string) (Status, error) {
	id, running, err := c.find(ctx, deploymentName)
	if err != nil {
		return Status{}, err
	}
	return Status{Exists: id != "", Running: running, ContainerID: id}, nil
}

func (c *Client) find(ctx context.Context, deploymentName string) (id string, running bool, err error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", labelDeployment, deploymentName))),
	})
	if err != nil {
		return "", false, fmt.Errorf("list containers for %s: %w", deploymentName, err)
	}
	if len(containers) == 0 {
		return "", false, nil
	}
	c0 := containers[0]
	return c0.ID, strings.HasPrefix(c0.State, "running"), nil
}

// ScaleToZero stops the deployment's container without deleting it, so it
// can be restarted quickly on the next inbound message (spec §4.3
// Active → Scaled-Zero).
func (c *Client) ScaleToZero(ctx context.Context, deploymentName string) error {
	id, running, err := c.find(ctx, deploymentName)
	if err != nil {
		return err
	}
	if id == "" || !running {
		return nil
	}
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container %s: %w", deploymentName, err)
	}
	return nil
}

// Delete removes the deployment's container entirely (orphan GC, spec §4.3).
func (c *Client) Delete(ctx context.Context, deploymentName string) error {
	id, _, err := c.find(ctx, deploymentName)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", deploymentName, err)
	}
	return nil
}
