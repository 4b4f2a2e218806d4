package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/environment"
)

var _ environment.Client = (*Orchestrator)(nil)

var (
	_conce  sync.Once
	_client *client.Client
	_cerr   error
)

// Cli returns a Docker client to be used throughout the codebase. Once a
// client has been created it will be returned for all subsequent calls to
// this function.
func Cli() (*client.Client, error) {
	_conce.Do(func() {
		_client, _cerr = client.NewClientWithOpts(
			client.WithHost("unix://"+config.Get().Docker.Socket),
			client.WithAPIVersionNegotiation(),
		)
	})
	return _client, _cerr
}

// Orchestrator implements the environment.Client contract against a local
// Docker daemon.
type Orchestrator struct {
	client *client.Client
}

func New() (*Orchestrator, error) {
	cli, err := Cli()
	if err != nil {
		return nil, errors.Wrap(err, "environment/docker: could not create client")
	}
	return &Orchestrator{client: cli}, nil
}

func (o *Orchestrator) Ping(ctx context.Context) error {
	if _, err := o.client.Ping(ctx); err != nil {
		return errors.Wrap(err, "environment/docker: daemon is not reachable")
	}
	return nil
}

// EnsureNetwork creates the internal container network if it is missing.
// Proxies address backend servers over this network by container name.
func (o *Orchestrator) EnsureNetwork(ctx context.Context) error {
	nw := config.Get().Docker.Network
	_, err := o.client.NetworkInspect(ctx, nw.Name, types.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return errors.WithStack(err)
	}
	log.WithField("network", nw.Name).Info("creating missing container network, this could take a few seconds...")
	_, err = o.client.NetworkCreate(ctx, nw.Name, types.NetworkCreate{
		Driver: nw.Driver,
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{Gateway: nw.Interface},
			},
		},
		Options: map[string]string{
			"com.docker.network.bridge.default_bridge":       "false",
			"com.docker.network.bridge.enable_ip_masquerade": "true",
			"com.docker.network.bridge.host_binding_ipv4":    "0.0.0.0",
			"com.docker.network.driver.mtu":                  "1500",
		},
	})
	return errors.WithStack(err)
}

func (o *Orchestrator) FindByIdentifier(ctx context.Context, identifier string) (*environment.Container, error) {
	c, err := o.client.ContainerInspect(ctx, identifier)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, environment.ErrContainerNotFound
		}
		return nil, errors.WithStack(err)
	}
	out := &environment.Container{
		ID:     c.ID,
		Name:   c.Name,
		Labels: c.Config.Labels,
	}
	if c.Config != nil {
		out.Image = c.Config.Image
	}
	if c.State != nil {
		out.State = c.State.Status
	}
	return out, nil
}

// Create creates a container for a game server. The container joins the
// internal network under its deterministic name and binds the allocated
// port(s) on the host so unrestricted servers accept direct connections.
func (o *Orchestrator) Create(ctx context.Context, spec environment.ContainerSpec) (string, error) {
	cfg := config.Get().Docker

	// Inside the container the server always listens on the standard ports;
	// the public allocation is applied as a host binding. Proxies bypass the
	// host binding entirely and reach the container over the internal network
	// on 25565.
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	mapping := map[string]int{"25565": spec.Port}
	if spec.RconPort > 0 {
		mapping["25575"] = spec.RconPort
	}
	for internal, host := range mapping {
		port, err := nat.NewPort("tcp", internal)
		if err != nil {
			return "", errors.WithStack(err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(host)}}
	}

	conf := &container.Config{
		Hostname:     spec.Identifier,
		ExposedPorts: exposed,
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
	}
	hostConf := &container.HostConfig{
		PortBindings: bindings,
		DNS:          cfg.Network.Dns,
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,size=" + strconv.Itoa(int(cfg.TmpfsSize)) + "M",
		},
		Resources: container.Resources{
			Memory:    spec.MemoryMB * 1_000_000,
			PidsLimit: &cfg.ContainerPidLimit,
		},
		NetworkMode: container.NetworkMode(cfg.Network.Name),
	}

	r, err := o.client.ContainerCreate(ctx, conf, hostConf, nil, nil, spec.Identifier)
	if err != nil {
		return "", errors.Wrap(err, "environment/docker: failed to create container")
	}
	return r.ID, nil
}

func (o *Orchestrator) Start(ctx context.Context, identifier string) error {
	return errors.WithStack(o.client.ContainerStart(ctx, identifier, types.ContainerStartOptions{}))
}

func (o *Orchestrator) Stop(ctx context.Context, identifier string) error {
	if err := o.client.ContainerStop(ctx, identifier, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return environment.ErrContainerNotFound
		}
		return errors.WithStack(err)
	}
	return nil
}

func (o *Orchestrator) Restart(ctx context.Context, identifier string) error {
	return errors.WithStack(o.client.ContainerRestart(ctx, identifier, container.StopOptions{}))
}

func (o *Orchestrator) Remove(ctx context.Context, identifier string, force bool, removeVolumes bool) error {
	err := o.client.ContainerRemove(ctx, identifier, types.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: removeVolumes,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return environment.ErrContainerNotFound
		}
		return errors.WithStack(err)
	}
	return nil
}

// Execute runs a command inside the given container and blocks until it has
// finished, returning the combined stdout and stderr output.
func (o *Orchestrator) Execute(ctx context.Context, identifier string, cmd []string) (string, error) {
	exec, err := o.client.ContainerExecCreate(ctx, identifier, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", environment.ErrContainerNotFound
		}
		return "", errors.WithStack(err)
	}

	resp, err := o.client.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer resp.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Reader); err != nil {
		return "", errors.WithStack(err)
	}
	return buf.String(), nil
}

func (o *Orchestrator) Archive(ctx context.Context, identifier string, path string) (io.ReadCloser, error) {
	rc, _, err := o.client.CopyFromContainer(ctx, identifier, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, environment.ErrContainerNotFound
		}
		return nil, errors.WithStack(err)
	}
	return rc, nil
}

// Scan lists all containers (running or not) whose labels match the given
// filter set.
func (o *Orchestrator) Scan(ctx context.Context, labels map[string]string) ([]environment.Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		if v == "" {
			// Key-only filters match any value for the label.
			args.Add("label", k)
			continue
		}
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	list, err := o.client.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, errors.Wrap(err, "environment/docker: failed to list containers")
	}
	out := make([]environment.Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			// Docker reports names with a leading slash.
			name = c.Names[0]
			if name[0] == '/' {
				name = name[1:]
			}
		}
		out = append(out, environment.Container{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return out, nil
}
