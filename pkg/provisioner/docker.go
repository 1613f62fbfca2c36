package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

const (
	dockerSocket       = "/var/run/docker.sock"
	startupScriptMount = "/startup.sh"
)

// DockerOptions configures the docker backend.
type DockerOptions struct {
	// Network is created when missing and joined by instances.
	Network string
	// InstanceImage runs the startup script; it needs a docker CLI.
	InstanceImage string
}

// Docker provisions trial instances as containers on the local daemon.
// Each instance runs its startup script with the daemon socket mounted, so
// the runner container it launches is a sibling on the same host.
type Docker struct {
	log    logrus.FieldLogger
	opts   DockerOptions
	client *client.Client
}

// Ensure interface compliance.
var _ Provisioner = (*Docker)(nil)

// NewDocker creates a docker backend from the environment.
func NewDocker(log logrus.FieldLogger, opts DockerOptions) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &Docker{
		log:    log.WithField("component", "provisioner"),
		opts:   opts,
		client: cli,
	}, nil
}

// Start connects to the daemon, ensures the network and pulls the
// instance image when missing.
func (d *Docker) Start(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	d.log.Debug("Connected to Docker daemon")

	if d.opts.Network != "" {
		if err := d.ensureNetwork(ctx, d.opts.Network); err != nil {
			return err
		}
	}

	return d.ensureImage(ctx, d.opts.InstanceImage)
}

// Stop closes the docker client.
func (d *Docker) Stop() error {
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// ListInstances returns the names of running instance containers.
func (d *Docker) ListInstances(ctx context.Context) ([]string, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+managedByValue),
			filters.Arg("label", LabelRole+"="+roleInstance),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		if name := c.Labels[LabelInstance]; name != "" {
			names = append(names, name)
		}
	}

	return names, nil
}

// CreateInstance starts an instance container running the startup script.
// A leftover container with the same name is replaced.
func (d *Docker) CreateInstance(ctx context.Context, req *InstanceRequest) error {
	log := d.log.WithField("instance", req.Name)

	if err := d.removeContainer(ctx, req.Name); err != nil {
		return err
	}

	containerCfg := &container.Config{
		Image:      d.opts.InstanceImage,
		Entrypoint: []string{"/bin/sh", startupScriptMount},
		Labels: map[string]string{
			LabelManagedBy:  managedByValue,
			LabelRole:       roleInstance,
			LabelInstance:   req.Name,
			LabelExperiment: req.Experiment,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   req.StartupScript,
				Target:   startupScriptMount,
				ReadOnly: true,
			},
			{
				Type:   mount.TypeBind,
				Source: dockerSocket,
				Target: dockerSocket,
			},
		},
	}

	if d.opts.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.opts.Network)
	}

	resp, err := d.client.ContainerCreate(
		ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, req.Name,
	)
	if err != nil {
		return fmt.Errorf("creating instance %s: %w", req.Name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.removeContainer(context.Background(), req.Name); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove instance after start failure")
		}

		return fmt.Errorf("starting instance %s: %w", req.Name, err)
	}

	log.WithField("id", shortID(resp.ID)).Debug("Created instance")

	return nil
}

// DeleteInstances removes every container labelled with one of the
// instance names, including the runner containers they launched.
func (d *Docker) DeleteInstances(ctx context.Context, names []string) error {
	var errs []error

	for _, name := range names {
		containers, err := d.client.ContainerList(ctx, container.ListOptions{
			All: true,
			Filters: filters.NewArgs(
				filters.Arg("label", LabelInstance+"="+name),
			),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("listing containers of %s: %w", name, err))

			continue
		}

		for _, c := range containers {
			if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{
				Force:         true,
				RemoveVolumes: true,
			}); err != nil && !client.IsErrNotFound(err) {
				errs = append(errs, fmt.Errorf("removing container %s: %w", shortID(c.ID), err))
			}
		}

		d.log.WithField("instance", name).Debug("Deleted instance")
	}

	return errors.Join(errs...)
}

func (d *Docker) removeContainer(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}

	return nil
}

func (d *Docker) ensureNetwork(ctx context.Context, name string) error {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == name {
			d.log.WithField("network", name).Debug("Network already exists")

			return nil
		}
	}

	if _, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
	}); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	d.log.WithField("network", name).Info("Created Docker network")

	return nil
}

func (d *Docker) ensureImage(ctx context.Context, ref string) error {
	log := d.log.WithField("image", ref)

	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}

	if len(images) > 0 {
		log.Debug("Image already exists")

		return nil
	}

	log.Info("Pulling image")

	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the pull output.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
