package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/guseggert/shellpipe/agent"
	"github.com/guseggert/shellpipe/internal/net"
	"github.com/guseggert/shellpipe/shell"
	"github.com/guseggert/shellpipe/shell/remote"
	"go.uber.org/zap"
)

// DefaultImage includes bash, which the default interpreter needs.
const DefaultImage = "fedora"

// ContainerConfig describes a container to provision.
type ContainerConfig struct {
	Log *zap.SugaredLogger
	// Image defaults to DefaultImage. It is pulled before the container is created.
	Image string
	// Name defaults to a random "shellpipe-" name.
	Name string
	// Mounts are bind mounted into the container and used for path mapping.
	Mounts shell.Mounts
	Env    []string
	// Customize can change the container's configuration just before it is created.
	Customize func(*container.Config, *container.HostConfig) error
}

// Container is a container provisioned for running scripts. It is removed by Remove.
type Container struct {
	ID     string
	Name   string
	Mounts shell.Mounts

	log    *zap.SugaredLogger
	client client.APIClient
}

// NewClient builds a Docker client configured by the standard environment variables (DOCKER_HOST etc.).
func NewClient() (*client.Client, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return c, nil
}

func pullImage(ctx context.Context, cli client.APIClient, image string) error {
	out, err := cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	return nil
}

func (cfg *ContainerConfig) defaults() {
	if cfg.Log == nil {
		cfg.Log = defaultLogger
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Name == "" {
		cfg.Name = "shellpipe-" + uuid.NewString()[:8]
	}
}

func create(ctx context.Context, cli client.APIClient, cfg ContainerConfig, cc *container.Config, hc *container.HostConfig) (*Container, error) {
	if err := pullImage(ctx, cli, cfg.Image); err != nil {
		return nil, fmt.Errorf("pulling image %q: %w", cfg.Image, err)
	}
	for _, m := range cfg.Mounts {
		hc.Binds = append(hc.Binds, m.Host+":"+m.Internal)
	}
	if cfg.Customize != nil {
		if err := cfg.Customize(cc, hc); err != nil {
			return nil, fmt.Errorf("customizing container config: %w", err)
		}
	}

	resp, err := cli.ContainerCreate(ctx, cc, hc, nil, nil, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	c := &Container{
		ID:     resp.ID,
		Name:   cfg.Name,
		Mounts: cfg.Mounts,
		log:    cfg.Log.Named("container").With("Name", cfg.Name),
		client: cli,
	}
	err = cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{})
	if err != nil {
		_ = c.Remove(context.Background())
		return nil, fmt.Errorf("starting container %q: %w", resp.ID, err)
	}
	c.log.Debugw("started container", "ID", resp.ID, "Image", cfg.Image)
	return c, nil
}

// Provision starts a container that idles until removed, for running scripts with Shell.
func Provision(ctx context.Context, cli client.APIClient, cfg ContainerConfig) (*Container, error) {
	cfg.defaults()
	cc := &container.Config{
		Image:      cfg.Image,
		Entrypoint: []string{"sleep", "infinity"},
		Env:        cfg.Env,
	}
	return create(ctx, cli, cfg, cc, &container.HostConfig{})
}

// Shell returns a shell that executes scripts in the container.
func (c *Container) Shell() *Shell {
	return &Shell{
		Mounts:    c.Mounts,
		Log:       c.log,
		Client:    c.client,
		Container: c.ID,
	}
}

func (c *Container) Remove(ctx context.Context) error {
	err := c.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", c.ID, err)
	}
	return nil
}

const agentPort = "8080/tcp"

// AgentContainer is a container running an agent, reached over mutual TLS through a loopback port.
type AgentContainer struct {
	*Container
	HostPort int

	shell *remote.Shell
}

// ProvisionAgent starts a container that runs the agent binary at agentBin, bind mounted from the host.
// The agent exits when the returned container's shell stops sending heartbeats.
func ProvisionAgent(ctx context.Context, cli client.APIClient, agentBin string, cfg ContainerConfig) (*AgentContainer, error) {
	cfg.defaults()
	certs, err := agent.GenerateCerts(24 * time.Hour)
	if err != nil {
		return nil, fmt.Errorf("generating TLS certs: %w", err)
	}
	clientTLS, err := certs.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	hostPort, err := net.EphemeralTCPPort()
	if err != nil {
		return nil, fmt.Errorf("acquiring ephemeral port: %w", err)
	}

	cc := &container.Config{
		Image: cfg.Image,
		Entrypoint: []string{"/shellagent", "serve",
			"--listen-addr", "0.0.0.0:8080",
			"--on-heartbeat-failure", "exit",
		},
		Env:          append(certs.ServerEnv(), cfg.Env...),
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
	}
	hc := &container.HostConfig{
		Binds:        []string{agentBin + ":/shellagent"},
		PortBindings: nat.PortMap{agentPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}},
	}
	c, err := create(ctx, cli, cfg, cc, hc)
	if err != nil {
		return nil, err
	}

	opts := []remote.Option{
		remote.WithLogger(c.log),
		remote.WithClientOptions(agent.WithClientTLSConfig(clientTLS)),
	}
	for _, m := range cfg.Mounts {
		opts = append(opts, remote.WithPathMapping(m.Host, m.Internal))
	}
	sh := remote.NewShell("https://127.0.0.1:"+strconv.Itoa(hostPort), opts...)
	sh.Client().StartHeartbeat()
	if err := sh.Client().WaitForServer(ctx); err != nil {
		sh.Client().StopHeartbeat()
		_ = c.Remove(context.Background())
		return nil, fmt.Errorf("waiting for agent in container %q: %w", c.Name, err)
	}
	return &AgentContainer{Container: c, HostPort: hostPort, shell: sh}, nil
}

// Shell returns a shell that executes scripts through the container's agent.
func (c *AgentContainer) Shell() *remote.Shell { return c.shell }

func (c *AgentContainer) Remove(ctx context.Context) error {
	c.shell.Client().StopHeartbeat()
	return c.Container.Remove(ctx)
}
