package environment

import (
	"context"
	"io"

	"emperror.dev/errors"
)

// ErrContainerNotFound is returned by FindByIdentifier when no container with
// the given identifier exists on the orchestrator. Callers in the deletion
// path treat this as a warning, not a failure.
const ErrContainerNotFound = errors.Sentinel("environment: container not found")

// Container is the orchestrator-agnostic summary of a running (or stopped)
// container instance.
type Container struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// IsRunning reports if the container process is currently running.
func (c Container) IsRunning() bool {
	return c.State == "running"
}

// ContainerSpec is everything needed to create a game server container. The
// identifier doubles as the container name, so lookups can use either value.
type ContainerSpec struct {
	Identifier string
	Image      string
	MemoryMB   int64
	// The public game port. Bound on the host so direct connections work for
	// unrestricted servers; proxies use the internal network address instead.
	Port int
	// RconPort is only bound when non-zero.
	RconPort int
	Env      []string
	Labels   map[string]string
}

// Client is the container orchestrator contract the orchestration engine
// depends on. Implementations live in sub-packages; everything here takes a
// context because every call is blocking remote I/O with a bounded timeout
// applied by the caller.
type Client interface {
	// Ping confirms the orchestrator is reachable. Used as a precondition
	// check before a provisioning saga begins.
	Ping(ctx context.Context) error

	// EnsureNetwork guarantees the internal container network exists.
	EnsureNetwork(ctx context.Context) error

	// FindByIdentifier locates a container by its deterministic name.
	FindByIdentifier(ctx context.Context, identifier string) (*Container, error)

	// Create creates (but does not start) a container from the given spec and
	// returns its identifier.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	Start(ctx context.Context, identifier string) error
	Stop(ctx context.Context, identifier string) error
	Restart(ctx context.Context, identifier string) error

	// Remove deletes the container. Force terminates a running process first;
	// removeVolumes also deletes anonymous volumes.
	Remove(ctx context.Context, identifier string, force bool, removeVolumes bool) error

	// Execute runs a command inside the container and returns its combined
	// output.
	Execute(ctx context.Context, identifier string, cmd []string) (string, error)

	// Archive returns a tar stream of the given path inside the container.
	Archive(ctx context.Context, identifier string, path string) (io.ReadCloser, error)

	// Scan lists containers whose labels match the given filter set,
	// including stopped ones. Used by proxy discovery.
	Scan(ctx context.Context, labels map[string]string) ([]Container, error)
}
