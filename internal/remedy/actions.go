package remedy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/mtx"
)

// Action is one repair step the controller can run against a stream.
// Repair returns nil when the action was carried out; whether the stream
// actually recovered is judged afterwards by the health checks.
type Action interface {
	Name() string
	Repair(ctx context.Context, node fleet.Node, stream fleet.Stream) error
}

// KickSessionsAction disconnects all sessions on the path so publishers
// and pull sources reconnect. The least disruptive repair.
type KickSessionsAction struct {
	client mtx.Client
}

// NewKickSessionsAction constructs the session-kick action.
func NewKickSessionsAction(client mtx.Client) *KickSessionsAction {
	return &KickSessionsAction{client: client}
}

func (a *KickSessionsAction) Name() string { return "kick_sessions" }

// Repair implements Action. Zero kicked sessions is a failure so the
// controller escalates instead of kicking at nothing forever.
func (a *KickSessionsAction) Repair(ctx context.Context, node fleet.Node, stream fleet.Stream) error {
	kicked, err := a.client.KickPathSessions(ctx, node.APIURL, stream.Path)
	if err != nil {
		return fmt.Errorf("kick sessions: %w", err)
	}
	if kicked == 0 {
		return errors.New("no active sessions to kick")
	}
	return nil
}

// RestartPathAction deletes and re-adds the path configuration, forcing
// the node to tear down and rebuild the whole path.
type RestartPathAction struct {
	client      mtx.Client
	resettleFor time.Duration
}

// NewRestartPathAction constructs the path-restart action.
func NewRestartPathAction(client mtx.Client) *RestartPathAction {
	return &RestartPathAction{client: client, resettleFor: 2 * time.Second}
}

func (a *RestartPathAction) Name() string { return "restart_path" }

// Repair implements Action.
func (a *RestartPathAction) Repair(ctx context.Context, node fleet.Node, stream fleet.Stream) error {
	cfg, err := a.client.GetPathConfig(ctx, node.APIURL, stream.Path)
	if err != nil {
		// No retrievable config; rebuild from the declared source.
		if stream.SourceURL == "" {
			return fmt.Errorf("path config unavailable and no source url: %w", err)
		}
		cfg = mtx.PathConfig{"source": stream.SourceURL}
	}

	// The path may already be gone; re-adding is what matters, so a
	// failed delete does not abort the repair.
	_ = a.client.DeletePath(ctx, node.APIURL, stream.Path)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.resettleFor):
	}

	if err := a.client.AddPath(ctx, node.APIURL, stream.Path, cfg); err != nil {
		return fmt.Errorf("re-add path: %w", err)
	}
	return nil
}

// containerRestarter is the subset of the Docker client used by
// RestartContainerAction, split out so tests can fake the daemon.
type containerRestarter interface {
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

// RestartContainerAction restarts the media server container on the
// node. Last resort; it interrupts every stream the node carries.
type RestartContainerAction struct {
	api        containerRestarter
	namePrefix string
	timeout    time.Duration
}

// NewRestartContainerAction connects to the Docker daemon at host (empty
// means environment defaults) and restarts containers named
// namePrefix + node name.
func NewRestartContainerAction(host, namePrefix string, timeout time.Duration) (*RestartContainerAction, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RestartContainerAction{api: api, namePrefix: namePrefix, timeout: timeout}, nil
}

func (a *RestartContainerAction) Name() string { return "restart_container" }

// Repair implements Action.
func (a *RestartContainerAction) Repair(ctx context.Context, node fleet.Node, _ fleet.Stream) error {
	restartCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	name := a.namePrefix + node.Name
	if err := a.api.ContainerRestart(restartCtx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("restart container %q: %w", name, err)
	}
	return nil
}
