// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"io"
	"time"
)

type (
	// ImageTag identifies a container image (e.g., "kiln/ticker:ab12cd34").
	ImageTag string

	// ContainerID identifies a container instance.
	ContainerID string

	// ImageInfo describes an image returned by Engine.ListImages.
	ImageInfo struct {
		ID  string
		Tag ImageTag
	}

	// ContainerInfo describes a container returned by Engine.ListContainers.
	ContainerInfo struct {
		ID      ContainerID
		Image   string
		Running bool
	}

	// BuildOptions contains options for building an image.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Dockerfile is the path to the Dockerfile, relative to ContextDir.
		Dockerfile string
		// Tag is the image tag to apply.
		Tag ImageTag
		// Labels are applied to the built image.
		Labels map[string]string
		// NoCache disables the engine's layer cache.
		NoCache bool
		// Stdout receives build progress output.
		Stdout io.Writer
		// Stderr receives build error output.
		Stderr io.Writer
	}

	// RunOptions contains options for starting a container.
	RunOptions struct {
		// Image is the image to run.
		Image ImageTag
		// Name is the container name (optional).
		Name string
		// Command overrides the image's default command (optional).
		Command []string
		// Env contains environment variables.
		Env map[string]string
		// Ports are port mappings to publish.
		Ports []PortMapping
		// Labels are applied to the container.
		Labels map[string]string
		// AutoRemove removes the container after it exits.
		AutoRemove bool
		// Stdout and Stderr receive the container's output for
		// foreground runs. Ignored by Start.
		Stdout io.Writer
		Stderr io.Writer
	}

	// RunResult contains the outcome of a foreground container run.
	RunResult struct {
		ContainerID ContainerID
		ExitCode    int
	}

	// Engine is the abstract container-engine capability consumed by the
	// image and dispatch layers. Implementations wrap a CLI binary; no
	// engine internals leak through this interface.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available checks if the engine is usable on this system.
		Available() bool
		// Version returns the engine version.
		Version(ctx context.Context) (string, error)

		// Build builds an image from a Dockerfile.
		Build(ctx context.Context, opts BuildOptions) error
		// Run runs a container in the foreground and waits for it to exit.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// Start runs a container detached and returns its ID.
		Start(ctx context.Context, opts RunOptions) (ContainerID, error)
		// Stop stops a running container, killing it after the timeout.
		Stop(ctx context.Context, id ContainerID, timeout time.Duration) error
		// Remove removes a container.
		Remove(ctx context.Context, id ContainerID, force bool) error
		// Logs returns up to tail lines of a container's combined output.
		Logs(ctx context.Context, id ContainerID, tail int) (string, error)
		// StreamLogs follows a container's combined output until the
		// container exits or the context is cancelled.
		StreamLogs(ctx context.Context, id ContainerID) (io.ReadCloser, error)
		// Wait blocks until a container exits and returns its exit code.
		Wait(ctx context.Context, id ContainerID) (int, error)

		// ImageExists checks if an image is present in the local store.
		ImageExists(ctx context.Context, tag ImageTag) (bool, error)
		// ImageID returns the engine-assigned identifier for an image
		// ("" if the image is not present).
		ImageID(ctx context.Context, tag ImageTag) (string, error)
		// RemoveImage removes an image.
		RemoveImage(ctx context.Context, tag ImageTag, force bool) error
		// ListImages lists images carrying the given label.
		ListImages(ctx context.Context, label string) ([]ImageInfo, error)
		// ListContainers lists containers carrying the given label.
		// With all set, stopped containers are included.
		ListContainers(ctx context.Context, label string, all bool) ([]ContainerInfo, error)
	}

	// EngineType identifies the container engine type.
	EngineType string

	// ErrEngineNotAvailable is returned when no usable engine is found.
	ErrEngineNotAvailable struct {
		Engine string
		Reason string
	}
)

const (
	EngineTypeDocker EngineType = "docker"
	EngineTypePodman EngineType = "podman"
	// EngineTypeAuto selects whichever engine is available.
	EngineTypeAuto EngineType = "auto"
)

func (e *ErrEngineNotAvailable) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// NewEngine creates a container engine of the preferred type, falling back to
// the other CLI engine when the preferred one is not available.
func NewEngine(preferred EngineType) (Engine, error) {
	switch preferred {
	case EngineTypeDocker:
		if e := NewDockerEngine(); e.Available() {
			return e, nil
		}
		if e := NewPodmanEngine(); e.Available() {
			return e, nil
		}
		return nil, &ErrEngineNotAvailable{
			Engine: "docker",
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}
	case EngineTypePodman:
		if e := NewPodmanEngine(); e.Available() {
			return e, nil
		}
		if e := NewDockerEngine(); e.Available() {
			return e, nil
		}
		return nil, &ErrEngineNotAvailable{
			Engine: "podman",
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}
	case EngineTypeAuto, "":
		return AutoDetectEngine()
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}
}

// AutoDetectEngine tries to find an available container engine.
func AutoDetectEngine() (Engine, error) {
	if e := NewDockerEngine(); e.Available() {
		return e, nil
	}
	if e := NewPodmanEngine(); e.Available() {
		return e, nil
	}
	return nil, &ErrEngineNotAvailable{
		Engine: "any",
		Reason: "no container engine (docker or podman) is available on this system",
	}
}
