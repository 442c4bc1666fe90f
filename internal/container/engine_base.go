// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// PortProtocolTCP is the TCP transport protocol for port mappings.
	PortProtocolTCP PortProtocol = "tcp"
	// PortProtocolUDP is the UDP transport protocol for port mappings.
	PortProtocolUDP PortProtocol = "udp"
)

var (
	// ErrInvalidPortProtocol is the sentinel error wrapped by InvalidPortProtocolError.
	ErrInvalidPortProtocol = errors.New("invalid port protocol")

	// ErrInvalidNetworkPort is the sentinel error wrapped by InvalidNetworkPortError.
	ErrInvalidNetworkPort = errors.New("invalid network port")
)

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine provides the common implementation for CLI-based container
	// engines. Docker and Podman engines embed this struct. Methods that are
	// identical across all CLI engines (Build, Start, Stop, Remove, Logs,
	// Wait, RemoveImage, ListImages, ListContainers) are implemented here;
	// engine-specific methods (Available, Version, ImageExists) remain on the
	// concrete types.
	BaseCLIEngine struct {
		name        string // engine name for error messages
		binaryPath  string
		execCommand ExecCommandFunc
	}

	// PortProtocol represents a network transport protocol for port mappings.
	// The zero value ("") is valid and means "default to tcp".
	PortProtocol string

	// InvalidPortProtocolError is returned when a PortProtocol is not a recognized protocol.
	InvalidPortProtocolError struct {
		Value PortProtocol
	}

	// NetworkPort represents a TCP/UDP port number for container port mappings.
	// A valid port must be greater than zero.
	NetworkPort uint16

	// InvalidNetworkPortError is returned when a NetworkPort value is zero.
	InvalidNetworkPortError struct {
		Value NetworkPort
	}

	// PortMapping represents a host-to-container port mapping.
	PortMapping struct {
		HostPort      NetworkPort
		ContainerPort NetworkPort
		Protocol      PortProtocol
	}
)

// Error implements the error interface.
func (e *InvalidPortProtocolError) Error() string {
	return fmt.Sprintf("invalid port protocol %q (valid: tcp, udp)", e.Value)
}

// Unwrap returns ErrInvalidPortProtocol so callers can use errors.Is.
func (e *InvalidPortProtocolError) Unwrap() error { return ErrInvalidPortProtocol }

// Error implements the error interface.
func (e *InvalidNetworkPortError) Error() string {
	return fmt.Sprintf("invalid network port %d (must be 1-65535)", e.Value)
}

// Unwrap returns ErrInvalidNetworkPort so callers can use errors.Is.
func (e *InvalidNetworkPortError) Unwrap() error { return ErrInvalidNetworkPort }

// Validate returns an error if the PortProtocol is not one of the defined
// protocols. The zero value ("") is valid and treated as tcp.
func (p PortProtocol) Validate() error {
	switch p {
	case PortProtocolTCP, PortProtocolUDP, "":
		return nil
	default:
		return &InvalidPortProtocolError{Value: p}
	}
}

// Validate returns an error if the NetworkPort is zero.
func (p NetworkPort) Validate() error {
	if p == 0 {
		return &InvalidNetworkPortError{Value: p}
	}
	return nil
}

// Validate checks all fields of the PortMapping.
func (m PortMapping) Validate() error {
	if err := m.HostPort.Validate(); err != nil {
		return err
	}
	if err := m.ContainerPort.Validate(); err != nil {
		return err
	}
	return m.Protocol.Validate()
}

// Format renders the mapping in the "host:container/proto" form accepted by
// docker/podman -p flags.
func (m PortMapping) Format() string {
	proto := m.Protocol
	if proto == "" {
		proto = PortProtocolTCP
	}
	return fmt.Sprintf("%d:%d/%s", m.HostPort, m.ContainerPort, proto)
}

// WithExecCommand injects a command constructor, used by tests to intercept
// CLI invocations.
func WithExecCommand(f ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.execCommand = f }
}

// NewBaseCLIEngine creates a BaseCLIEngine for the binary at path.
func NewBaseCLIEngine(name, path string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		name:        name,
		binaryPath:  path,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the resolved engine binary path ("" if not found).
func (e *BaseCLIEngine) BinaryPath() string { return e.binaryPath }

// CreateCommand builds an exec.Cmd for the engine binary with the given args.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// RunCommandWithOutput runs an engine command and returns its stdout.
// Stderr is folded into the returned error on failure.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", e.name, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RunCommandStatus runs an engine command, discarding output.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	_, err := e.RunCommandWithOutput(ctx, args...)
	return err
}

// BuildArgs constructs the argument slice for a 'build' command.
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}
	if opts.Dockerfile != "" {
		args = append(args, "-f", opts.Dockerfile)
	}
	if opts.Tag != "" {
		args = append(args, "-t", string(opts.Tag))
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	args = append(args, opts.ContextDir)
	return args
}

// RunArgs constructs the argument slice for a 'run' command. With detach set
// the container runs in the background and the CLI prints its ID.
func (e *BaseCLIEngine) RunArgs(opts RunOptions, detach bool) []string {
	args := []string{"run"}
	if detach {
		args = append(args, "-d")
	}
	if opts.AutoRemove {
		args = append(args, "--rm")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, p := range opts.Ports {
		args = append(args, "-p", p.Format())
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	args = append(args, string(opts.Image))
	args = append(args, opts.Command...)
	return args
}

// Build builds an image from a Dockerfile.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s build failed for %s: %w", e.name, opts.Tag, err)
	}
	return nil
}

// Run runs a container in the foreground and waits for it to exit.
func (e *BaseCLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := validatePorts(opts.Ports); err != nil {
		return nil, err
	}
	cmd := e.CreateCommand(ctx, e.RunArgs(opts, false)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	result := &RunResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("%s run failed: %w", e.name, err)
	}
	return result, nil
}

// Start runs a container detached and returns its ID.
func (e *BaseCLIEngine) Start(ctx context.Context, opts RunOptions) (ContainerID, error) {
	if err := validatePorts(opts.Ports); err != nil {
		return "", err
	}
	out, err := e.RunCommandWithOutput(ctx, e.RunArgs(opts, true)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s run -d returned no container id for image %s", e.name, opts.Image)
	}
	return ContainerID(id), nil
}

// Stop stops a running container, killing it after the timeout.
func (e *BaseCLIEngine) Stop(ctx context.Context, id ContainerID, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return e.RunCommandStatus(ctx, "stop", "-t", strconv.Itoa(secs), string(id))
}

// Remove removes a container.
func (e *BaseCLIEngine) Remove(ctx context.Context, id ContainerID, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, string(id))
	return e.RunCommandStatus(ctx, args...)
}

// Logs returns up to tail lines of a container's combined output.
func (e *BaseCLIEngine) Logs(ctx context.Context, id ContainerID, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, string(id))

	// docker/podman split container stdout/stderr across the CLI's own
	// streams; diagnostics want both, interleaved.
	cmd := e.CreateCommand(ctx, args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s logs %s: %w", e.name, id, err)
	}
	return combined.String(), nil
}

// StreamLogs follows a container's combined output.
func (e *BaseCLIEngine) StreamLogs(ctx context.Context, id ContainerID) (io.ReadCloser, error) {
	cmd := e.CreateCommand(ctx, "logs", "-f", string(id))
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s logs -f %s: %w", e.name, id, err)
	}
	go func() {
		pw.CloseWithError(cmd.Wait())
	}()
	return pr, nil
}

// Wait blocks until a container exits and returns its exit code.
func (e *BaseCLIEngine) Wait(ctx context.Context, id ContainerID) (int, error) {
	out, err := e.RunCommandWithOutput(ctx, "wait", string(id))
	if err != nil {
		return -1, err
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return -1, fmt.Errorf("%s wait %s: unparsable exit code %q", e.name, id, strings.TrimSpace(out))
	}
	return code, nil
}

// ImageID returns the engine-assigned identifier for an image.
func (e *BaseCLIEngine) ImageID(ctx context.Context, tag ImageTag) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "images", "-q", string(tag))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoveImage removes an image.
func (e *BaseCLIEngine) RemoveImage(ctx context.Context, tag ImageTag, force bool) error {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, string(tag))
	return e.RunCommandStatus(ctx, args...)
}

// ListImages lists images carrying the given label.
func (e *BaseCLIEngine) ListImages(ctx context.Context, label string) ([]ImageInfo, error) {
	args := []string{"images", "--format", "{{.ID}}\t{{.Repository}}:{{.Tag}}"}
	if label != "" {
		args = append(args, "--filter", "label="+label)
	}
	out, err := e.RunCommandWithOutput(ctx, args...)
	if err != nil {
		return nil, err
	}
	var images []ImageInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		images = append(images, ImageInfo{ID: fields[0], Tag: ImageTag(fields[1])})
	}
	return images, nil
}

// ListContainers lists containers carrying the given label.
func (e *BaseCLIEngine) ListContainers(ctx context.Context, label string, all bool) ([]ContainerInfo, error) {
	args := []string{"ps", "--format", "{{.ID}}\t{{.Image}}\t{{.State}}"}
	if all {
		args = append(args, "-a")
	}
	if label != "" {
		args = append(args, "--filter", "label="+label)
	}
	out, err := e.RunCommandWithOutput(ctx, args...)
	if err != nil {
		return nil, err
	}
	var containers []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		containers = append(containers, ContainerInfo{
			ID:      ContainerID(fields[0]),
			Image:   fields[1],
			Running: strings.EqualFold(fields[2], "running") || strings.HasPrefix(fields[2], "Up"),
		})
	}
	return containers, nil
}

func validatePorts(ports []PortMapping) error {
	for _, p := range ports {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
