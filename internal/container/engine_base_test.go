// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"os/exec"
	"reflect"
	"testing"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("docker", "/usr/bin/docker")
	opts := BuildOptions{
		ContextDir: "/tmp/ctx",
		Dockerfile: "Dockerfile",
		Tag:        "kiln/demo:abc123",
		Labels:     map[string]string{"kiln.managed": "true", "kiln.fingerprint": "abc"},
		NoCache:    true,
	}

	got := e.BuildArgs(opts)
	want := []string{
		"build",
		"-f", "Dockerfile",
		"-t", "kiln/demo:abc123",
		"--label", "kiln.fingerprint=abc",
		"--label", "kiln.managed=true",
		"--no-cache",
		"/tmp/ctx",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs mismatch:\n got  %v\n want %v", got, want)
	}
}

func TestRunArgsDetached(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("docker", "/usr/bin/docker")
	opts := RunOptions{
		Image: "kiln/demo:abc123",
		Name:  "kiln-demo-1",
		Env:   map[string]string{"A": "1"},
		Ports: []PortMapping{
			{HostPort: 50051, ContainerPort: 50051},
			{HostPort: 8080, ContainerPort: 8080, Protocol: PortProtocolTCP},
		},
		Labels:     map[string]string{"kiln.managed": "true"},
		AutoRemove: true,
	}

	got := e.RunArgs(opts, true)
	want := []string{
		"run", "-d", "--rm",
		"--name", "kiln-demo-1",
		"-e", "A=1",
		"-p", "50051:50051/tcp",
		"-p", "8080:8080/tcp",
		"--label", "kiln.managed=true",
		"kiln/demo:abc123",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RunArgs mismatch:\n got  %v\n want %v", got, want)
	}
}

func TestRunArgsCommandOverride(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("podman", "/usr/bin/podman")
	opts := RunOptions{
		Image:   "debian:stable-slim",
		Command: []string{"echo", "hello"},
	}

	got := e.RunArgs(opts, false)
	want := []string{"run", "debian:stable-slim", "echo", "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RunArgs mismatch:\n got  %v\n want %v", got, want)
	}
}

func TestPortMappingValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mapping PortMapping
		wantErr bool
	}{
		{"valid tcp", PortMapping{HostPort: 80, ContainerPort: 8080, Protocol: PortProtocolTCP}, false},
		{"valid default protocol", PortMapping{HostPort: 80, ContainerPort: 8080}, false},
		{"zero host port", PortMapping{HostPort: 0, ContainerPort: 8080}, true},
		{"zero container port", PortMapping{HostPort: 80, ContainerPort: 0}, true},
		{"bogus protocol", PortMapping{HostPort: 80, ContainerPort: 8080, Protocol: "sctp"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.mapping.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

// fakeOutputCommand returns an ExecCommandFunc that ignores the requested
// binary and echoes the given output instead.
func fakeOutputCommand(t *testing.T, output string) ExecCommandFunc {
	t.Helper()
	return func(ctx context.Context, _ string, _ ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "printf '%s' "+shellQuote(output))
	}
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

func TestListImagesParsing(t *testing.T) {
	t.Parallel()

	out := "sha256:aa11\tkiln/demo:abc123\nsha256:bb22\tkiln/demo:deploy-ff00\n\n"
	e := NewBaseCLIEngine("docker", "/usr/bin/docker", WithExecCommand(fakeOutputCommand(t, out)))

	images, err := e.ListImages(context.Background(), "kiln.managed=true")
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	if images[0].Tag != "kiln/demo:abc123" || images[1].Tag != "kiln/demo:deploy-ff00" {
		t.Errorf("unexpected tags: %v", images)
	}
}

func TestListContainersParsing(t *testing.T) {
	t.Parallel()

	out := "c1\tkiln/demo:abc123\trunning\nc2\tkiln/demo:abc123\texited\n"
	e := NewBaseCLIEngine("docker", "/usr/bin/docker", WithExecCommand(fakeOutputCommand(t, out)))

	containers, err := e.ListContainers(context.Background(), "kiln.managed=true", true)
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(containers) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(containers))
	}
	if !containers[0].Running {
		t.Error("expected first container to be running")
	}
	if containers[1].Running {
		t.Error("expected second container to be stopped")
	}
}

func TestWaitParsesExitCode(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("docker", "/usr/bin/docker", WithExecCommand(fakeOutputCommand(t, "3\n")))
	code, err := e.Wait(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
}
