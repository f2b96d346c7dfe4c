package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Orchestrator is an authenticated REST client for a sandbox
// orchestration service, adapted from
// _examples/0gfoundation-0g-sandbox-billing/internal/daytona/client.go.
//
// The teacher's Daytona API exposes autostop/autoarchive intervals
// meant to shut a sandbox down after a period of *inactivity* — the
// opposite of what Paygress needs. Here the same fields are driven
// from the paid-for duration instead: autoStopInterval is set to
// exactly the pod's remaining lifetime, so the orchestrator itself
// enforces the hard deadline regardless of whether this process is
// still running, and autoArchiveInterval is disabled (0) since an
// expired pod must be deleted outright, never archived for later
// resumption.
type Orchestrator struct {
	baseURL  string
	adminKey string
	http     *http.Client
}

// NewOrchestrator creates a client against an orchestrator REST API.
func NewOrchestrator(baseURL, adminKey string) *Orchestrator {
	return &Orchestrator{
		baseURL:  baseURL,
		adminKey: adminKey,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type createSandboxRequest struct {
	Image               string            `json:"image"`
	CPUMillicores       int64             `json:"cpu_millicores"`
	MemoryMB            int64             `json:"memory_mb"`
	HostPort            uint16            `json:"host_port"`
	ContainerPort       uint16            `json:"container_port"`
	Labels              map[string]string `json:"labels"`
	AutoStopInterval    int64             `json:"auto_stop_interval_secs"`
	AutoArchiveInterval int64             `json:"auto_archive_interval_secs"`
	SSHUsername         string            `json:"ssh_username"`
	SSHPassword         string            `json:"ssh_password"`
}

type sandbox struct {
	ID   string `json:"id"`
	Host string `json:"host"`
}

func (o *Orchestrator) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.adminKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: request %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (o *Orchestrator) Create(ctx context.Context, spec Spec) (Handle, error) {
	remaining := int64(time.Until(spec.ExpiresAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	body := createSandboxRequest{
		Image:               spec.Image,
		CPUMillicores:       spec.CPUMillicores,
		MemoryMB:            spec.MemoryMB,
		HostPort:            spec.HostPort,
		ContainerPort:       spec.ContainerPort,
		Labels:              map[string]string{"paygress.pod_id": spec.PodID},
		AutoStopInterval:    remaining,
		AutoArchiveInterval: 0,
		SSHUsername:         spec.SSHUsername,
		SSHPassword:         spec.SSHPassword,
	}
	resp, err := o.do(ctx, http.MethodPost, "/api/sandbox", body)
	if err != nil {
		return Handle{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Handle{}, fmt.Errorf("orchestrator: create sandbox: status %d", resp.StatusCode)
	}
	var s sandbox
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Handle{}, fmt.Errorf("orchestrator: decode create response: %w", err)
	}
	return Handle{ContainerID: s.ID, Host: s.Host}, nil
}

func (o *Orchestrator) Extend(ctx context.Context, handle Handle, newExpiresAt time.Time) error {
	remaining := int64(time.Until(newExpiresAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	body := map[string]int64{"auto_stop_interval_secs": remaining}
	resp, err := o.do(ctx, http.MethodPost, "/api/sandbox/"+handle.ContainerID+"/extend", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrator: extend %s: status %d", handle.ContainerID, resp.StatusCode)
	}
	return nil
}

func (o *Orchestrator) Delete(ctx context.Context, handle Handle) error {
	resp, err := o.do(ctx, http.MethodPost, "/api/sandbox/"+handle.ContainerID+"/delete", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("orchestrator: delete %s: status %d", handle.ContainerID, resp.StatusCode)
	}
	return nil
}

func (o *Orchestrator) Status(ctx context.Context, handle Handle) (Status, error) {
	resp, err := o.do(ctx, http.MethodGet, "/api/sandbox/"+handle.ContainerID, nil)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Status{Running: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("orchestrator: status %s: status %d", handle.ContainerID, resp.StatusCode)
	}
	var s struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Status{}, fmt.Errorf("orchestrator: decode status response: %w", err)
	}
	return Status{Running: s.State == "running" || s.State == "started"}, nil
}
