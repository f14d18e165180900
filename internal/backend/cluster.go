package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rachitjindal56/mini-studio/internal/domain"
)

// ClusterClient submits workloads over the cluster's jobs REST API.
type ClusterClient struct {
	address     string
	client      *http.Client
	pollTimeout time.Duration
}

type ClusterConfig struct {
	Address       string
	SubmitTimeout time.Duration
	PollTimeout   time.Duration
}

func NewClusterClient(cfg ClusterConfig) *ClusterClient {
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &ClusterClient{
		address:     strings.TrimRight(cfg.Address, "/"),
		client:      &http.Client{Timeout: timeout},
		pollTimeout: pollTimeout,
	}
}

// Probe checks cluster reachability with a cheap version lookup.
func (c *ClusterClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrClusterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: probe returned status %d", domain.ErrClusterUnavailable, resp.StatusCode)
	}
	return nil
}

type submitRequest struct {
	Entrypoint        string            `json:"entrypoint"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	EntrypointNumGPUs float64           `json:"entrypoint_num_gpus,omitempty"`
}

type submitResponse struct {
	SubmissionID string `json:"submission_id"`
	JobID        string `json:"job_id"`
}

// Submit hands the workload to the cluster and returns its execution ID.
// A 4xx response is a hard rejection; transport failures and 5xx mean the
// cluster is unavailable and a fallback may run instead.
func (c *ClusterClient) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	body, err := json.Marshal(submitRequest{
		Entrypoint:        spec.Entrypoint,
		Metadata:          spec.Metadata,
		EntrypointNumGPUs: float64(spec.GPUCount),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+"/api/jobs/", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrClusterUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var parsed submitResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return "", fmt.Errorf("failed to parse submit response: %w", err)
		}
		id := parsed.SubmissionID
		if id == "" {
			id = parsed.JobID
		}
		if id == "" {
			return "", fmt.Errorf("submit response carried no execution id")
		}
		return id, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &domain.SubmissionRejectedError{
			Detail: fmt.Sprintf("cluster rejected submission (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}

	default:
		return "", fmt.Errorf("%w: submit returned status %d", domain.ErrClusterUnavailable, resp.StatusCode)
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PollStatus reads the current state of a previously submitted workload.
func (c *ClusterClient) PollStatus(ctx context.Context, executionID string) (ExecStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+"/api/jobs/"+executionID, nil)
	if err != nil {
		return ExecStatus{}, fmt.Errorf("failed to build status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ExecStatus{}, fmt.Errorf("%w: %v", domain.ErrClusterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ExecStatus{}, domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return ExecStatus{}, fmt.Errorf("%w: status poll returned %d", domain.ErrClusterUnavailable, resp.StatusCode)
	}

	var parsed statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ExecStatus{}, fmt.Errorf("failed to parse status response: %w", err)
	}

	return ExecStatus{State: mapClusterStatus(parsed.Status), Detail: parsed.Message}, nil
}

func mapClusterStatus(status string) ExecState {
	switch strings.ToUpper(status) {
	case "PENDING":
		return ExecQueued
	case "RUNNING":
		return ExecRunning
	case "SUCCEEDED":
		return ExecSucceeded
	case "FAILED", "STOPPED":
		return ExecFailed
	default:
		return ExecRunning
	}
}

type clusterStatusResponse struct {
	Data struct {
		ClusterStatus struct {
			TotalResources struct {
				GPU float64 `json:"GPU"`
			} `json:"total_resources"`
			AvailableResources struct {
				GPU float64 `json:"GPU"`
			} `json:"available_resources"`
			NodeCount int `json:"node_count"`
		} `json:"cluster_status"`
	} `json:"data"`
}

// ClusterResources reports capacity for the cluster status endpoint.
func (c *ClusterClient) ClusterResources(ctx context.Context) (ResourceSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+"/api/cluster_status", nil)
	if err != nil {
		return ResourceSnapshot{}, fmt.Errorf("failed to build cluster status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ResourceSnapshot{}, fmt.Errorf("%w: %v", domain.ErrClusterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ResourceSnapshot{}, fmt.Errorf("%w: cluster status returned %d", domain.ErrClusterUnavailable, resp.StatusCode)
	}

	var parsed clusterStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ResourceSnapshot{}, fmt.Errorf("failed to parse cluster status: %w", err)
	}

	cs := parsed.Data.ClusterStatus
	return ResourceSnapshot{
		TotalGPUs:     int(cs.TotalResources.GPU),
		AvailableGPUs: int(cs.AvailableResources.GPU),
		NodeCount:     cs.NodeCount,
	}, nil
}
