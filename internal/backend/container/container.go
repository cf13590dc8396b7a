// Package container implements kernel.BackendDispatcher for the "container"
// execution target: one Docker container per order, running the order-worker
// binary against the order's presigned bundle and callback URLs. Grounded on
// the teacher's docker.Orchestrator.createJobContainer — container creation
// and naming convention carry over, generalised from one job container to
// one order container addressed by (run_id, order_num) instead of job_id.
package container

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"ordkernel/internal/order"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Dispatcher runs orders as Docker containers.
type Dispatcher struct {
	client      *client.Client
	workerImage string
	network     string
	extraHosts  []string
	blobBaseURL string
}

// New constructs a Dispatcher against workerImage, the order-worker image
// tag that decrypts a bundle and executes its cmds. blobBaseURL is the
// kernel-service address the container can reach the GET /internal/blobs
// route on, used to rewrite the order's artifact-store-relative bundle_uri
// into an absolute URL the out-of-process worker can fetch.
func New(dockerClient *client.Client, workerImage, network string, extraHosts []string, blobBaseURL string) *Dispatcher {
	return &Dispatcher{client: dockerClient, workerImage: workerImage, network: network, extraHosts: extraHosts, blobBaseURL: blobBaseURL}
}

func containerName(runID, orderNum string) string {
	return fmt.Sprintf("order-%s-%s", runID, orderNum)
}

// encodeOrder rewrites o.BundleURI from its artifact-store-relative path to
// an absolute URL the container can fetch, then base64-encodes the full
// order as JSON so order-worker gets everything it needs (cmds, callback
// URI, encryption key ref) in a single env var rather than one per field.
func (d *Dispatcher) encodeOrder(o order.Order) (string, error) {
	o.BundleURI = strings.TrimRight(d.blobBaseURL, "/") + "/internal/blobs/" + o.BundleURI
	raw, err := json.Marshal(o)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Dispatch starts one container per (run_id, order_num). Idempotent: if a
// container with the deterministic name already exists it is reused rather
// than recreated, absorbing a duplicate dispatch from a racing reconcile
// tick.
func (d *Dispatcher) Dispatch(ctx context.Context, o order.Order, env map[string]string) (string, error) {
	name := containerName(o.RunID, o.OrderNum)
	logger := slog.With("component", "backend.container", "runId", o.RunID, "orderNum", o.OrderNum)

	existing, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("list existing containers: %w", err)
	}
	for _, c := range existing {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				logger.Info("dispatch absorbed: container already exists")
				return name, nil
			}
		}
	}

	orderJSON, err := d.encodeOrder(o)
	if err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}

	envList := make([]string, 0, len(env)+2)
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}
	envList = append(envList, "ORDER_JSON="+orderJSON)

	containerConfig := &container.Config{
		Image: d.workerImage,
		Env:   envList,
		Labels: map[string]string{
			"order.run_id":    o.RunID,
			"order.order_num": o.OrderNum,
			"order.project":   o.Detail.Project,
			"managed-by":      "kernel-service",
		},
	}
	hostConfig := &container.HostConfig{
		ExtraHosts: d.extraHosts,
		AutoRemove: false,
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	logger.Info("dispatched order container", "containerId", resp.ID)
	return name, nil
}
