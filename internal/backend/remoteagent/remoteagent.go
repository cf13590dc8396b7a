// Package remoteagent implements kernel.BackendDispatcher for the
// "remote-agent" execution target: the order is handed to an external fleet
// of agents over an in-band command channel (cmd/remote-agent-gateway),
// rather than started directly by the kernel process. Only the gateway's
// HTTP contract is specified here — what an agent does with the command
// once received is out of scope, per the same boundary drawn around the
// container and inline targets.
package remoteagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"ordkernel/internal/order"
	"time"
)

// commandRequest is the payload POSTed to the gateway's /commands endpoint.
type commandRequest struct {
	RunID       string            `json:"run_id"`
	OrderNum    string            `json:"order_num"`
	Targets     []string          `json:"targets"`
	DocumentRef string            `json:"document_ref"`
	Env         map[string]string `json:"env"`
	TimeoutS    int               `json:"timeout_s"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
}

// Dispatcher POSTs orders to a remote-agent-gateway instance.
type Dispatcher struct {
	client  *http.Client
	baseURL string
}

// New constructs a Dispatcher against a running remote-agent-gateway at
// baseURL.
func New(baseURL string) *Dispatcher {
	return &Dispatcher{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}
}

// Dispatch submits o's in-band command to the gateway. The gateway is
// expected to be idempotent on (run_id, order_num): a duplicate submission
// for an already-accepted command returns the same command_id rather than
// re-issuing the command to the fleet.
func (d *Dispatcher) Dispatch(ctx context.Context, o order.Order, env map[string]string) (string, error) {
	if len(o.Detail.Targets) == 0 {
		return "", fmt.Errorf("remote-agent order %s has no detail.targets", o.DisplayName())
	}

	payload, err := json.Marshal(commandRequest{
		RunID:       o.RunID,
		OrderNum:    o.OrderNum,
		Targets:     o.Detail.Targets,
		DocumentRef: o.Detail.DocumentRef,
		Env:         env,
		TimeoutS:    o.TimeoutS,
	})
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/commands", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway rejected command: HTTP %d", resp.StatusCode)
	}

	var out commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	return out.CommandID, nil
}
