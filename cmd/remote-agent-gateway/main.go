// remote-agent-gateway is the HTTP front door the remote-agent execution
// target's Dispatcher POSTs commands to. It accepts a command, assigns it a
// stable id (idempotent per run_id/order_num so a racing reconcile's
// duplicate dispatch is absorbed), and hands it off to the agent fleet.
// What the fleet does with a command once accepted, and how it discovers
// and reports back, is out of scope here: this gateway only owns the
// admission contract kernel-service's remoteagent.Dispatcher POSTs against.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"ordkernel/internal/config"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

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

// commandLedger remembers the command id assigned to each (run_id,
// order_num), so a duplicate POST from a racing reconcile tick returns the
// same id instead of re-issuing the command to the fleet.
type commandLedger struct {
	mu  sync.Mutex
	ids map[string]string
}

func newCommandLedger() *commandLedger {
	return &commandLedger{ids: make(map[string]string)}
}

func (l *commandLedger) assign(key string) (id string, isNew bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.ids[key]; ok {
		return existing, false
	}
	id = uuid.NewString()
	l.ids[key] = id
	return id, true
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	port := config.GetEnv("GATEWAY_PORT", "8090")
	ledger := newCommandLedger()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/commands", func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid command payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Targets) == 0 {
			http.Error(w, "targets must not be empty", http.StatusBadRequest)
			return
		}

		key := req.RunID + "/" + req.OrderNum
		id, isNew := ledger.assign(key)
		logger := slog.With("runId", req.RunID, "orderNum", req.OrderNum, "commandId", id)
		if isNew {
			logger.Info("command accepted", "targets", req.Targets)
		} else {
			logger.Info("duplicate command absorbed")
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(commandResponse{CommandID: id})
	})

	slog.Info("starting remote-agent-gateway", "port", port)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}
