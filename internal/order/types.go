// Package order defines the data model shared by admission, the orchestrator,
// and the watchdog: jobs, orders, their execution targets, and status
// transitions.
package order

import "time"

// Status is the lifecycle state of an order. Transitions are strictly
// monotone: queued -> running -> {succeeded|failed|timed_out}, or queued ->
// {failed|timed_out} directly for an order that is never dispatched. No order
// leaves a terminal state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Target identifies the execution backend an order runs on.
type Target string

const (
	TargetInline       Target = "inline"
	TargetContainer    Target = "container"
	TargetRemoteAgent  Target = "remote-agent"
)

// ValidTarget reports whether t is one of the three known execution targets.
func ValidTarget(t Target) bool {
	switch t {
	case TargetInline, TargetContainer, TargetRemoteAgent:
		return true
	default:
		return false
	}
}

// Source is exactly one of a pre-built bundle location or a VCS reference.
// Admission validates that exactly one variant is populated.
type Source struct {
	BundleLocation string `json:"bundle_location,omitempty"`

	Repo     string `json:"repo,omitempty"`
	TokenRef string `json:"token_ref,omitempty"`
	Folder   string `json:"folder,omitempty"`
	Commit   string `json:"commit,omitempty"`
}

// IsBundle reports whether the source is a pre-built bundle location.
func (s Source) IsBundle() bool {
	return s.BundleLocation != ""
}

// IsRepo reports whether the source is a VCS reference.
func (s Source) IsRepo() bool {
	return s.Repo != ""
}

// TargetDetail carries execution-target-specific fields, per Design Notes
// §9: order records are a tagged value where execution_target selects the
// variant. Only the field matching Order.ExecutionTarget is meaningful.
type TargetDetail struct {
	// Inline carries the in-process function name.
	FunctionName string `json:"function_name,omitempty"`

	// Container carries the project/namespace the container job runs under.
	Project string `json:"project,omitempty"`

	// RemoteAgent carries the fleet member names and a document reference
	// for the in-band command sent to the fleet.
	Targets     []string `json:"targets,omitempty"`
	DocumentRef string   `json:"document_ref,omitempty"`
}

// Order is a single unit of work within a job.
type Order struct {
	RunID    string `json:"run_id"`
	OrderNum string `json:"order_num"` // zero-padded sequence position, e.g. "0001"
	Name     string `json:"order_name"`

	Cmds            []string `json:"cmds"`
	TimeoutS        int      `json:"timeout_s"`
	MustSucceed     bool     `json:"must_succeed"`
	ExecutionTarget Target   `json:"execution_target"`
	QueueID         string   `json:"queue_id,omitempty"`
	Detail          TargetDetail `json:"detail,omitempty"`

	Dependencies []string `json:"dependencies,omitempty"`

	Source Source `json:"source"`

	EnvVars     map[string]string `json:"env_vars,omitempty"`
	ConfigPaths []string          `json:"config_paths,omitempty"`
	SecretPaths []string          `json:"secret_paths,omitempty"`

	// Derived at admission.
	BundleURI        string `json:"bundle_uri,omitempty"`
	CallbackURI      string `json:"callback_uri,omitempty"`
	EncryptionKeyRef string `json:"encryption_key_ref,omitempty"`

	Status         Status `json:"status"`
	Log            string `json:"log,omitempty"`
	ExecutionURL   string `json:"execution_url,omitempty"`
	WatchdogHandle string `json:"watchdog_handle,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`

	// FlowID/TraceID/JobTimeoutS/JobCreatedAt are stamped by admission on
	// every order of a job. The state store has only three collections
	// (orders, events, locks) with no separate jobs table, so the
	// orchestrator derives the job-level deadline from these fields rather
	// than a fourth collection.
	FlowID       string    `json:"flow_id"`
	TraceID      string    `json:"trace_id"`
	JobTimeoutS  int       `json:"job_timeout_s"`
	JobCreatedAt time.Time `json:"job_created_at"`

	// PRReference is copied onto every order of a job so the orchestrator
	// can post a finalisation comment without a separate jobs collection.
	PRReference PRReference `json:"pr_reference,omitempty"`

	// VcsCommentID is the ID returned by the start-of-run CreateComment call,
	// copied onto every order of a job so finalisation can UpdateComment the
	// same comment instead of posting a new one.
	VcsCommentID string `json:"vcs_comment_id,omitempty"`
}

// DisplayName returns the order name, defaulting to the order number if the
// submitter did not supply one.
func (o *Order) DisplayName() string {
	if o.Name != "" {
		return o.Name
	}
	return o.OrderNum
}

// PRReference is an opaque object threaded through to the VcsProvider; its
// shape is not interpreted by the kernel.
type PRReference map[string]any

// Job is a submission unit. Created by admission; never mutated afterwards.
type Job struct {
	RunID       string      `json:"run_id"`
	TraceID     string      `json:"trace_id"`
	FlowID      string      `json:"flow_id"`
	Submitter   string      `json:"submitter"`
	PRReference PRReference `json:"pr_reference,omitempty"`
	JobTimeoutS int         `json:"job_timeout_s"`

	EncryptionKeyRef string `json:"encryption_key_ref,omitempty"`

	Orders []Order `json:"orders"`

	CreatedAt time.Time `json:"created_at"`
}

// AggregateStatus computes a run's status solely from its orders, per the
// invariant in §3: failed if any must_succeed order is non-succeeded;
// timed_out if the job-level deadline elapsed before all terminal;
// otherwise succeeded. An outright failure among the must_succeed orders is
// checked before the job-level timedOut flag, so a run where a must_succeed
// order failed on its own account still reports failed even if the job-level
// deadline separately elapsed while some unrelated order was still running.
// timedOut is checked ahead of the general non-succeeded scan so an order
// that itself timed out, with no independent failure elsewhere, still
// reports timed_out rather than failed.
func AggregateStatus(orders []Order, timedOut bool) Status {
	for _, o := range orders {
		if o.MustSucceed && o.Status == StatusFailed {
			return StatusFailed
		}
	}
	if timedOut {
		return StatusTimedOut
	}
	for _, o := range orders {
		if o.MustSucceed && o.Status != StatusSucceeded {
			return StatusFailed
		}
	}
	return StatusSucceeded
}

// AllTerminal reports whether every order in the slice is in a terminal
// status.
func AllTerminal(orders []Order) bool {
	for _, o := range orders {
		if !o.Status.Terminal() {
			return false
		}
	}
	return true
}

// Summary tallies terminal orders by outcome, for the done marker.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
}

// Summarize computes a Summary over a run's orders.
func Summarize(orders []Order) Summary {
	var s Summary
	for _, o := range orders {
		switch o.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusTimedOut:
			s.TimedOut++
		}
	}
	return s
}
