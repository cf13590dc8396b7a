package admission

import "ordkernel/internal/order"

// Descriptor is the canonical job descriptor accepted by the admission
// entry point, per SPEC_FULL.md §7.
type Descriptor struct {
	Username         string             `json:"username"`
	FlowLabel        string             `json:"flow_label,omitempty"`
	TraceID          string             `json:"trace_id,omitempty"`
	RunID            string             `json:"run_id,omitempty"`
	JobTimeoutS      int                `json:"job_timeout_s,omitempty"`
	PRReference      order.PRReference  `json:"pr_reference,omitempty"`
	EncryptionKeyRef string             `json:"encryption_key_ref,omitempty"`
	Orders           []OrderDescriptor  `json:"orders"`
}

// OrderDescriptor is one order within a Descriptor.
type OrderDescriptor struct {
	OrderName       string   `json:"order_name,omitempty"`
	ExecutionTarget string   `json:"execution_target,omitempty"`
	UseLambda       *bool    `json:"use_lambda,omitempty"` // legacy, §9 Open Question 1
	Cmds            []string `json:"cmds"`
	TimeoutS        int      `json:"timeout_s"`
	MustSucceed     *bool    `json:"must_succeed,omitempty"`
	Dependencies    []string `json:"dependencies,omitempty"`
	QueueID         string   `json:"queue_id,omitempty"`
	EnvVars         map[string]string `json:"env_vars,omitempty"`
	ConfigPaths     []string `json:"config_paths,omitempty"`
	SecretPaths     []string `json:"secret_paths,omitempty"`
	Source          SourceDescriptor `json:"source"`
}

// SourceDescriptor mirrors order.Source in wire form.
type SourceDescriptor struct {
	BundleLocation string `json:"bundle_location,omitempty"`
	Repo           string `json:"repo,omitempty"`
	TokenRef       string `json:"token_ref,omitempty"`
	Folder         string `json:"folder,omitempty"`
	Commit         string `json:"commit,omitempty"`
}

// Result is the successful admission response: {run_id, trace_id, flow_id,
// done_uri}.
type Result struct {
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
	TraceID string `json:"trace_id"`
	FlowID  string `json:"flow_id"`
	DoneURI string `json:"done_uri"`
}

// ValidationFailure is the HTTP 400 response shape.
type ValidationFailure struct {
	Status  string   `json:"status"`
	Errors  []string `json:"errors"`
	RunID   string   `json:"run_id,omitempty"`
	TraceID string   `json:"trace_id,omitempty"`
}
