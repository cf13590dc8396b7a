package admission

import "testing"

func TestSchemaValidator_ValidDescriptorPasses(t *testing.T) {
	t.Parallel()
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}

	raw := []byte(`{
		"username": "alice",
		"orders": [
			{"cmds": ["true"], "timeout_s": 30, "source": {"bundle_location": "/tmp/x"}}
		]
	}`)
	if err := v.Validate(raw); err != nil {
		t.Errorf("expected valid descriptor to pass, got %v", err)
	}
}

func TestSchemaValidator_MissingUsernameFails(t *testing.T) {
	t.Parallel()
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}
	raw := []byte(`{"orders": [{"cmds": ["true"], "timeout_s": 30}]}`)
	if err := v.Validate(raw); err == nil {
		t.Error("expected missing username to fail schema validation")
	}
}

func TestSchemaValidator_EmptyOrdersFails(t *testing.T) {
	t.Parallel()
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}
	raw := []byte(`{"username": "alice", "orders": []}`)
	if err := v.Validate(raw); err == nil {
		t.Error("expected zero orders to fail schema validation")
	}
}

func TestSchemaValidator_MissingCmdsFails(t *testing.T) {
	t.Parallel()
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}
	raw := []byte(`{"username": "alice", "orders": [{"timeout_s": 30}]}`)
	if err := v.Validate(raw); err == nil {
		t.Error("expected an order missing cmds to fail schema validation")
	}
}

func TestSchemaValidator_UnknownExecutionTargetFails(t *testing.T) {
	t.Parallel()
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}
	raw := []byte(`{
		"username": "alice",
		"orders": [
			{"cmds": ["true"], "timeout_s": 30, "execution_target": "lambda"}
		]
	}`)
	if err := v.Validate(raw); err == nil {
		t.Error("expected an unrecognized execution_target enum value to fail schema validation")
	}
}

func TestSchemaValidator_MalformedJSONFails(t *testing.T) {
	t.Parallel()
	v, err := NewSchemaValidator()
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}
	if err := v.Validate([]byte("{not json")); err == nil {
		t.Error("expected malformed JSON to fail")
	}
}
