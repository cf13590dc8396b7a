package admission

import (
	"ordkernel/internal/order"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestResolveTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		d             OrderDescriptor
		defaultTarget order.Target
		want          order.Target
		wantErr       bool
	}{
		{
			name: "explicit execution_target wins",
			d:    OrderDescriptor{ExecutionTarget: "container"},
			want: order.TargetContainer,
		},
		{
			name:    "unknown execution_target rejected",
			d:       OrderDescriptor{ExecutionTarget: "lambda"},
			wantErr: true,
		},
		{
			name: "use_lambda=true maps to inline",
			d:    OrderDescriptor{UseLambda: boolPtr(true)},
			want: order.TargetInline,
		},
		{
			name: "use_lambda=false maps to container",
			d:    OrderDescriptor{UseLambda: boolPtr(false)},
			want: order.TargetContainer,
		},
		{
			name:          "falls back to configured default when neither present",
			d:             OrderDescriptor{},
			defaultTarget: order.TargetRemoteAgent,
			want:          order.TargetRemoteAgent,
		},
		{
			name:    "no default configured and nothing supplied is an error",
			d:       OrderDescriptor{},
			wantErr: true,
		},
		{
			name:          "execution_target still wins over a configured default",
			d:             OrderDescriptor{ExecutionTarget: "inline"},
			defaultTarget: order.TargetContainer,
			want:          order.TargetInline,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveTarget(tt.d, tt.defaultTarget)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got target %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected target %q, got %q", tt.want, got)
			}
		})
	}
}

func validDescriptor() *Descriptor {
	return &Descriptor{
		Username: "alice",
		Orders: []OrderDescriptor{
			{
				ExecutionTarget: "inline",
				Cmds:            []string{"true"},
				TimeoutS:        30,
				Source:          SourceDescriptor{BundleLocation: "/tmp/whatever"},
			},
		},
	}
}

func TestValidateDescriptor_ValidPassesThrough(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	orders, err := validateDescriptor(d, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Status != order.StatusQueued {
		t.Errorf("expected new orders to start queued, got %s", orders[0].Status)
	}
	if orders[0].MustSucceed != true {
		t.Errorf("expected must_succeed to default true, got false")
	}
}

func TestValidateDescriptor_MissingUsername(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Username = ""
	if _, err := validateDescriptor(d, ""); err == nil {
		t.Fatal("expected an error for missing username")
	}
}

func TestValidateDescriptor_NoOrders(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Orders = nil
	if _, err := validateDescriptor(d, ""); err == nil {
		t.Fatal("expected an error for zero orders")
	}
}

func TestValidateDescriptor_DuplicateOrderName(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Orders = append(d.Orders, d.Orders[0])
	d.Orders[0].OrderName = "dup"
	d.Orders[1].OrderName = "dup"
	if _, err := validateDescriptor(d, ""); err == nil {
		t.Fatal("expected an error for duplicate order_name")
	}
}

func TestValidateDescriptor_BundleAndRepoBothSetIsInvalid(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Orders[0].Source.Repo = "https://example.com/repo.git"
	d.Orders[0].Source.TokenRef = "env:TOKEN"
	if _, err := validateDescriptor(d, ""); err == nil {
		t.Fatal("expected an error when both bundle_location and repo are set")
	}
}

func TestValidateDescriptor_NeitherBundleNorRepoIsInvalid(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Orders[0].Source.BundleLocation = ""
	if _, err := validateDescriptor(d, ""); err == nil {
		t.Fatal("expected an error when neither bundle_location nor repo is set")
	}
}

func TestValidateDescriptor_RepoWithoutTokenRefIsInvalid(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Orders[0].Source.BundleLocation = ""
	d.Orders[0].Source.Repo = "https://example.com/repo.git"
	if _, err := validateDescriptor(d, ""); err == nil {
		t.Fatal("expected an error for repo without token_ref")
	}
}

func TestValidateDescriptor_UnknownDependencyRejected(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Orders[0].Dependencies = []string{"ghost"}
	if _, err := validateDescriptor(d, ""); err == nil {
		t.Fatal("expected an error for an unknown dependency name")
	}
}

func TestValidateDescriptor_CyclicDependencyRejected(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Orders[0].OrderName = "a"
	d.Orders[0].Dependencies = []string{"b"}
	d.Orders = append(d.Orders, OrderDescriptor{
		OrderName:       "b",
		ExecutionTarget: "inline",
		Cmds:            []string{"true"},
		TimeoutS:        30,
		Dependencies:    []string{"a"},
		Source:          SourceDescriptor{BundleLocation: "/tmp/whatever"},
	})
	if _, err := validateDescriptor(d, ""); err == nil {
		t.Fatal("expected an error for a dependency cycle")
	}
}

func TestValidateDescriptor_TargetErrorAggregatedNotShortCircuited(t *testing.T) {
	t.Parallel()
	d := validDescriptor()
	d.Orders[0].Cmds = nil // also invalid
	d.Orders[0].ExecutionTarget = "not-a-target"
	_, err := validateDescriptor(d, "")
	if err == nil {
		t.Fatal("expected an error")
	}
}
