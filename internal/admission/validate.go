package admission

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"ordkernel/internal/apperrors"
	"ordkernel/internal/order"

	"github.com/google/uuid"
)

// allocateIdentifiers performs §4.3 stage 1: generate run_id, trace_id,
// derive flow_id, adopting any values the submitter supplied.
func allocateIdentifiers(d *Descriptor) (runID, traceID, flowID string) {
	runID = d.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	traceID = d.TraceID
	if traceID == "" {
		traceID = randomToken(8)
	}

	label := d.FlowLabel
	if label == "" {
		label = "exec"
	}
	flowID = fmt.Sprintf("%s:%s-%s", d.Username, traceID, label)

	return runID, traceID, flowID
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// resolveTarget maps an OrderDescriptor to an order.Target, honouring the
// legacy use_lambda flag when execution_target is absent (§9 Open
// Question 1: use_lambda=true -> inline, use_lambda=false -> container).
// defaultTarget is the WORKER_TARGET config fallback, consulted only when
// both execution_target and use_lambda are absent.
func resolveTarget(d OrderDescriptor, defaultTarget order.Target) (order.Target, error) {
	if d.ExecutionTarget != "" {
		t := order.Target(d.ExecutionTarget)
		if !order.ValidTarget(t) {
			return "", fmt.Errorf("unknown execution_target %q", d.ExecutionTarget)
		}
		return t, nil
	}
	if d.UseLambda != nil {
		if *d.UseLambda {
			return order.TargetInline, nil
		}
		return order.TargetContainer, nil
	}
	if defaultTarget != "" {
		if !order.ValidTarget(defaultTarget) {
			return "", fmt.Errorf("configured WORKER_TARGET %q is not a valid execution target", defaultTarget)
		}
		return defaultTarget, nil
	}
	return "", fmt.Errorf("execution_target is required")
}

// validationErrors accumulates structured validation failures across every
// order so admission can report the full set in one HTTP 400, per Design
// Notes §9 ("Replacing exception-driven validation"): errors are values,
// aggregated, not raised and short-circuited one at a time.
type validationErrors struct {
	errs []string
}

func (v *validationErrors) add(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validationErrors) ok() bool {
	return len(v.errs) == 0
}

// validateDescriptor performs §4.3 stage 2 over the whole job: per-order
// structural checks, dependency name resolution, and cycle detection via
// order.Graph. On any failure the entire job is aborted before persistence
// — no orders are written.
func validateDescriptor(d *Descriptor, defaultTarget order.Target) ([]order.Order, error) {
	if d.Username == "" {
		return nil, apperrors.Validation("username", "username is required")
	}
	if len(d.Orders) == 0 {
		return nil, apperrors.Validation("orders", "at least one order is required")
	}

	var verrs validationErrors
	names := make(map[string]bool, len(d.Orders))
	orders := make([]order.Order, 0, len(d.Orders))

	for i, od := range d.Orders {
		name := od.OrderName
		if name == "" {
			name = fmt.Sprintf("%04d", i+1)
		}
		if names[name] {
			verrs.add("order %d: duplicate order_name %q", i, name)
			continue
		}
		names[name] = true

		if len(od.Cmds) == 0 {
			verrs.add("order %s: cmds must be non-empty", name)
		}
		if od.TimeoutS <= 0 {
			verrs.add("order %s: timeout_s must be positive", name)
		}

		target, err := resolveTarget(od, defaultTarget)
		if err != nil {
			verrs.add("order %s: %v", name, err)
		}

		hasBundle := od.Source.BundleLocation != ""
		hasRepo := od.Source.Repo != ""
		if hasBundle == hasRepo {
			verrs.add("order %s: exactly one of source.bundle_location or source.repo+token_ref is required", name)
		}
		if hasRepo && od.Source.TokenRef == "" {
			verrs.add("order %s: source.repo requires token_ref", name)
		}

		mustSucceed := true
		if od.MustSucceed != nil {
			mustSucceed = *od.MustSucceed
		}

		orders = append(orders, order.Order{
			OrderNum:        fmt.Sprintf("%04d", i+1),
			Name:            name,
			Cmds:            od.Cmds,
			TimeoutS:        od.TimeoutS,
			MustSucceed:     mustSucceed,
			ExecutionTarget: target,
			QueueID:         od.QueueID,
			Dependencies:    od.Dependencies,
			Source: order.Source{
				BundleLocation: od.Source.BundleLocation,
				Repo:           od.Source.Repo,
				TokenRef:       od.Source.TokenRef,
				Folder:         od.Source.Folder,
				Commit:         od.Source.Commit,
			},
			EnvVars:     od.EnvVars,
			ConfigPaths: od.ConfigPaths,
			SecretPaths: od.SecretPaths,
			Status:      order.StatusQueued,
		})
	}

	if !verrs.ok() {
		return nil, apperrors.Validation("orders", joinErrors(verrs.errs))
	}

	g := order.NewGraph(orders)
	if unknown := g.UnknownDependencies(); len(unknown) > 0 {
		for name, deps := range unknown {
			verrs.add("order %s: unknown dependencies %v", name, deps)
		}
		return nil, apperrors.Validation("dependencies", joinErrors(verrs.errs))
	}
	if err := g.DetectCycles(); err != nil {
		return nil, apperrors.Validation("dependencies", err.Error())
	}
	if _, err := g.TopologicalSort(); err != nil {
		return nil, apperrors.Validation("dependencies", err.Error())
	}

	return orders, nil
}

func joinErrors(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}
