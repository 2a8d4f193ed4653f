// Package resource implements the idempotent resource model: declarative
// state for files, directories, packages, services, users and groups,
// realized through a check -> diff -> apply cycle. Providers are selected
// from a dispatch table keyed on (resource kind, os family).
package resource

import (
	"context"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Transport is the execution surface a provider drives. Both the local
// executor and an SSH connection are adapted to this shape by the step
// interpreter.
type Transport interface {
	// Exec runs a shell command on the target host. Non-zero exit is a
	// value, not an error.
	Exec(ctx context.Context, cmd string, sudo bool) ([]byte, int, error)
	// WriteFile places content at path with the given mode.
	WriteFile(ctx context.Context, content []byte, path string, mode os.FileMode, sudo bool) error
}

// Resource is one declared resource from the config.
type Resource struct {
	Kind       string
	State      string
	Notify     string
	Attributes map[string]interface{}
}

// Decode maps the resource's attributes onto a provider's typed struct.
func (r *Resource) Decode(out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(r.Attributes); err != nil {
		return errors.Wrapf(err, "decoding %v attributes", r.Kind)
	}
	return nil
}

// Current is the observed state of a resource, as flat attribute pairs.
// The "exists" key is conventional across providers.
type Current map[string]string

// Diff describes what apply would change.
type Diff struct {
	Changed bool
	Before  map[string]string
	After   map[string]string
	Changes []string
}

// State classifies an apply outcome.
type State string

// Apply outcomes.
const (
	StateChanged   State = "changed"
	StateUnchanged State = "unchanged"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Result is the outcome of driving one resource through its cycle.
type Result struct {
	State       State
	Description string
	Diff        *Diff
	Duration    time.Duration
	Notify      string
	Err         error
}

// Context carries per-run settings into providers.
type Context struct {
	// OSFamily selects the provider variant (debian, rhel, darwin, ...).
	OSFamily string
	// CheckMode runs check+diff but never apply; a would-change resource
	// reports skipped with its diff attached.
	CheckMode bool
}

// Provider is the per-(kind, family) implementation.
type Provider interface {
	// Describe renders a human-readable one-liner for status output.
	Describe(r *Resource) string
	// Check observes current state.
	Check(ctx context.Context, conn Transport, r *Resource) (Current, error)
	// Diff compares declared state against an observation.
	Diff(r *Resource, current Current) Diff
	// Apply converges the host. Only called when Diff reported a change.
	Apply(ctx context.Context, conn Transport, r *Resource) error
}

// Run drives one resource through check -> diff -> apply and classifies
// the outcome. Idempotence falls out of the cycle: a second Run after a
// successful apply must observe Changed == false and not touch the host.
func Run(ctx context.Context, conn Transport, r *Resource, rctx Context) Result {
	start := time.Now()
	finish := func(res Result) Result {
		res.Duration = time.Since(start)
		return res
	}

	provider, err := Lookup(r.Kind, rctx.OSFamily)
	if err != nil {
		return finish(Result{State: StateFailed, Description: r.Kind, Err: err})
	}
	description := provider.Describe(r)

	current, err := provider.Check(ctx, conn, r)
	if err != nil {
		return finish(Result{State: StateFailed, Description: description, Err: err})
	}

	diff := provider.Diff(r, current)
	if !diff.Changed {
		return finish(Result{State: StateUnchanged, Description: description, Diff: &diff})
	}
	if rctx.CheckMode {
		return finish(Result{State: StateSkipped, Description: description, Diff: &diff})
	}

	if err := provider.Apply(ctx, conn, r); err != nil {
		return finish(Result{State: StateFailed, Description: description, Diff: &diff, Err: err})
	}
	return finish(Result{State: StateChanged, Description: description, Diff: &diff, Notify: r.Notify})
}
