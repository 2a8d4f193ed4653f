package resource

import (
	"context"
	"fmt"

	"github.com/nexusrun/nexus/internal/sshconn"
)

type commandAttrs struct {
	Cmd     string `mapstructure:"cmd"`
	Creates string `mapstructure:"creates"`
	Removes string `mapstructure:"removes"`
	Unless  string `mapstructure:"unless"`
	OnlyIf  string `mapstructure:"onlyif"`
	Sudo    bool   `mapstructure:"sudo"`
}

// commandProvider is the escape hatch: an arbitrary command made
// idempotent through its guards. With no guards declared the command runs
// every time (and reports changed every time).
type commandProvider struct{}

func (p *commandProvider) Describe(r *Resource) string {
	var attrs commandAttrs
	_ = r.Decode(&attrs)
	return fmt.Sprintf("command[%s]", attrs.Cmd)
}

// Check evaluates the guards. The observation is a single "should_run"
// attribute; a guard short-circuiting records which one fired.
func (p *commandProvider) Check(ctx context.Context, conn Transport, r *Resource) (Current, error) {
	var attrs commandAttrs
	if err := r.Decode(&attrs); err != nil {
		return nil, err
	}

	if attrs.Creates != "" {
		if _, code, err := conn.Exec(ctx, "test -e "+sshconn.Quote(attrs.Creates), attrs.Sudo); err != nil {
			return nil, err
		} else if code == 0 {
			return Current{"should_run": "false", "guard": "creates"}, nil
		}
	}
	if attrs.Removes != "" {
		if _, code, err := conn.Exec(ctx, "test -e "+sshconn.Quote(attrs.Removes), attrs.Sudo); err != nil {
			return nil, err
		} else if code != 0 {
			return Current{"should_run": "false", "guard": "removes"}, nil
		}
	}
	if attrs.Unless != "" {
		if _, code, err := conn.Exec(ctx, attrs.Unless, attrs.Sudo); err != nil {
			return nil, err
		} else if code == 0 {
			return Current{"should_run": "false", "guard": "unless"}, nil
		}
	}
	if attrs.OnlyIf != "" {
		if _, code, err := conn.Exec(ctx, attrs.OnlyIf, attrs.Sudo); err != nil {
			return nil, err
		} else if code != 0 {
			return Current{"should_run": "false", "guard": "onlyif"}, nil
		}
	}
	return Current{"should_run": "true"}, nil
}

func (p *commandProvider) Diff(r *Resource, current Current) Diff {
	d := Diff{Before: map[string]string(current), After: map[string]string{"ran": "true"}}
	if current["should_run"] == "true" {
		d.Changed = true
		var attrs commandAttrs
		_ = r.Decode(&attrs)
		d.Changes = append(d.Changes, "run "+attrs.Cmd)
	}
	return d
}

func (p *commandProvider) Apply(ctx context.Context, conn Transport, r *Resource) error {
	var attrs commandAttrs
	if err := r.Decode(&attrs); err != nil {
		return err
	}
	return execExpect(ctx, conn, attrs.Cmd, attrs.Sudo)
}
