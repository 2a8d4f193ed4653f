package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexusrun/nexus/internal/sshconn"
)

type directoryAttrs struct {
	Path  string `mapstructure:"path"`
	Mode  string `mapstructure:"mode"`
	Owner string `mapstructure:"owner"`
	Group string `mapstructure:"group"`
	Sudo  bool   `mapstructure:"sudo"`
}

type directoryProvider struct{}

func (p *directoryProvider) Describe(r *Resource) string {
	var attrs directoryAttrs
	_ = r.Decode(&attrs)
	return fmt.Sprintf("directory[%s] state=%s", attrs.Path, stateOrDefault(r.State, "present"))
}

func (p *directoryProvider) Check(ctx context.Context, conn Transport, r *Resource) (Current, error) {
	var attrs directoryAttrs
	if err := r.Decode(&attrs); err != nil {
		return nil, err
	}
	current := Current{"exists": "false"}
	quoted := sshconn.Quote(attrs.Path)

	if _, code, err := conn.Exec(ctx, "test -d "+quoted, attrs.Sudo); err != nil {
		return nil, err
	} else if code != 0 {
		return current, nil
	}
	current["exists"] = "true"

	if out, code, err := conn.Exec(ctx, "stat -c '%a %U %G' "+quoted+" 2>/dev/null || stat -f '%Lp %Su %Sg' "+quoted, attrs.Sudo); err == nil && code == 0 {
		fields := strings.Fields(strings.TrimSpace(string(out)))
		if len(fields) == 3 {
			current["mode"] = fields[0]
			current["owner"] = fields[1]
			current["group"] = fields[2]
		}
	}
	return current, nil
}

func (p *directoryProvider) Diff(r *Resource, current Current) Diff {
	var attrs directoryAttrs
	_ = r.Decode(&attrs)
	state := stateOrDefault(r.State, "present")

	d := Diff{Before: map[string]string(current), After: map[string]string{}}
	exists := current["exists"] == "true"

	if state == "absent" {
		d.After["exists"] = "false"
		if exists {
			d.Changed = true
			d.Changes = append(d.Changes, "remove "+attrs.Path)
		}
		return d
	}

	d.After["exists"] = "true"
	if !exists {
		d.Changed = true
		d.Changes = append(d.Changes, "create "+attrs.Path)
	}
	if attrs.Mode != "" && exists && normalizeMode(current["mode"]) != normalizeMode(attrs.Mode) {
		d.Changed = true
		d.Changes = append(d.Changes, "mode")
	}
	if attrs.Owner != "" && exists && current["owner"] != attrs.Owner {
		d.Changed = true
		d.Changes = append(d.Changes, "owner")
	}
	if attrs.Group != "" && exists && current["group"] != attrs.Group {
		d.Changed = true
		d.Changes = append(d.Changes, "group")
	}
	return d
}

func (p *directoryProvider) Apply(ctx context.Context, conn Transport, r *Resource) error {
	var attrs directoryAttrs
	if err := r.Decode(&attrs); err != nil {
		return err
	}
	state := stateOrDefault(r.State, "present")
	quoted := sshconn.Quote(attrs.Path)

	if state == "absent" {
		return execExpect(ctx, conn, "rm -rf "+quoted, attrs.Sudo)
	}

	if err := execExpect(ctx, conn, "mkdir -p "+quoted, attrs.Sudo); err != nil {
		return err
	}
	if attrs.Mode != "" {
		if err := execExpect(ctx, conn, "chmod "+sshconn.Quote(attrs.Mode)+" "+quoted, attrs.Sudo); err != nil {
			return err
		}
	}
	if attrs.Owner != "" || attrs.Group != "" {
		owner := attrs.Owner
		if attrs.Group != "" {
			owner += ":" + attrs.Group
		}
		if err := execExpect(ctx, conn, "chown "+sshconn.Quote(owner)+" "+quoted, attrs.Sudo); err != nil {
			return err
		}
	}
	return nil
}
