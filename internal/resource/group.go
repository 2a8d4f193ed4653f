package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexusrun/nexus/internal/sshconn"
)

type groupAttrs struct {
	Name   string `mapstructure:"name"`
	GID    int    `mapstructure:"gid"`
	System bool   `mapstructure:"system"`
}

type groupProvider struct{}

func (p *groupProvider) Describe(r *Resource) string {
	var attrs groupAttrs
	_ = r.Decode(&attrs)
	return fmt.Sprintf("group[%s] state=%s", attrs.Name, stateOrDefault(r.State, "present"))
}

func (p *groupProvider) Check(ctx context.Context, conn Transport, r *Resource) (Current, error) {
	var attrs groupAttrs
	if err := r.Decode(&attrs); err != nil {
		return nil, err
	}
	current := Current{"exists": "false"}
	quoted := sshconn.Quote(attrs.Name)

	out, code, err := conn.Exec(ctx, "getent group "+quoted+" 2>/dev/null || grep '^'"+quoted+"':' /etc/group", false)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return current, nil
	}
	current["exists"] = "true"

	// group format: name:x:gid:members
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) >= 3 {
		current["gid"] = fields[2]
	}
	return current, nil
}

func (p *groupProvider) Diff(r *Resource, current Current) Diff {
	var attrs groupAttrs
	_ = r.Decode(&attrs)
	state := stateOrDefault(r.State, "present")
	exists := current["exists"] == "true"

	d := Diff{Before: map[string]string(current), After: map[string]string{}}
	if state == "absent" {
		d.After["exists"] = "false"
		if exists {
			d.Changed = true
			d.Changes = append(d.Changes, "remove group "+attrs.Name)
		}
		return d
	}

	d.After["exists"] = "true"
	if !exists {
		d.Changed = true
		d.Changes = append(d.Changes, "create group "+attrs.Name)
		return d
	}
	if attrs.GID != 0 {
		d.After["gid"] = fmt.Sprintf("%d", attrs.GID)
		if current["gid"] != d.After["gid"] {
			d.Changed = true
			d.Changes = append(d.Changes, "gid")
		}
	}
	return d
}

func (p *groupProvider) Apply(ctx context.Context, conn Transport, r *Resource) error {
	var attrs groupAttrs
	if err := r.Decode(&attrs); err != nil {
		return err
	}
	quoted := sshconn.Quote(attrs.Name)

	if stateOrDefault(r.State, "present") == "absent" {
		return execExpect(ctx, conn, "groupdel "+quoted, true)
	}

	current, err := p.Check(ctx, conn, r)
	if err != nil {
		return err
	}

	var flags []string
	if attrs.GID != 0 {
		flags = append(flags, fmt.Sprintf("-g %d", attrs.GID))
	}
	if current["exists"] != "true" {
		if attrs.System {
			flags = append(flags, "-r")
		}
		return execExpect(ctx, conn, "groupadd "+strings.Join(append(flags, quoted), " "), true)
	}
	if len(flags) == 0 {
		return nil
	}
	return execExpect(ctx, conn, "groupmod "+strings.Join(append(flags, quoted), " "), true)
}
