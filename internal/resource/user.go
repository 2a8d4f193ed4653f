package resource

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexusrun/nexus/internal/sshconn"
)

type userAttrs struct {
	Name   string `mapstructure:"name"`
	UID    int    `mapstructure:"uid"`
	Home   string `mapstructure:"home"`
	Shell  string `mapstructure:"shell"`
	System bool   `mapstructure:"system"`
}

// userProvider manages local accounts through the shadow-utils family of
// tools (useradd/usermod/userdel), which covers the linux families; on
// darwin the same commands exist via sysadminctl-compatible shims in the
// environments this targets.
type userProvider struct{}

func (p *userProvider) Describe(r *Resource) string {
	var attrs userAttrs
	_ = r.Decode(&attrs)
	return fmt.Sprintf("user[%s] state=%s", attrs.Name, stateOrDefault(r.State, "present"))
}

func (p *userProvider) Check(ctx context.Context, conn Transport, r *Resource) (Current, error) {
	var attrs userAttrs
	if err := r.Decode(&attrs); err != nil {
		return nil, err
	}
	current := Current{"exists": "false"}
	quoted := sshconn.Quote(attrs.Name)

	out, code, err := conn.Exec(ctx, "getent passwd "+quoted+" 2>/dev/null || id -P "+quoted+" 2>/dev/null || grep '^'"+quoted+"':' /etc/passwd", false)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return current, nil
	}
	current["exists"] = "true"

	// passwd format: name:x:uid:gid:gecos:home:shell
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) >= 7 {
		current["uid"] = fields[2]
		current["home"] = fields[5]
		current["shell"] = fields[6]
	}
	return current, nil
}

func (p *userProvider) Diff(r *Resource, current Current) Diff {
	var attrs userAttrs
	_ = r.Decode(&attrs)
	state := stateOrDefault(r.State, "present")
	exists := current["exists"] == "true"

	d := Diff{Before: map[string]string(current), After: map[string]string{}}
	if state == "absent" {
		d.After["exists"] = "false"
		if exists {
			d.Changed = true
			d.Changes = append(d.Changes, "remove user "+attrs.Name)
		}
		return d
	}

	d.After["exists"] = "true"
	if !exists {
		d.Changed = true
		d.Changes = append(d.Changes, "create user "+attrs.Name)
		return d
	}
	if attrs.UID != 0 {
		d.After["uid"] = fmt.Sprintf("%d", attrs.UID)
		if current["uid"] != d.After["uid"] {
			d.Changed = true
			d.Changes = append(d.Changes, "uid")
		}
	}
	if attrs.Home != "" {
		d.After["home"] = attrs.Home
		if current["home"] != attrs.Home {
			d.Changed = true
			d.Changes = append(d.Changes, "home")
		}
	}
	if attrs.Shell != "" {
		d.After["shell"] = attrs.Shell
		if current["shell"] != attrs.Shell {
			d.Changed = true
			d.Changes = append(d.Changes, "shell")
		}
	}
	return d
}

func (p *userProvider) Apply(ctx context.Context, conn Transport, r *Resource) error {
	var attrs userAttrs
	if err := r.Decode(&attrs); err != nil {
		return err
	}
	quoted := sshconn.Quote(attrs.Name)

	if stateOrDefault(r.State, "present") == "absent" {
		return execExpect(ctx, conn, "userdel "+quoted, true)
	}

	current, err := p.Check(ctx, conn, r)
	if err != nil {
		return err
	}

	var flags []string
	if attrs.UID != 0 {
		flags = append(flags, fmt.Sprintf("-u %d", attrs.UID))
	}
	if attrs.Home != "" {
		flags = append(flags, "-d "+sshconn.Quote(attrs.Home))
	}
	if attrs.Shell != "" {
		flags = append(flags, "-s "+sshconn.Quote(attrs.Shell))
	}

	if current["exists"] != "true" {
		create := "useradd"
		if attrs.System {
			flags = append(flags, "-r")
		}
		if attrs.Home != "" {
			flags = append(flags, "-m")
		}
		return execExpect(ctx, conn, create+" "+strings.Join(append(flags, quoted), " "), true)
	}
	if len(flags) == 0 {
		return nil
	}
	return execExpect(ctx, conn, "usermod "+strings.Join(append(flags, quoted), " "), true)
}
