package resource

import (
	"context"
	"fmt"

	"github.com/nexusrun/nexus/internal/sshconn"
)

type serviceAttrs struct {
	Name    string `mapstructure:"name"`
	Enabled *bool  `mapstructure:"enabled"`
}

// serviceBackend holds the init-system specific command shapes. %s is the
// quoted service name.
type serviceBackend struct {
	name      string
	isActive  string
	isEnabled string
	start     string
	stop      string
	restart   string
	enable    string
	disable   string
}

var (
	systemdBackend = serviceBackend{
		name:      "systemd",
		isActive:  "systemctl is-active --quiet %s",
		isEnabled: "systemctl is-enabled --quiet %s",
		start:     "systemctl start %s",
		stop:      "systemctl stop %s",
		restart:   "systemctl restart %s",
		enable:    "systemctl enable %s",
		disable:   "systemctl disable %s",
	}
	launchdBackend = serviceBackend{
		name:     "launchd",
		isActive: "launchctl list %s",
		start:    "launchctl start %s",
		stop:     "launchctl stop %s",
		restart:  "launchctl stop %s; launchctl start %s",
	}
	sysvinitBackend = serviceBackend{
		name:     "sysvinit",
		isActive: "service %s status",
		start:    "service %s start",
		stop:     "service %s stop",
		restart:  "service %s restart",
	}
)

func (b serviceBackend) render(format, svc string) string {
	quoted := sshconn.Quote(svc)
	args := make([]interface{}, 0, 2)
	for i := 0; i < countVerbs(format); i++ {
		args = append(args, quoted)
	}
	return fmt.Sprintf(format, args...)
}

// serviceProvider converges a service to running or stopped, optionally
// managing boot-time enablement where the init system supports it.
type serviceProvider struct {
	backend serviceBackend
}

func (p *serviceProvider) Describe(r *Resource) string {
	var attrs serviceAttrs
	_ = r.Decode(&attrs)
	return fmt.Sprintf("service[%s] state=%s via %s", attrs.Name, stateOrDefault(r.State, "running"), p.backend.name)
}

func (p *serviceProvider) Check(ctx context.Context, conn Transport, r *Resource) (Current, error) {
	var attrs serviceAttrs
	if err := r.Decode(&attrs); err != nil {
		return nil, err
	}
	current := Current{"running": "false", "enabled": "false"}

	if _, code, err := conn.Exec(ctx, p.backend.render(p.backend.isActive, attrs.Name), true); err != nil {
		return nil, err
	} else if code == 0 {
		current["running"] = "true"
	}
	if p.backend.isEnabled != "" {
		if _, code, err := conn.Exec(ctx, p.backend.render(p.backend.isEnabled, attrs.Name), true); err == nil && code == 0 {
			current["enabled"] = "true"
		}
	}
	return current, nil
}

func (p *serviceProvider) Diff(r *Resource, current Current) Diff {
	var attrs serviceAttrs
	_ = r.Decode(&attrs)
	state := stateOrDefault(r.State, "running")
	running := current["running"] == "true"

	d := Diff{Before: map[string]string(current), After: map[string]string{}}
	switch state {
	case "stopped":
		d.After["running"] = "false"
		if running {
			d.Changed = true
			d.Changes = append(d.Changes, "stop "+attrs.Name)
		}
	default: // running
		d.After["running"] = "true"
		if !running {
			d.Changed = true
			d.Changes = append(d.Changes, "start "+attrs.Name)
		}
	}

	if attrs.Enabled != nil && p.backend.isEnabled != "" {
		want := fmt.Sprintf("%t", *attrs.Enabled)
		d.After["enabled"] = want
		if current["enabled"] != want {
			d.Changed = true
			if *attrs.Enabled {
				d.Changes = append(d.Changes, "enable "+attrs.Name)
			} else {
				d.Changes = append(d.Changes, "disable "+attrs.Name)
			}
		}
	}
	return d
}

func (p *serviceProvider) Apply(ctx context.Context, conn Transport, r *Resource) error {
	var attrs serviceAttrs
	if err := r.Decode(&attrs); err != nil {
		return err
	}

	// re-observe so apply only issues the transitions the diff found
	current, err := p.Check(ctx, conn, r)
	if err != nil {
		return err
	}
	running := current["running"] == "true"

	switch stateOrDefault(r.State, "running") {
	case "stopped":
		if running {
			if err := execExpect(ctx, conn, p.backend.render(p.backend.stop, attrs.Name), true); err != nil {
				return err
			}
		}
	default:
		if !running {
			if err := execExpect(ctx, conn, p.backend.render(p.backend.start, attrs.Name), true); err != nil {
				return err
			}
		}
	}

	if attrs.Enabled != nil && p.backend.enable != "" {
		enabled := current["enabled"] == "true"
		if *attrs.Enabled && !enabled {
			return execExpect(ctx, conn, p.backend.render(p.backend.enable, attrs.Name), true)
		}
		if !*attrs.Enabled && enabled {
			return execExpect(ctx, conn, p.backend.render(p.backend.disable, attrs.Name), true)
		}
	}
	return nil
}
