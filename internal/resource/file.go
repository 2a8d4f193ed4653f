package resource

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	"github.com/nexusrun/nexus/internal/sshconn"
)

type fileAttrs struct {
	Path    string `mapstructure:"path"`
	Content string `mapstructure:"content"`
	Mode    string `mapstructure:"mode"`
	Owner   string `mapstructure:"owner"`
	Group   string `mapstructure:"group"`
	Sudo    bool   `mapstructure:"sudo"`
}

// fileProvider manages a single file's presence, content, mode and
// ownership. Works over any POSIX-ish transport.
type fileProvider struct{}

func (p *fileProvider) Describe(r *Resource) string {
	var attrs fileAttrs
	_ = r.Decode(&attrs)
	return fmt.Sprintf("file[%s] state=%s", attrs.Path, stateOrDefault(r.State, "present"))
}

func (p *fileProvider) Check(ctx context.Context, conn Transport, r *Resource) (Current, error) {
	var attrs fileAttrs
	if err := r.Decode(&attrs); err != nil {
		return nil, err
	}
	current := Current{"exists": "false"}

	quoted := sshconn.Quote(attrs.Path)
	if _, code, err := conn.Exec(ctx, "test -f "+quoted, attrs.Sudo); err != nil {
		return nil, err
	} else if code != 0 {
		return current, nil
	}
	current["exists"] = "true"

	if out, code, err := conn.Exec(ctx, "sha256sum "+quoted+" 2>/dev/null || shasum -a 256 "+quoted, attrs.Sudo); err == nil && code == 0 {
		fields := strings.Fields(string(out))
		if len(fields) > 0 {
			current["sha256"] = fields[0]
		}
	}
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

func (p *fileProvider) Diff(r *Resource, current Current) Diff {
	var attrs fileAttrs
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
	if attrs.Content != "" {
		want := contentHash(attrs.Content)
		d.After["sha256"] = want
		if exists && current["sha256"] != want {
			d.Changed = true
			d.Changes = append(d.Changes, "content")
		}
	}
	if attrs.Mode != "" {
		d.After["mode"] = strings.TrimPrefix(attrs.Mode, "0")
		if exists && normalizeMode(current["mode"]) != normalizeMode(attrs.Mode) {
			d.Changed = true
			d.Changes = append(d.Changes, "mode")
		}
	}
	if attrs.Owner != "" {
		d.After["owner"] = attrs.Owner
		if exists && current["owner"] != attrs.Owner {
			d.Changed = true
			d.Changes = append(d.Changes, "owner")
		}
	}
	if attrs.Group != "" {
		d.After["group"] = attrs.Group
		if exists && current["group"] != attrs.Group {
			d.Changed = true
			d.Changes = append(d.Changes, "group")
		}
	}
	return d
}

func (p *fileProvider) Apply(ctx context.Context, conn Transport, r *Resource) error {
	var attrs fileAttrs
	if err := r.Decode(&attrs); err != nil {
		return err
	}
	state := stateOrDefault(r.State, "present")
	quoted := sshconn.Quote(attrs.Path)

	if state == "absent" {
		return execExpect(ctx, conn, "rm -f "+quoted, attrs.Sudo)
	}

	// re-observe so an existing file is only rewritten when its content
	// is actually managed and drifted
	current, err := p.Check(ctx, conn, r)
	if err != nil {
		return err
	}
	exists := current["exists"] == "true"

	mode := parseMode(attrs.Mode, 0o644)
	if !exists || (attrs.Content != "" && current["sha256"] != contentHash(attrs.Content)) {
		if err := conn.WriteFile(ctx, []byte(attrs.Content), attrs.Path, mode, attrs.Sudo); err != nil {
			return err
		}
	} else if attrs.Mode != "" && normalizeMode(current["mode"]) != normalizeMode(attrs.Mode) {
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

func contentHash(content string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
}

func stateOrDefault(state, def string) string {
	if state == "" {
		return def
	}
	return state
}

func normalizeMode(mode string) string {
	return strings.TrimLeft(mode, "0")
}

func parseMode(mode string, def uint32) os.FileMode {
	if mode == "" {
		return os.FileMode(def)
	}
	var parsed uint32
	if _, err := fmt.Sscanf(mode, "%o", &parsed); err != nil {
		return os.FileMode(def)
	}
	return os.FileMode(parsed)
}

// execExpect runs a mutation command and converts a non-zero exit into an
// error carrying the command output.
func execExpect(ctx context.Context, conn Transport, cmd string, sudo bool) error {
	out, code, err := conn.Exec(ctx, cmd, sudo)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%q exited %d: %s", cmd, code, strings.TrimSpace(string(out)))
	}
	return nil
}
