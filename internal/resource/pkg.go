package resource

import (
	"context"
	"fmt"

	"github.com/nexusrun/nexus/internal/sshconn"
)

type packageAttrs struct {
	Name string `mapstructure:"name"`
}

// packageManager holds the family-specific command shapes. %s is the
// quoted package name.
type packageManager struct {
	name       string
	query      string
	upgradable string
	install    string
	remove     string
	upgrade    string
	needsSudo  bool
}

var (
	aptManager = packageManager{
		name:       "apt",
		query:      "dpkg-query -W -f '${Status}' %s 2>/dev/null | grep -q 'install ok installed'",
		upgradable: "apt-get -s install --only-upgrade %s 2>/dev/null | grep -q '^Inst '",
		install:    "DEBIAN_FRONTEND=noninteractive apt-get install -y %s",
		remove:     "DEBIAN_FRONTEND=noninteractive apt-get remove -y %s",
		upgrade:    "DEBIAN_FRONTEND=noninteractive apt-get install -y --only-upgrade %s",
		needsSudo:  true,
	}
	dnfManager = packageManager{
		name:       "dnf",
		query:      "rpm -q %s",
		upgradable: "dnf -q check-update %s >/dev/null 2>&1; test $? -eq 100",
		install:    "dnf install -y %s 2>/dev/null || yum install -y %s",
		remove:     "dnf remove -y %s 2>/dev/null || yum remove -y %s",
		upgrade:    "dnf upgrade -y %s 2>/dev/null || yum upgrade -y %s",
		needsSudo:  true,
	}
	brewManager = packageManager{
		name:       "brew",
		query:      "brew list --versions %s",
		upgradable: "brew outdated %s",
		install:    "brew install %s",
		remove:     "brew uninstall %s",
		upgrade:    "brew upgrade %s",
	}
	pacmanManager = packageManager{
		name:       "pacman",
		query:      "pacman -Q %s",
		upgradable: "pacman -Qu %s",
		install:    "pacman -S --noconfirm %s",
		remove:     "pacman -R --noconfirm %s",
		upgrade:    "pacman -S --noconfirm %s",
		needsSudo:  true,
	}
	apkManager = packageManager{
		name:       "apk",
		query:      "apk info -e %s",
		upgradable: "apk version %s 2>/dev/null | grep -q '<'",
		install:    "apk add %s",
		remove:     "apk del %s",
		upgrade:    "apk upgrade %s",
		needsSudo:  true,
	}
	zypperManager = packageManager{
		name:       "zypper",
		query:      "rpm -q %s",
		upgradable: "zypper --non-interactive list-updates | grep -q ' %s '",
		install:    "zypper --non-interactive install %s",
		remove:     "zypper --non-interactive remove %s",
		upgrade:    "zypper --non-interactive update %s",
		needsSudo:  true,
	}
)

func (m packageManager) render(format, pkg string) string {
	quoted := sshconn.Quote(pkg)
	args := make([]interface{}, 0, 2)
	for i := 0; i < countVerbs(format); i++ {
		args = append(args, quoted)
	}
	return fmt.Sprintf(format, args...)
}

func countVerbs(format string) int {
	count := 0
	for i := 0; i+1 < len(format); i++ {
		if format[i] == '%' && format[i+1] == 's' {
			count++
		}
	}
	return count
}

// packageProvider converges one package to present, absent or latest.
type packageProvider struct {
	manager packageManager
}

func (p *packageProvider) Describe(r *Resource) string {
	var attrs packageAttrs
	_ = r.Decode(&attrs)
	return fmt.Sprintf("package[%s] state=%s via %s", attrs.Name, stateOrDefault(r.State, "present"), p.manager.name)
}

func (p *packageProvider) Check(ctx context.Context, conn Transport, r *Resource) (Current, error) {
	var attrs packageAttrs
	if err := r.Decode(&attrs); err != nil {
		return nil, err
	}
	_, code, err := conn.Exec(ctx, p.manager.render(p.manager.query, attrs.Name), p.manager.needsSudo)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return Current{"exists": "false", "installed": "false"}, nil
	}
	current := Current{"exists": "true", "installed": "true", "upgradable": "false"}
	if stateOrDefault(r.State, "present") == "latest" && p.manager.upgradable != "" {
		if _, code, err := conn.Exec(ctx, p.manager.render(p.manager.upgradable, attrs.Name), p.manager.needsSudo); err == nil && code == 0 {
			current["upgradable"] = "true"
		}
	}
	return current, nil
}

func (p *packageProvider) Diff(r *Resource, current Current) Diff {
	var attrs packageAttrs
	_ = r.Decode(&attrs)
	state := stateOrDefault(r.State, "present")
	installed := current["installed"] == "true"

	d := Diff{Before: map[string]string(current), After: map[string]string{}}
	switch state {
	case "absent":
		d.After["installed"] = "false"
		if installed {
			d.Changed = true
			d.Changes = append(d.Changes, "remove "+attrs.Name)
		}
	case "latest":
		d.After["installed"] = "latest"
		if !installed {
			d.Changed = true
			d.Changes = append(d.Changes, "install "+attrs.Name)
		} else if current["upgradable"] == "true" {
			d.Changed = true
			d.Changes = append(d.Changes, "upgrade "+attrs.Name)
		}
	default: // present
		d.After["installed"] = "true"
		if !installed {
			d.Changed = true
			d.Changes = append(d.Changes, "install "+attrs.Name)
		}
	}
	return d
}

func (p *packageProvider) Apply(ctx context.Context, conn Transport, r *Resource) error {
	var attrs packageAttrs
	if err := r.Decode(&attrs); err != nil {
		return err
	}
	format := p.manager.install
	switch stateOrDefault(r.State, "present") {
	case "absent":
		format = p.manager.remove
	case "latest":
		// re-observe: the upgrade command only converges a package that
		// is already installed; an absent one takes the install path
		current, err := p.Check(ctx, conn, r)
		if err != nil {
			return err
		}
		if current["installed"] == "true" {
			format = p.manager.upgrade
		}
	}
	return execExpect(ctx, conn, p.manager.render(format, attrs.Name), p.manager.needsSudo)
}
