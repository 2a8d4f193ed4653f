package resource

import (
	"sync"

	"github.com/pkg/errors"
)

// AnyFamily registers a provider for every os family not covered by a
// more specific registration.
const AnyFamily = "*"

type registryKey struct {
	kind   string
	family string
}

var (
	registryMu sync.Mutex
	registry   = map[registryKey]Provider{}
)

// Register installs a provider for (kind, family). Registering the same
// pair twice is a programming error and panics; the table is populated
// once at init.
func Register(kind, family string, p Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := registryKey{kind: kind, family: family}
	if _, exists := registry[key]; exists {
		panic("duplicate resource provider registration: " + kind + "/" + family)
	}
	registry[key] = p
}

// Lookup selects the provider for a kind on an os family, falling back to
// the kind's AnyFamily registration.
func Lookup(kind, family string) (Provider, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if p, ok := registry[registryKey{kind: kind, family: family}]; ok {
		return p, nil
	}
	if p, ok := registry[registryKey{kind: kind, family: AnyFamily}]; ok {
		return p, nil
	}
	return nil, errors.Errorf("no %q resource provider for os family %q", kind, family)
}

// Kinds returns the distinct registered resource kinds, for validation
// and listings.
func Kinds() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	seen := map[string]bool{}
	var kinds []string
	for key := range registry {
		if !seen[key.kind] {
			seen[key.kind] = true
			kinds = append(kinds, key.kind)
		}
	}
	return kinds
}

func init() {
	file := &fileProvider{}
	Register("file", AnyFamily, file)
	Register("directory", AnyFamily, &directoryProvider{})
	Register("command", AnyFamily, &commandProvider{})

	for family, manager := range map[string]packageManager{
		"debian": aptManager,
		"rhel":   dnfManager,
		"darwin": brewManager,
		"arch":   pacmanManager,
		"alpine": apkManager,
		"suse":   zypperManager,
	} {
		Register("package", family, &packageProvider{manager: manager})
	}

	systemd := &serviceProvider{backend: systemdBackend}
	for _, family := range []string{"debian", "rhel", "arch", "suse"} {
		Register("service", family, systemd)
	}
	Register("service", "darwin", &serviceProvider{backend: launchdBackend})
	Register("service", AnyFamily, &serviceProvider{backend: sysvinitBackend})

	user := &userProvider{}
	group := &groupProvider{}
	for _, family := range []string{"debian", "rhel", "arch", "suse", "alpine", "darwin"} {
		Register("user", family, user)
		Register("group", family, group)
	}
	Register("user", AnyFamily, user)
	Register("group", AnyFamily, group)
}
