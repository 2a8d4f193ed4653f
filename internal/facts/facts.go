// Package facts discovers host attributes (OS, architecture, memory) used
// by `when:` predicates and provider dispatch. Facts are gathered lazily
// the first time a host's steps reference one and cached for the duration
// of a single pipeline run.
package facts

import (
	"strings"
	"sync"
)

// Facts is the fixed attribute set for one host. Fields that cannot be
// discovered default to "unknown" (strings) or 0 (numerics) rather than
// failing the gather.
type Facts struct {
	OS            string
	OSFamily      string
	OSVersion     string
	Hostname      string
	FQDN          string
	CPUCount      int
	MemoryMB      int
	Arch          string
	KernelVersion string
	User          string
}

// Map renders the facts as the flat key space predicates reference.
func (f Facts) Map() map[string]interface{} {
	return map[string]interface{}{
		"os":             f.OS,
		"os_family":      f.OSFamily,
		"os_version":     f.OSVersion,
		"hostname":       f.Hostname,
		"fqdn":           f.FQDN,
		"cpu_count":      f.CPUCount,
		"memory_mb":      f.MemoryMB,
		"arch":           f.Arch,
		"kernel_version": f.KernelVersion,
		"user":           f.User,
	}
}

var familyByID = map[string]string{
	"debian": "debian", "ubuntu": "debian", "linuxmint": "debian", "raspbian": "debian", "pop": "debian",
	"rhel": "rhel", "centos": "rhel", "fedora": "rhel", "rocky": "rhel", "alma": "rhel", "almalinux": "rhel", "oracle": "rhel", "ol": "rhel",
	"arch": "arch", "manjaro": "arch", "endeavouros": "arch",
	"opensuse": "suse", "suse": "suse", "sles": "suse",
	"alpine": "alpine",
}

// FamilyFromOSRelease derives os_family from /etc/os-release content.
// ID_LIKE wins over ID; the first recognized token is used.
func FamilyFromOSRelease(content string) string {
	fields := ParseOSRelease(content)
	for _, key := range []string{"ID_LIKE", "ID"} {
		for _, token := range strings.Fields(strings.ToLower(fields[key])) {
			if family, ok := familyByID[token]; ok {
				return family
			}
		}
	}
	return "unknown"
}

// ParseOSRelease parses the KEY=value lines of an os-release file,
// stripping surrounding quotes.
func ParseOSRelease(content string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		fields[strings.TrimSpace(key)] = value
	}
	return fields
}

// Cache is a per-pipeline-run facts cache keyed by host id. It is an
// explicit value owned by the pipeline runner, never a process-global, so
// concurrent pipelines (and tests) cannot cross-talk.
type Cache struct {
	mu    sync.Mutex
	hosts map[string]Facts
}

// NewCache creates an empty cache for one pipeline run.
func NewCache() *Cache {
	return &Cache{hosts: map[string]Facts{}}
}

// Get returns the cached facts for a host, if gathered.
func (c *Cache) Get(hostID string) (Facts, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.hosts[hostID]
	return f, ok
}

// Put stores gathered facts for a host.
func (c *Cache) Put(hostID string, f Facts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[hostID] = f
}

// GetOrGather returns cached facts, or runs gather and caches its result,
// so sequential callers for a host gather once. Concurrent callers for the same host may race to gather; the first
// write wins and the results are equivalent.
func (c *Cache) GetOrGather(hostID string, gather func() (Facts, error)) (Facts, error) {
	if f, ok := c.Get(hostID); ok {
		return f, nil
	}
	f, err := gather()
	if err != nil {
		return Facts{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.hosts[hostID]; ok {
		return existing, nil
	}
	c.hosts[hostID] = f
	return f, nil
}
