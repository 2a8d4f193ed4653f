package facts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyFromOSRelease(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"ubuntu via ID_LIKE", "ID=ubuntu\nID_LIKE=debian\n", "debian"},
		{"plain debian", "ID=debian\n", "debian"},
		{"pop via ID_LIKE chain", "ID=pop\nID_LIKE=\"ubuntu debian\"\n", "debian"},
		{"rocky", "ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\n", "rhel"},
		{"fedora alone", "ID=fedora\n", "rhel"},
		{"manjaro", "ID=manjaro\nID_LIKE=arch\n", "arch"},
		{"opensuse", "ID=\"opensuse-leap\"\nID_LIKE=\"suse opensuse\"\n", "suse"},
		{"alpine", "ID=alpine\n", "alpine"},
		{"unheard of", "ID=plan9\n", "unknown"},
		{"empty", "", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FamilyFromOSRelease(tc.content))
		})
	}
}

func TestParseOSRelease(t *testing.T) {
	fields := ParseOSRelease("NAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\n# comment\nbroken line\n")
	assert.Equal(t, "Ubuntu", fields["NAME"])
	assert.Equal(t, "22.04", fields["VERSION_ID"])
	_, ok := fields["broken line"]
	assert.False(t, ok)
}

type scriptedRunner struct {
	responses map[string]string
}

func (s *scriptedRunner) Run(_ context.Context, cmd string, _ time.Duration) ([]byte, int, error) {
	if out, ok := s.responses[cmd]; ok {
		return []byte(out + "\n"), 0, nil
	}
	return []byte("not found"), 127, nil
}

func TestGatherDefaultsMissingFields(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]string{
		"uname -s": "Linux",
		"uname -m": "x86_64",
		"hostname": "web1",
		"cat /etc/os-release 2>/dev/null": "ID=ubuntu\nID_LIKE=debian\nVERSION_ID=\"22.04\"",
		"nproc 2>/dev/null || sysctl -n hw.ncpu":                   "4",
		"grep MemTotal /proc/meminfo 2>/dev/null || sysctl -n hw.memsize": "MemTotal:        16384000 kB",
	}}

	f, err := Gather(context.Background(), runner)
	require.NoError(t, err)
	assert.Equal(t, "linux", f.OS)
	assert.Equal(t, "debian", f.OSFamily)
	assert.Equal(t, "22.04", f.OSVersion)
	assert.Equal(t, "x86_64", f.Arch)
	assert.Equal(t, 4, f.CPUCount)
	assert.Equal(t, 16000, f.MemoryMB)
	// commands the runner had no answer for fall back to defaults
	assert.Equal(t, "unknown", f.KernelVersion)
	assert.Equal(t, "unknown", f.User)
}

func TestGatherLocalNeverFails(t *testing.T) {
	f := GatherLocal()
	assert.NotEmpty(t, f.OS)
	assert.Greater(t, f.CPUCount, 0)
}

func TestCacheScopedPerRun(t *testing.T) {
	c1 := NewCache()
	c2 := NewCache()
	c1.Put("web1", Facts{OS: "linux"})

	_, ok := c2.Get("web1")
	assert.False(t, ok)

	got, ok := c1.Get("web1")
	require.True(t, ok)
	assert.Equal(t, "linux", got.OS)
}

func TestGetOrGatherGathersOnce(t *testing.T) {
	cache := NewCache()
	calls := 0
	gather := func() (Facts, error) {
		calls++
		return Facts{OS: "linux"}, nil
	}
	_, err := cache.GetOrGather("web1", gather)
	require.NoError(t, err)
	_, err = cache.GetOrGather("web1", gather)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestParseMemoryMBDarwinBytes(t *testing.T) {
	assert.Equal(t, 16384, parseMemoryMB("17179869184"))
}
