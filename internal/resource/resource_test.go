package resource

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost scripts command responses and records mutations, standing in
// for a remote machine.
type fakeHost struct {
	mu sync.Mutex
	// responses maps a command substring to (output, exit code)
	responses map[string]fakeResponse
	execLog   []string
	files     map[string][]byte
}

type fakeResponse struct {
	out  string
	code int
}

func newFakeHost() *fakeHost {
	return &fakeHost{responses: map[string]fakeResponse{}, files: map[string][]byte{}}
}

func (f *fakeHost) respond(substr, out string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[substr] = fakeResponse{out: out, code: code}
}

func (f *fakeHost) Exec(_ context.Context, cmd string, _ bool) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execLog = append(f.execLog, cmd)
	for substr, resp := range f.responses {
		if strings.Contains(cmd, substr) {
			return []byte(resp.out), resp.code, nil
		}
	}
	return nil, 1, nil
}

func (f *fakeHost) WriteFile(_ context.Context, content []byte, path string, _ os.FileMode, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	f.execLog = append(f.execLog, "writefile "+path)
	return nil
}

func (f *fakeHost) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cmd := range f.execLog {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

func fileResource(state string) *Resource {
	return &Resource{
		Kind:   "file",
		State:  state,
		Notify: "reload",
		Attributes: map[string]interface{}{
			"path":    "/tmp/x",
			"content": "hi",
		},
	}
}

func TestFileCreateThenUnchanged(t *testing.T) {
	host := newFakeHost()
	// file absent at first
	host.respond("test -f", "", 1)

	res := Run(context.Background(), host, fileResource("present"), Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	assert.Equal(t, "reload", res.Notify)
	assert.Equal(t, []byte("hi"), host.files["/tmp/x"])

	// second run observes the written content: apply must be a no-op
	host.respond("test -f", "", 0)
	host.respond("sha256sum", contentHash("hi")+"  /tmp/x\n", 0)
	host.respond("stat -c", "644 root root\n", 0)

	res = Run(context.Background(), host, fileResource("present"), Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateUnchanged, res.State)
	assert.False(t, res.Diff.Changed)
	assert.Empty(t, res.Notify, "unchanged resources must not notify")
}

func TestFileAbsentRemoves(t *testing.T) {
	host := newFakeHost()
	host.respond("test -f", "", 0)
	host.respond("sha256sum", contentHash("hi")+"  /tmp/x\n", 0)
	host.respond("rm -f", "", 0)

	res := Run(context.Background(), host, fileResource("absent"), Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	assert.True(t, host.ran("rm -f '/tmp/x'"))
}

func TestCheckModeNeverApplies(t *testing.T) {
	host := newFakeHost()
	host.respond("test -f", "", 1)

	res := Run(context.Background(), host, fileResource("present"), Context{OSFamily: "debian", CheckMode: true})
	require.NoError(t, res.Err)
	assert.Equal(t, StateSkipped, res.State)
	require.NotNil(t, res.Diff)
	assert.True(t, res.Diff.Changed)
	assert.Empty(t, host.files, "check mode must not mutate the host")
}

func TestPackageInstallByFamily(t *testing.T) {
	host := newFakeHost()
	host.respond("dpkg-query", "", 1)
	host.respond("apt-get install", "", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "package",
		State:      "present",
		Attributes: map[string]interface{}{"name": "nginx"},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	assert.True(t, host.ran("apt-get install -y 'nginx'"))
	assert.Contains(t, res.Description, "via apt")
}

func TestPackagePresentIdempotent(t *testing.T) {
	host := newFakeHost()
	host.respond("dpkg-query", "install ok installed", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "package",
		Attributes: map[string]interface{}{"name": "nginx"},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateUnchanged, res.State)
	assert.False(t, host.ran("apt-get install"))
}

func TestPackageLatestInstallsWhenAbsent(t *testing.T) {
	host := newFakeHost()
	host.respond("dpkg-query", "", 1)
	host.respond("apt-get install", "", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "package",
		State:      "latest",
		Attributes: map[string]interface{}{"name": "nginx"},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	// an absent package takes the install path, never --only-upgrade
	assert.True(t, host.ran("apt-get install -y 'nginx'"))
	assert.False(t, host.ran("--only-upgrade"))
}

func TestPackageLatestUpgradesWhenInstalled(t *testing.T) {
	host := newFakeHost()
	host.respond("dpkg-query", "install ok installed", 0)
	host.respond("grep -q '^Inst '", "", 0) // an upgrade is available
	host.respond("--only-upgrade", "", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "package",
		State:      "latest",
		Attributes: map[string]interface{}{"name": "nginx"},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	assert.True(t, host.ran("--only-upgrade"))
}

func TestPackageDispatchUnknownFamily(t *testing.T) {
	host := newFakeHost()
	res := Run(context.Background(), host, &Resource{
		Kind:       "package",
		Attributes: map[string]interface{}{"name": "nginx"},
	}, Context{OSFamily: "plan9"})
	assert.Equal(t, StateFailed, res.State)
	assert.Error(t, res.Err)
}

func TestServiceStart(t *testing.T) {
	host := newFakeHost()
	host.respond("is-active", "", 3)
	host.respond("is-enabled", "", 1)
	host.respond("systemctl start", "", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "service",
		State:      "running",
		Attributes: map[string]interface{}{"name": "nginx"},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	assert.True(t, host.ran("systemctl start 'nginx'"))
}

func TestServiceAlreadyRunning(t *testing.T) {
	host := newFakeHost()
	host.respond("is-active", "", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "service",
		State:      "running",
		Attributes: map[string]interface{}{"name": "nginx"},
	}, Context{OSFamily: "rhel"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateUnchanged, res.State)
}

func TestCommandGuardCreatesShortCircuits(t *testing.T) {
	host := newFakeHost()
	host.respond("test -e", "", 0) // target already exists

	res := Run(context.Background(), host, &Resource{
		Kind: "command",
		Attributes: map[string]interface{}{
			"cmd":     "make install",
			"creates": "/usr/local/bin/tool",
		},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateUnchanged, res.State)
	assert.False(t, host.ran("make install"))
}

func TestCommandGuardOnlyIf(t *testing.T) {
	host := newFakeHost()
	host.respond("check-condition", "", 1) // onlyif fails -> skip

	res := Run(context.Background(), host, &Resource{
		Kind: "command",
		Attributes: map[string]interface{}{
			"cmd":    "reconfigure",
			"onlyif": "check-condition",
		},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateUnchanged, res.State)

	// flip the condition: command must run
	host.respond("check-condition", "", 0)
	host.respond("reconfigure", "", 0)
	res = Run(context.Background(), host, &Resource{
		Kind: "command",
		Attributes: map[string]interface{}{
			"cmd":    "reconfigure",
			"onlyif": "check-condition",
		},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
}

func TestUserCreate(t *testing.T) {
	host := newFakeHost()
	host.respond("getent passwd", "", 2)
	host.respond("useradd", "", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "user",
		Attributes: map[string]interface{}{"name": "deploy", "home": "/home/deploy"},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	assert.True(t, host.ran("useradd"))
}

func TestUserExistingMatches(t *testing.T) {
	host := newFakeHost()
	host.respond("getent passwd", "deploy:x:1001:1001::/home/deploy:/bin/sh\n", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "user",
		Attributes: map[string]interface{}{"name": "deploy", "home": "/home/deploy"},
	}, Context{OSFamily: "debian"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateUnchanged, res.State)
}

func TestGroupCreate(t *testing.T) {
	host := newFakeHost()
	host.respond("getent group", "", 2)
	host.respond("groupadd", "", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "group",
		Attributes: map[string]interface{}{"name": "app", "gid": 990},
	}, Context{OSFamily: "alpine"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	assert.True(t, host.ran("groupadd -g 990 'app'"))
}

func TestFailedApplyDoesNotNotify(t *testing.T) {
	host := newFakeHost()
	host.respond("dpkg-query", "", 1)
	host.respond("apt-get install", "E: unable to locate package", 100)

	res := Run(context.Background(), host, &Resource{
		Kind:       "package",
		Notify:     "reload",
		Attributes: map[string]interface{}{"name": "no-such-pkg"},
	}, Context{OSFamily: "debian"})
	assert.Equal(t, StateFailed, res.State)
	assert.Error(t, res.Err)
	assert.Empty(t, res.Notify)
}

func TestDirectoryCreate(t *testing.T) {
	host := newFakeHost()
	host.respond("test -d", "", 1)
	host.respond("mkdir -p", "", 0)
	host.respond("chmod", "", 0)

	res := Run(context.Background(), host, &Resource{
		Kind:       "directory",
		Attributes: map[string]interface{}{"path": "/opt/app", "mode": "0755"},
	}, Context{OSFamily: "rhel"})
	require.NoError(t, res.Err)
	assert.Equal(t, StateChanged, res.State)
	assert.True(t, host.ran("mkdir -p '/opt/app'"))
}
