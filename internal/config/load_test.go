package config

import (
	"testing"
	"time"

	"github.com/nexusrun/nexus/internal/condition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
hosts:
  web1:
    hostname: web1.internal
    user: deploy
  web2:
    hostname: web2.internal
    user: deploy
    port: 2222
  db1:
    hostname: db1.internal
    user: admin
    groups: [db]

groups:
  web: [web1, web2, web1]

tasks:
  - name: build
    on: ":local"
    steps:
      - shell: make build
        env: {CGO_ENABLED: "0"}
        timeout: 10m
    artifacts:
      - name: app.tgz
        path: ./dist/app.tgz

  - name: deploy
    on: web
    deps: [build]
    strategy: rolling
    rolling_batch: 1
    tags: [release]
    when:
      eq: [{fact: os_family}, debian]
    steps:
      - upload:
          local: artifact:app.tgz
          remote: /opt/app.tgz
          mode: "0640"
          sudo: true
      - resource:
          kind: package
          name: nginx
          state: present
          notify: reload-nginx
      - wait_for:
          type: http
          target: http://localhost/health
          timeout: 30s
          interval: 500ms
          expected_status: 204

handlers:
  - name: reload-nginx
    on: web
    steps:
      - shell: systemctl reload nginx
        sudo: true
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Tasks, 2)
	require.Len(t, cfg.Handlers, 1)

	web1 := cfg.Hosts["web1"]
	require.NotNil(t, web1)
	assert.Equal(t, "web1", web1.Name)
	assert.Equal(t, 22, web1.Port)
	assert.Equal(t, 2222, cfg.Hosts["web2"].Port)

	build, ok := cfg.TaskByName("build")
	require.True(t, ok)
	require.Len(t, build.Steps, 1)
	shell := build.Steps[0]
	require.Equal(t, StepShell, shell.Kind)
	assert.Equal(t, "make build", shell.Shell.Cmd)
	assert.Equal(t, 10*time.Minute, shell.Shell.Timeout.Std())
	assert.Equal(t, map[string]string{"CGO_ENABLED": "0"}, shell.Shell.Env)
	assert.Equal(t, StrategyParallel, build.Strategy)

	deploy, ok := cfg.TaskByName("deploy")
	require.True(t, ok)
	assert.Equal(t, StrategyRolling, deploy.Strategy)
	assert.Equal(t, 1, deploy.RollingBatch)
	require.NotNil(t, deploy.When)

	upload := deploy.Steps[0]
	require.Equal(t, StepUpload, upload.Kind)
	assert.Equal(t, "artifact:app.tgz", upload.Upload.Local)
	assert.True(t, upload.Upload.Sudo)
	assert.EqualValues(t, 0o640, upload.Upload.Mode)

	res := deploy.Steps[1]
	require.Equal(t, StepResource, res.Kind)
	assert.Equal(t, "package", res.Resource.Kind)
	assert.Equal(t, "present", res.Resource.State)
	assert.Equal(t, "reload-nginx", res.Resource.Notify)
	assert.Equal(t, "nginx", res.Resource.Attributes["name"])

	wait := deploy.Steps[2]
	require.Equal(t, StepWaitFor, wait.Kind)
	assert.Equal(t, "http", wait.WaitFor.Type)
	assert.Equal(t, 500*time.Millisecond, wait.WaitFor.Interval.Std())
	assert.Equal(t, 204, wait.WaitFor.ExpectedStatus)
}

func TestResolveTarget(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	hosts, local, err := cfg.ResolveTarget("web")
	require.NoError(t, err)
	assert.False(t, local)
	// duplicates collapsed, order preserved
	require.Len(t, hosts, 2)
	assert.Equal(t, "web1", hosts[0].Name)
	assert.Equal(t, "web2", hosts[1].Name)

	// host-level group membership
	hosts, _, err = cfg.ResolveTarget("db")
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "db1", hosts[0].Name)

	_, local, err = cfg.ResolveTarget(":local")
	require.NoError(t, err)
	assert.True(t, local)

	_, _, err = cfg.ResolveTarget("nope")
	assert.Error(t, err)
}

func TestValidateCatchesBadReferences(t *testing.T) {
	bad := `
hosts:
  web1: {hostname: web1, user: deploy}
tasks:
  - name: a
    on: ghost-group
    deps: [missing]
    steps:
      - shell: "true"
  - name: a
    on: web1
    strategy: rolling
    steps:
      - resource:
          kind: file
          path: /tmp/x
          state: present
          notify: no-such-handler
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	text := verr.Error()
	assert.Contains(t, text, "unknown host or group \"ghost-group\"")
	assert.Contains(t, text, "undeclared task \"missing\"")
	assert.Contains(t, text, "duplicate task \"a\"")
	assert.Contains(t, text, "rolling strategy without a rolling_batch")
	assert.Contains(t, text, "unknown handler \"no-such-handler\"")
}

func TestStepRequiresExactlyOneKind(t *testing.T) {
	_, err := Parse([]byte(`
tasks:
  - name: a
    steps:
      - shell: "true"
        upload: {local: a, remote: b}
`))
	assert.Error(t, err)

	_, err = Parse([]byte(`
tasks:
  - name: a
    steps:
      - sudo: true
`))
	assert.Error(t, err)
}

func TestParseWhenOperators(t *testing.T) {
	cfg, err := Parse([]byte(`
tasks:
  - name: a
    when:
      and:
        - in: [{fact: os_family}, [debian, rhel]]
        - not: {eq: [{fact: arch}, armv7l]}
        - ge: [{fact: memory_mb}, 1024]
    steps:
      - shell: "true"
`))
	require.NoError(t, err)
	task := cfg.Tasks[0]
	require.NotNil(t, task.When)

	ok, err := condition.EvalBool(task.When, condition.Context{Facts: map[string]interface{}{
		"os_family": "debian",
		"arch":      "x86_64",
		"memory_mb": 2048,
	}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = condition.EvalBool(task.When, condition.Context{Facts: map[string]interface{}{
		"os_family": "alpine",
		"arch":      "x86_64",
		"memory_mb": 2048,
	}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScaffoldTemplateParses(t *testing.T) {
	_, err := Parse([]byte(ScaffoldTemplate))
	assert.NoError(t, err)
}
