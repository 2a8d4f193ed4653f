// Package pipeline drives a selected set of tasks through their
// dependency phases: tasks fan out across hosts per strategy, bounded by
// the parallel limit, with telemetry at every boundary and notified
// handlers running once after the last phase.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/nexusrun/nexus/internal/artifact"
	"github.com/nexusrun/nexus/internal/condition"
	"github.com/nexusrun/nexus/internal/config"
	"github.com/nexusrun/nexus/internal/facts"
	"github.com/nexusrun/nexus/internal/graph"
	"github.com/nexusrun/nexus/internal/interp"
	"github.com/nexusrun/nexus/internal/process"
	"github.com/nexusrun/nexus/internal/sshconn"
	"github.com/nexusrun/nexus/internal/sshpool"
	"github.com/nexusrun/nexus/internal/telemetry"
	"github.com/nexusrun/nexus/internal/util"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelLimit bounds concurrently-running tasks.
const DefaultParallelLimit = 10

// defaultStepTimeout is assumed for steps without an explicit timeout
// when deriving the pipeline-global deadline.
const defaultStepTimeout = 300 * time.Second

// Options adjust one pipeline run.
type Options struct {
	CheckMode       bool
	Tags            []string
	SkipTags        []string
	ParallelLimit   int
	ContinueOnError bool
	// SSHUser and Identity are fallbacks for hosts that do not set their
	// own.
	SSHUser  string
	Identity string
	// DataDir roots the artifact store. Defaults to ~/.nexus.
	DataDir string
	// Timeout overrides the derived pipeline-global deadline.
	Timeout time.Duration
	// PoolSize bounds per-host SSH connections.
	PoolSize int
	Logger   hclog.Logger
	// Bus receives telemetry. A private bus is created when nil.
	Bus *telemetry.Bus
	// Output receives streamed command output for verbose display.
	Output func(host, tag string, chunk []byte)
}

// NewPipelineID mints the `<unix-timestamp>-<8-hex-chars>` run id that
// scopes artifacts and telemetry.
func NewPipelineID() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// DryRun reports the plan for a request without touching any host.
func DryRun(cfg *config.Config, requested []string) (*Plan, error) {
	sub, err := selectGraph(cfg, requested)
	if err != nil {
		return nil, err
	}
	return &Plan{TotalTasks: sub.Len(), Phases: sub.ExecutionPhases()}, nil
}

func buildGraph(cfg *config.Config) (*graph.Graph, error) {
	nodes := make([]graph.Node, 0, len(cfg.Tasks))
	for _, task := range cfg.Tasks {
		nodes = append(nodes, graph.Node{Name: task.Name, Deps: task.Deps})
	}
	return graph.Build(nodes)
}

func selectGraph(cfg *config.Config, requested []string) (*graph.Graph, error) {
	g, err := buildGraph(cfg)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		return g, nil
	}
	return g.SelectWithDeps(requested)
}

// runner carries the state of one execution. It is the single writer of
// the result accumulator; per-task goroutines communicate back through
// pre-sized slices.
type runner struct {
	cfg    *config.Config
	opts   Options
	logger hclog.Logger
	bus    *telemetry.Bus
	ownBus bool

	pipelineID string
	exec       *process.Executor
	store      *artifact.Store
	steps      *interp.StepRunner
	sema       util.Semaphore

	poolsMu sync.Mutex
	pools   map[string]*sshpool.Pool

	notifyMu sync.Mutex
	notified mapset.Set
}

// Run executes the requested tasks (all tasks when requested is empty)
// and returns the aggregate result. Config-level problems (unknown
// tasks, cycles) surface as an error with no Result.
func Run(ctx context.Context, cfg *config.Config, requested []string, opts Options) (*Result, error) {
	sub, err := selectGraph(cfg, requested)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("pipeline")

	bus := opts.Bus
	ownBus := false
	if bus == nil {
		bus = telemetry.NewBus()
		ownBus = true
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		if cfg.DataDir != "" {
			dataDir = cfg.DataDir
		} else {
			dataDir = config.DefaultDataDir()
		}
	}
	store, err := artifact.NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	if err := store.CleanupExpired(artifact.DefaultTTL); err != nil {
		logger.Warn("artifact ttl sweep failed", "err", err)
	}

	if opts.ParallelLimit <= 0 {
		opts.ParallelLimit = DefaultParallelLimit
	}

	r := &runner{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		bus:        bus,
		ownBus:     ownBus,
		pipelineID: NewPipelineID(),
		exec:       process.NewExecutor(logger.Named("exec")),
		store:      store,
		sema:       util.NewSemaphore(opts.ParallelLimit),
		pools:      map[string]*sshpool.Pool{},
		notified:   mapset.NewSet(),
	}
	r.steps = &interp.StepRunner{
		Logger:     logger.Named("step"),
		Bus:        bus,
		Facts:      facts.NewCache(),
		Store:      store,
		PipelineID: r.pipelineID,
		CheckMode:  opts.CheckMode,
		Output:     opts.Output,
	}
	if err := store.Init(r.pipelineID); err != nil {
		return nil, err
	}
	defer r.cleanup()

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = deriveTimeout(cfg, sub)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return r.execute(ctx, sub), nil
}

func (r *runner) execute(ctx context.Context, sub *graph.Graph) *Result {
	start := time.Now()
	phases := sub.ExecutionPhases()
	result := &Result{PipelineID: r.pipelineID, Status: StatusOK}

	r.bus.Emit("pipeline.start", map[string]interface{}{
		"pipeline_id": r.pipelineID,
		"tasks":       sub.Tasks(),
	})

	// unrunnable accumulates tasks that failed or were dependency-skipped
	// so later phases can propagate the skip transitively
	unrunnable := map[string]bool{}
	aborted := false

	for _, phase := range phases {
		type slot struct {
			task *config.Task
			res  TaskResult
			run  bool
		}
		slots := make([]slot, len(phase))

		for i, name := range phase {
			task, ok := r.cfg.TaskByName(name)
			if !ok {
				// cannot happen on a graph built from this config
				slots[i].res = TaskResult{Task: name, Status: TaskFailed, Reason: "task disappeared from config"}
				continue
			}
			slots[i].task = task

			blocked := false
			for _, dep := range sub.Deps(name) {
				if unrunnable[dep] {
					blocked = true
					break
				}
			}
			switch {
			case blocked:
				slots[i].res = TaskResult{Task: name, Status: TaskSkippedDependency, Reason: "dependency failed"}
			case aborted && !r.opts.ContinueOnError:
				slots[i].res = TaskResult{Task: name, Status: TaskNotRun, Reason: "pipeline aborted"}
			case ctx.Err() != nil:
				slots[i].res = TaskResult{Task: name, Status: TaskNotRun, Reason: "cancelled"}
			case !r.tagAllowed(task):
				slots[i].res = TaskResult{Task: name, Status: TaskSkipped, Reason: "tag filter"}
			default:
				slots[i].run = true
			}
		}

		var wg sync.WaitGroup
		for i := range slots {
			if !slots[i].run {
				continue
			}
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				// one permit per task for its entire duration, however
				// many hosts it spans
				r.sema.Acquire()
				defer r.sema.Release()
				slots[i].res = r.runTask(ctx, slots[i].task)
			}()
		}
		wg.Wait()

		for _, s := range slots {
			result.Tasks = append(result.Tasks, s.res)
			switch s.res.Status {
			case TaskOK, TaskSkipped:
				if s.res.Status == TaskOK {
					result.TasksRun++
					result.TasksSucceeded++
				}
			case TaskFailed:
				result.TasksRun++
				result.TasksFailed++
				unrunnable[s.res.Task] = true
				if !r.opts.ContinueOnError {
					if result.AbortedAt == "" {
						result.AbortedAt = s.res.Task
					}
					aborted = true
				}
			case TaskSkippedDependency:
				unrunnable[s.res.Task] = true
			}
		}
		if ctx.Err() != nil {
			aborted = true
		}
	}

	r.runHandlers(ctx, result)

	if result.TasksFailed > 0 || (aborted && ctx.Err() != nil) {
		result.Status = StatusError
	}
	if result.Status == StatusOK {
		// a clean run does not report an abort point
		result.AbortedAt = ""
	}
	result.Duration = time.Since(start)

	stop := map[string]interface{}{
		"pipeline_id": r.pipelineID,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Status != StatusOK {
		stop["error"] = string(result.Status)
	}
	r.bus.Emit("pipeline.stop", stop)

	return result
}

// runHandlers executes every handler notified by at least one changed
// resource, exactly once each, in declaration order.
func (r *runner) runHandlers(ctx context.Context, result *Result) {
	r.notifyMu.Lock()
	notified := r.notified.Clone()
	r.notifyMu.Unlock()
	if notified.Cardinality() == 0 {
		return
	}

	for _, handler := range r.cfg.Handlers {
		if !notified.Contains(handler.Name) {
			continue
		}
		res := r.runTask(ctx, handler)
		result.Tasks = append(result.Tasks, res)
		switch res.Status {
		case TaskOK:
			result.TasksRun++
			result.TasksSucceeded++
		case TaskFailed:
			result.TasksRun++
			result.TasksFailed++
		}
	}
}

func (r *runner) tagAllowed(task *config.Task) bool {
	taskTags := mapset.NewSet()
	for _, tag := range task.Tags {
		taskTags.Add(tag)
	}
	for _, tag := range r.opts.SkipTags {
		if taskTags.Contains(tag) {
			return false
		}
	}
	if len(r.opts.Tags) == 0 {
		return true
	}
	for _, tag := range r.opts.Tags {
		if taskTags.Contains(tag) {
			return true
		}
	}
	return false
}

// runTask fans one task out across its bound hosts per its strategy.
func (r *runner) runTask(ctx context.Context, task *config.Task) TaskResult {
	start := time.Now()
	finish := func(res TaskResult) TaskResult {
		res.Duration = time.Since(start)
		return res
	}

	hosts, local, err := r.cfg.ResolveTarget(task.On)
	if err != nil {
		return finish(TaskResult{Task: task.Name, Status: TaskFailed, Reason: err.Error()})
	}

	var hostResults []HostResult
	if local {
		hostResults = []HostResult{r.runOnLocal(ctx, task)}
	} else {
		hostResults = r.runOnHosts(ctx, task, hosts)
	}

	res := TaskResult{Task: task.Name, Hosts: hostResults}
	failed, ran := 0, 0
	for _, hr := range hostResults {
		switch hr.Status {
		case interp.StatusFailed:
			failed++
			ran++
		case interp.StatusOK:
			ran++
		}
	}
	switch {
	case failed > 0:
		res.Status = TaskFailed
		var merr *multierror.Error
		for _, hr := range hostResults {
			if hr.Err != nil {
				merr = multierror.Append(merr, errors.Wrap(hr.Err, hr.Host))
			}
		}
		if merr != nil {
			res.Reason = merr.Error()
		}
	case ran == 0:
		res.Status = TaskSkipped
		res.Reason = "skipped on every host"
	default:
		res.Status = TaskOK
	}

	if res.Status == TaskOK && !r.opts.CheckMode {
		if err := r.publishArtifacts(task); err != nil {
			res.Status = TaskFailed
			res.Reason = err.Error()
		}
	}
	return finish(res)
}

// runOnHosts applies the task's fan-out strategy.
func (r *runner) runOnHosts(ctx context.Context, task *config.Task, hosts []*config.Host) []HostResult {
	results := make([]HostResult, len(hosts))

	switch task.Strategy {
	case config.StrategySequential:
		for i, host := range hosts {
			if ctx.Err() != nil {
				results[i] = HostResult{Host: host.Name, Status: interp.StatusSkipped, Err: ctx.Err()}
				continue
			}
			results[i] = r.runOnHost(ctx, task, host)
			if results[i].Status == interp.StatusFailed && !r.opts.ContinueOnError {
				for j := i + 1; j < len(hosts); j++ {
					results[j] = HostResult{Host: hosts[j].Name, Status: interp.StatusSkipped}
				}
				break
			}
		}

	case config.StrategyRolling:
		batch := task.RollingBatch
		if batch <= 0 {
			batch = 1
		}
		halted := false
		for lo := 0; lo < len(hosts); lo += batch {
			hi := lo + batch
			if hi > len(hosts) {
				hi = len(hosts)
			}
			if halted || ctx.Err() != nil {
				for i := lo; i < hi; i++ {
					results[i] = HostResult{Host: hosts[i].Name, Status: interp.StatusSkipped}
				}
				continue
			}
			var eg errgroup.Group
			for i := lo; i < hi; i++ {
				i, host := i, hosts[i]
				eg.Go(func() error {
					results[i] = r.runOnHost(ctx, task, host)
					return nil
				})
			}
			_ = eg.Wait()
			for i := lo; i < hi; i++ {
				if results[i].Status == interp.StatusFailed {
					halted = true
				}
			}
		}

	default: // parallel
		var eg errgroup.Group
		for i, host := range hosts {
			i, host := i, host
			eg.Go(func() error {
				results[i] = r.runOnHost(ctx, task, host)
				return nil
			})
		}
		_ = eg.Wait()
	}

	return results
}

// runOnLocal executes the task's steps on the local machine.
func (r *runner) runOnLocal(ctx context.Context, task *config.Task) HostResult {
	return r.runSteps(ctx, task, interp.NewLocalEndpoint(r.exec))
}

// runOnHost checks a connection out of the host's pool for the duration
// of the task's steps on that host.
func (r *runner) runOnHost(ctx context.Context, task *config.Task, host *config.Host) HostResult {
	pool := r.poolFor(host)
	var hr HostResult
	err := pool.WithConnection(ctx, func(conn sshpool.Conn) error {
		remote, ok := conn.(interp.RemoteConn)
		if !ok {
			return errors.Errorf("pooled connection for %v has no exec surface", host.Name)
		}
		hr = r.runSteps(ctx, task, interp.NewSSHEndpoint(host.Name, remote))
		return nil
	})
	if err != nil {
		// acquisition failed: auth error, exhausted pool, cancellation
		return HostResult{Host: host.Name, Status: interp.StatusFailed, Err: err}
	}
	return hr
}

// runSteps is the per-(task, host) unit: strict program order, halting on
// the first failed step.
func (r *runner) runSteps(ctx context.Context, task *config.Task, ep Endpoint) HostResult {
	start := time.Now()
	host := ep.Host()
	hr := HostResult{Host: host, Status: interp.StatusOK}

	r.bus.Emit("task.start", map[string]interface{}{"task": task.Name, "host": host})
	defer func() {
		hr.Duration = time.Since(start)
		stop := map[string]interface{}{
			"task":        task.Name,
			"host":        host,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if hr.Err != nil {
			stop["error"] = hr.Err.Error()
		}
		r.bus.Emit("task.stop", stop)
	}()

	if task.When != nil {
		hostFacts, err := r.steps.FactsFor(ctx, ep)
		if err != nil {
			hr.Status = interp.StatusFailed
			hr.Err = errors.Wrap(err, "gathering facts")
			return hr
		}
		ok, err := condition.EvalBool(task.When, condition.Context{HostID: host, Facts: hostFacts.Map()})
		if err != nil {
			r.logger.Warn("task when: predicate failed to evaluate", "task", task.Name, "host", host, "err", err)
			hr.Status = interp.StatusSkipped
			return hr
		}
		if !ok {
			hr.Status = interp.StatusSkipped
			return hr
		}
	}

	for i := range task.Steps {
		if err := ctx.Err(); err != nil {
			hr.Status = interp.StatusFailed
			hr.Err = err
			return hr
		}
		res := r.steps.RunStep(ctx, task.Name, ep, &task.Steps[i])
		hr.Commands = append(hr.Commands, res)
		if res.Notify != "" && res.Changed {
			r.recordNotify(res.Notify)
		}
		if res.Status == interp.StatusFailed {
			hr.Status = interp.StatusFailed
			hr.Err = res.Err
			return hr
		}
	}
	return hr
}

func (r *runner) recordNotify(handler string) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.notified.Add(handler)
}

func (r *runner) publishArtifacts(task *config.Task) error {
	for _, decl := range task.Artifacts {
		if err := r.store.StoreFile(r.pipelineID, decl.Name, decl.Path); err != nil {
			return errors.Wrapf(err, "publishing artifact %v", decl.Name)
		}
	}
	return nil
}

func (r *runner) poolFor(host *config.Host) *sshpool.Pool {
	r.poolsMu.Lock()
	defer r.poolsMu.Unlock()
	if pool, ok := r.pools[host.Name]; ok {
		return pool
	}

	user := host.User
	if user == "" {
		user = r.opts.SSHUser
	}
	if user == "" {
		user = os.Getenv("USER")
	}
	identity := host.Identity
	if identity == "" {
		identity = r.opts.Identity
	}
	connOpts := sshconn.Options{
		User:         user,
		Port:         host.Port,
		IdentityFile: identity,
		Password:     host.Password,
		Logger:       r.logger.Named("ssh").With("host", host.Name),
	}
	hostname := host.Hostname

	pool := sshpool.New(host.Name, r.opts.PoolSize, func() (sshpool.Conn, error) {
		return sshconn.Connect(hostname, connOpts)
	}, r.logger)
	r.pools[host.Name] = pool
	return pool
}

func (r *runner) cleanup() {
	r.poolsMu.Lock()
	pools := r.pools
	r.pools = map[string]*sshpool.Pool{}
	r.poolsMu.Unlock()
	for _, pool := range pools {
		pool.Close()
	}
	r.exec.Close()
	if r.ownBus {
		r.bus.Close()
	}
}

// deriveTimeout estimates the pipeline-global deadline when the operator
// did not set one: the sum over phases of the slowest task's summed step
// timeouts, plus 10% slack.
func deriveTimeout(cfg *config.Config, sub *graph.Graph) time.Duration {
	var total time.Duration
	for _, phase := range sub.ExecutionPhases() {
		var slowest time.Duration
		for _, name := range phase {
			task, ok := cfg.TaskByName(name)
			if !ok {
				continue
			}
			var est time.Duration
			for i := range task.Steps {
				est += stepTimeout(&task.Steps[i])
			}
			if est > slowest {
				slowest = est
			}
		}
		total += slowest
	}
	if total == 0 {
		total = defaultStepTimeout
	}
	return total + total/10
}

func stepTimeout(step *config.Step) time.Duration {
	switch step.Kind {
	case config.StepShell:
		if d := step.Shell.Timeout.Std(); d > 0 {
			return d
		}
	case config.StepWaitFor:
		if d := step.WaitFor.Timeout.Std(); d > 0 {
			return d
		}
		return defaultWaitTimeout()
	}
	return defaultStepTimeout
}

func defaultWaitTimeout() time.Duration {
	return 60 * time.Second
}

// Endpoint is an alias of interp.Endpoint, the execution target that
// runSteps drives.
type Endpoint = interp.Endpoint
