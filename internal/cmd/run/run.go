// Package run implements `nexus run`, the default command: execute the
// requested tasks and their dependencies as a phased pipeline.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nexusrun/nexus/internal/cmdutil"
	"github.com/nexusrun/nexus/internal/logstreamer"
	"github.com/nexusrun/nexus/internal/pipeline"
	"github.com/nexusrun/nexus/internal/signals"
	"github.com/nexusrun/nexus/internal/telemetry"
	"github.com/nexusrun/nexus/internal/ui"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type runOpts struct {
	dryRun          bool
	check           bool
	continueOnError bool
	parallelLimit   int
	identity        string
	user            string
	tags            []string
	skipTags        []string
}

// GetCmd returns the run subcommand.
func GetCmd(helper *cmdutil.Helper, signalWatcher *signals.Watcher) *cobra.Command {
	opts := &runOpts{}
	cmd := &cobra.Command{
		Use:           "run <task>...",
		Short:         "Execute tasks and their dependencies",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}
			return runRun(base, signalWatcher, args, opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.dryRun, "dry-run", "n", false, "Print the plan without executing anything")
	flags.BoolVar(&opts.check, "check", false, "Check mode: report what resources would change, apply nothing")
	flags.BoolVar(&opts.continueOnError, "continue-on-error", false, "Keep running independent tasks after a failure")
	flags.IntVarP(&opts.parallelLimit, "parallel-limit", "p", 0, "Maximum concurrently-running tasks")
	flags.StringVarP(&opts.identity, "identity", "i", "", "Default SSH identity file")
	flags.StringVarP(&opts.user, "user", "u", "", "Default SSH user")
	flags.StringSliceVar(&opts.tags, "tags", nil, "Only run tasks with one of these tags")
	flags.StringSliceVar(&opts.skipTags, "skip-tags", nil, "Skip tasks with one of these tags")
	return cmd
}

func runRun(base *cmdutil.CmdBase, signalWatcher *signals.Watcher, requested []string, opts *runOpts) error {
	cfg, err := base.LoadConfig()
	if err != nil {
		base.LogError("%v", err)
		return err
	}

	if opts.dryRun {
		plan, err := pipeline.DryRun(cfg, requested)
		if err != nil {
			base.LogError("%v", err)
			return err
		}
		return printPlan(base, plan)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalWatcher.AddOnClose(cancel)

	bus := telemetry.NewBus()
	defer bus.Close()
	if base.Format == "text" && !base.Quiet {
		attachStatusSink(base, bus)
	}

	parallelLimit := opts.parallelLimit
	if parallelLimit <= 0 {
		parallelLimit = base.Defaults.ParallelLimit
	}
	user := opts.user
	if user == "" {
		user = base.Defaults.SSHUser
	}
	identity := opts.identity
	if identity == "" {
		identity = base.Defaults.Identity
	}

	popts := pipeline.Options{
		CheckMode:       opts.check,
		Tags:            opts.tags,
		SkipTags:        opts.skipTags,
		ParallelLimit:   parallelLimit,
		ContinueOnError: opts.continueOnError,
		SSHUser:         user,
		Identity:        identity,
		DataDir:         base.Defaults.DataDir,
		Logger:          base.Logger,
		Bus:             bus,
	}
	if base.Verbose && base.Format == "text" {
		popts.Output = streamOutput(base)
	}

	result, err := pipeline.Run(ctx, cfg, requested, popts)
	if err != nil {
		base.LogError("%v", err)
		return err
	}

	if base.Format == "json" {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		base.UI.Output(string(data))
	} else {
		printSummary(base, result)
	}

	if result.Status != pipeline.StatusOK {
		return errors.New("pipeline failed")
	}
	return nil
}

func printPlan(base *cmdutil.CmdBase, plan *pipeline.Plan) error {
	if base.Format == "json" {
		data, err := json.Marshal(map[string]interface{}{
			"total_tasks": plan.TotalTasks,
			"phases":      plan.Phases,
		})
		if err != nil {
			return err
		}
		base.UI.Output(string(data))
		return nil
	}
	base.UI.Output(fmt.Sprintf("%d task(s) in %d phase(s):", plan.TotalTasks, len(plan.Phases)))
	for i, phase := range plan.Phases {
		base.UI.Output(fmt.Sprintf("  phase %d: %s", i+1, strings.Join(phase, ", ")))
	}
	return nil
}

// attachStatusSink prints a live status line as each (task, host) pair
// finishes.
func attachStatusSink(base *cmdutil.CmdBase, bus *telemetry.Bus) {
	_ = bus.Attach("cli-status", []string{"task.stop"}, func(ev telemetry.Event) {
		task, _ := ev.Payload["task"].(string)
		host, _ := ev.Payload["host"].(string)
		if errMsg, ok := ev.Payload["error"].(string); ok && errMsg != "" {
			base.UI.Output(fmt.Sprintf("%s  %s on %s: %s", ui.Fail("failed"), ui.Bold(task), host, errMsg))
			return
		}
		base.UI.Output(fmt.Sprintf("%s      %s on %s", ui.Ok("ok"), ui.Bold(task), host))
	}, telemetry.SinkOpts{})
}

// streamOutput forwards command output chunks line-by-line, prefixed with
// the host they came from.
func streamOutput(base *cmdutil.CmdBase) func(host, tag string, chunk []byte) {
	var mu sync.Mutex
	streamers := map[string]*logstreamer.Logstreamer{}
	writer := log.New(&uiWriter{base: base}, "", 0)
	// chunks arrive concurrently from every streaming host
	return func(host, tag string, chunk []byte) {
		mu.Lock()
		defer mu.Unlock()
		key := host + "/" + tag
		streamer, ok := streamers[key]
		if !ok {
			streamer = logstreamer.NewLogstreamer(writer, ui.Dim(host)+" ", false)
			streamers[key] = streamer
		}
		_, _ = streamer.Write(chunk)
	}
}

type uiWriter struct {
	base *cmdutil.CmdBase
}

func (w *uiWriter) Write(p []byte) (int, error) {
	w.base.UI.Output(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func printSummary(base *cmdutil.CmdBase, result *pipeline.Result) {
	base.UI.Output("")
	for _, tr := range result.Tasks {
		switch tr.Status {
		case pipeline.TaskOK:
			base.UI.Output(fmt.Sprintf("  %s %s (%s)", ui.Ok("ok"), tr.Task, tr.Duration.Round(time.Millisecond)))
		case pipeline.TaskFailed:
			base.UI.Output(fmt.Sprintf("  %s %s: %s", ui.Fail("failed"), tr.Task, tr.Reason))
		case pipeline.TaskSkippedDependency:
			base.UI.Output(fmt.Sprintf("  %s %s (dependency failed)", ui.Warn("skipped"), tr.Task))
		case pipeline.TaskNotRun:
			base.UI.Output(fmt.Sprintf("  %s %s", ui.Dim("not-run"), tr.Task))
		default:
			base.UI.Output(fmt.Sprintf("  %s %s (%s)", ui.Warn("skipped"), tr.Task, tr.Reason))
		}
	}
	base.UI.Output("")
	totals := fmt.Sprintf("%d run, %d succeeded, %d failed in %s",
		result.TasksRun, result.TasksSucceeded, result.TasksFailed, result.Duration.Round(time.Millisecond))
	if result.AbortedAt != "" {
		totals += fmt.Sprintf(" (aborted at %s)", result.AbortedAt)
	}
	if result.Status == pipeline.StatusOK {
		base.UI.Output(ui.Ok(totals))
	} else {
		base.UI.Error(ui.Fail(totals))
	}
}

