package check

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/briandowns/spinner"
	"github.com/nexusrun/nexus/internal/cmdutil"
	"github.com/nexusrun/nexus/internal/config"
	"github.com/nexusrun/nexus/internal/sshconn"
	"github.com/nexusrun/nexus/internal/ui"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type preflightOpts struct {
	identity string
	user     string
	timeout  time.Duration
}

// PreflightCmd returns the preflight subcommand: config checks plus TCP
// reachability and SSH authentication against every referenced host.
func PreflightCmd(helper *cmdutil.Helper) *cobra.Command {
	opts := &preflightOpts{}
	cmd := &cobra.Command{
		Use:           "preflight [task]...",
		Short:         "Check config, host reachability and SSH auth before a run",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := helper.GetCmdBase(cmd.Flags())
			if err != nil {
				return err
			}
			return runPreflight(base, args, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.identity, "identity", "i", "", "Default SSH identity file")
	flags.StringVarP(&opts.user, "user", "u", "", "Default SSH user")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Per-host connect timeout")
	return cmd
}

func runPreflight(base *cmdutil.CmdBase, requested []string, opts *preflightOpts) error {
	cfg, err := base.LoadConfig()
	if err != nil {
		base.LogError("%v", err)
		return err
	}

	// every requested task must exist
	for _, name := range requested {
		if _, ok := cfg.TaskByName(name); !ok {
			base.LogError("unknown task %q", name)
			return errors.Errorf("unknown task %q", name)
		}
	}

	hosts := hostsInScope(cfg, requested)
	failures := 0
	for _, host := range hosts {
		var spin *spinner.Spinner
		if ui.IsTTY && !base.Quiet {
			spin = spinner.New(spinner.CharSets[14], 80*time.Millisecond)
			spin.Suffix = fmt.Sprintf(" checking %s", host.Name)
			spin.Start()
		}
		err := checkHost(base, host, opts)
		if spin != nil {
			spin.Stop()
		}
		if err != nil {
			failures++
			base.UI.Error(fmt.Sprintf("  %s %s: %v", ui.Fail("fail"), host.Name, err))
		} else if !base.Quiet {
			base.UI.Output(fmt.Sprintf("  %s   %s (%s@%s:%d)", ui.Ok("ok"), host.Name, connUser(host, opts), host.Hostname, host.Port))
		}
	}

	if failures > 0 {
		return errors.Errorf("%d host(s) failed preflight", failures)
	}
	if !base.Quiet {
		base.UI.Output(ui.Ok(fmt.Sprintf("preflight passed: %d host(s)", len(hosts))))
	}
	return nil
}

// hostsInScope resolves which hosts the requested tasks (or the whole
// config) would touch.
func hostsInScope(cfg *config.Config, requested []string) []*config.Host {
	tasks := cfg.Tasks
	if len(requested) > 0 {
		tasks = nil
		for _, name := range requested {
			if task, ok := cfg.TaskByName(name); ok {
				tasks = append(tasks, task)
			}
		}
	}
	seen := map[string]bool{}
	var hosts []*config.Host
	for _, task := range tasks {
		resolved, local, err := cfg.ResolveTarget(task.On)
		if err != nil || local {
			continue
		}
		for _, host := range resolved {
			if !seen[host.Name] {
				seen[host.Name] = true
				hosts = append(hosts, host)
			}
		}
	}
	return hosts
}

func connUser(host *config.Host, opts *preflightOpts) string {
	if host.User != "" {
		return host.User
	}
	return opts.user
}

// checkHost runs the two probes: raw TCP reach, then an authenticated
// SSH no-op.
func checkHost(base *cmdutil.CmdBase, host *config.Host, opts *preflightOpts) error {
	addr := net.JoinHostPort(host.Hostname, fmt.Sprintf("%d", host.Port))
	tcp, err := net.DialTimeout("tcp", addr, opts.timeout)
	if err != nil {
		return errors.Wrap(err, "tcp")
	}
	_ = tcp.Close()

	identity := host.Identity
	if identity == "" {
		identity = opts.identity
	}
	if identity == "" {
		identity = base.Defaults.Identity
	}
	user := connUser(host, opts)
	if user == "" {
		user = base.Defaults.SSHUser
	}

	conn, err := sshconn.Connect(host.Hostname, sshconn.Options{
		User:           user,
		Port:           host.Port,
		IdentityFile:   identity,
		Password:       host.Password,
		ConnectTimeout: opts.timeout,
		Logger:         base.Logger,
	})
	if err != nil {
		return errors.Wrap(err, "ssh")
	}
	defer func() { _ = conn.Close() }()

	if !conn.Alive(context.Background()) {
		return errors.New("ssh session probe failed")
	}
	return nil
}
