package facts

import (
	"context"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Runner executes one discovery command on a host and returns its merged
// output and exit code. Both the local executor and an SSH connection
// satisfy this shape through thin adapters in the interpreter.
type Runner interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) ([]byte, int, error)
}

const gatherTimeout = 15 * time.Second

// Gather runs the fixed discovery script against a remote host. Individual
// command failures degrade to default values; Gather itself only fails
// when the transport does.
func Gather(ctx context.Context, runner Runner) (Facts, error) {
	f := Facts{
		OS:            "unknown",
		OSFamily:      "unknown",
		OSVersion:     "unknown",
		Hostname:      "unknown",
		FQDN:          "unknown",
		Arch:          "unknown",
		KernelVersion: "unknown",
		User:          "unknown",
	}

	run := func(cmd string) (string, bool) {
		out, code, err := runner.Run(ctx, cmd, gatherTimeout)
		if err != nil || code != 0 {
			return "", false
		}
		return strings.TrimSpace(string(out)), true
	}

	if out, ok := run("uname -s"); ok {
		f.OS = strings.ToLower(out)
	}
	if out, ok := run("uname -m"); ok {
		f.Arch = out
	}
	if out, ok := run("uname -r"); ok {
		f.KernelVersion = out
	}
	if out, ok := run("hostname"); ok {
		f.Hostname = out
	}
	if out, ok := run("hostname -f 2>/dev/null || hostname"); ok {
		f.FQDN = out
	}
	if out, ok := run("id -un"); ok {
		f.User = out
	}

	if out, ok := run("cat /etc/os-release 2>/dev/null"); ok && out != "" {
		fields := ParseOSRelease(out)
		f.OSFamily = FamilyFromOSRelease(out)
		if v := fields["VERSION_ID"]; v != "" {
			f.OSVersion = v
		}
	} else if f.OS == "darwin" {
		f.OSFamily = "darwin"
		if out, ok := run("sw_vers -productVersion"); ok {
			f.OSVersion = out
		}
	}

	if out, ok := run("nproc 2>/dev/null || sysctl -n hw.ncpu"); ok {
		if n, err := strconv.Atoi(out); err == nil {
			f.CPUCount = n
		}
	}
	if out, ok := run("grep MemTotal /proc/meminfo 2>/dev/null || sysctl -n hw.memsize"); ok {
		f.MemoryMB = parseMemoryMB(out)
	}

	return f, nil
}

// GatherLocal reads local OS state. It never fails; undiscoverable fields
// keep their defaults.
func GatherLocal() Facts {
	f := Facts{
		OS:            runtime.GOOS,
		OSFamily:      "unknown",
		OSVersion:     "unknown",
		Hostname:      "unknown",
		FQDN:          "unknown",
		CPUCount:      runtime.NumCPU(),
		Arch:          runtime.GOARCH,
		KernelVersion: "unknown",
		User:          "unknown",
	}

	if hostname, err := os.Hostname(); err == nil {
		f.Hostname = hostname
		f.FQDN = hostname
	}
	if u, err := user.Current(); err == nil {
		f.User = u.Username
	}

	switch runtime.GOOS {
	case "darwin":
		f.OSFamily = "darwin"
	case "windows":
		f.OSFamily = "windows"
	case "linux":
		if content, err := os.ReadFile("/etc/os-release"); err == nil {
			f.OSFamily = FamilyFromOSRelease(string(content))
			if v := ParseOSRelease(string(content))["VERSION_ID"]; v != "" {
				f.OSVersion = v
			}
		}
		if content, err := os.ReadFile("/proc/meminfo"); err == nil {
			for _, line := range strings.Split(string(content), "\n") {
				if strings.HasPrefix(line, "MemTotal:") {
					f.MemoryMB = parseMemoryMB(line)
					break
				}
			}
		}
		if content, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
			f.KernelVersion = strings.TrimSpace(string(content))
		}
	}

	return f
}

// parseMemoryMB accepts either a /proc/meminfo MemTotal line (kB) or a
// plain byte count (darwin hw.memsize).
func parseMemoryMB(s string) int {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "MemTotal:") {
		fields := strings.Fields(s)
		if len(fields) >= 2 {
			if kb, err := strconv.Atoi(fields[1]); err == nil {
				return kb / 1024
			}
		}
		return 0
	}
	if b, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(b / (1024 * 1024))
	}
	return 0
}
