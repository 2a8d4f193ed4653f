package sshconn

import "strings"

// Quote single-quotes s for safe interpolation into a remote shell
// command, turning embedded single quotes into the '\'' dance. Every
// user-supplied string and every path crossing into a remote command
// line goes through here - never bare interpolation.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
