// Package shell builds POSIX shell command lines from argument vectors.
//
// Arguments made only of characters the shell never interprets are emitted
// bare; everything else is wrapped in single quotes, with each embedded
// single quote closed, backslash-escaped and reopened. The output is stable
// for identical input so rendered commands and scripts can be diffed across
// deployments.
package shell

import "strings"

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes each argument and joins them with single spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Pipeline joins already-quoted commands with " | ".
func Pipeline(cmds ...string) string {
	return strings.Join(cmds, " | ")
}

// And joins already-quoted commands with " && ".
func And(cmds ...string) string {
	return strings.Join(cmds, " && ")
}

func isSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:=@,+%", r):
		default:
			return false
		}
	}
	return true
}
