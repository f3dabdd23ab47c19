//go:build !windows

package process

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

const scriptPattern = "run_hidden-*.sh"

// renderLaunchScript produces a POSIX sh script that starts the backend in the
// background, detached from the launcher's stdio, and exits immediately.
func renderLaunchScript(spec Spec) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if spec.WorkDir != "" {
		b.WriteString("cd " + shellQuote(spec.WorkDir) + " || exit 1\n")
	}
	b.WriteString("nohup " + shellQuote(spec.Executable))
	for _, a := range spec.Args {
		b.WriteString(" " + shellQuote(a))
	}
	b.WriteString(" </dev/null >/dev/null 2>&1 &\n")
	return b.String()
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writeLaunchScript(dir string, spec Spec) (string, error) {
	return writeTemp(dir, scriptPattern, renderLaunchScript(spec))
}

// scriptCommand runs the script synchronously; the shell exits as soon as the
// backend has been forked.
func scriptCommand(ctx context.Context, path string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", path)
}

func writeTemp(dir, pattern, content string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
