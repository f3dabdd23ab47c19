//go:build windows

package process

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

const scriptPattern = "run_hidden-*.vbs"

// renderLaunchScript produces a VBScript that runs the backend with window
// style 0 (hidden) and does not wait for it.
func renderLaunchScript(spec Spec) string {
	cmdLine := `Chr(34) & ` + vbsQuote(spec.Executable) + ` & Chr(34)`
	for _, a := range spec.Args {
		cmdLine += ` & " " & Chr(34) & ` + vbsQuote(a) + ` & Chr(34)`
	}
	var b strings.Builder
	b.WriteString("Set WshShell = CreateObject(\"WScript.Shell\")\r\n")
	if spec.WorkDir != "" {
		b.WriteString("WshShell.CurrentDirectory = " + vbsQuote(spec.WorkDir) + "\r\n")
	}
	b.WriteString("WshShell.Run " + cmdLine + ", 0, False\r\n")
	b.WriteString("Set WshShell = Nothing\r\n")
	return b.String()
}

// vbsQuote returns a VBScript string literal; quotes are doubled.
func vbsQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func writeLaunchScript(dir string, spec Spec) (string, error) {
	return writeTemp(dir, scriptPattern, renderLaunchScript(spec))
}

// scriptCommand runs the script with the console script host, synchronously.
func scriptCommand(ctx context.Context, path string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cscript", "//Nologo", path)
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
