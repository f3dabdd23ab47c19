package startup

import (
	"errors"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/valyala/bytebufferpool"

	"github.com/loykin/desklaunch/internal/process"
	"github.com/loykin/desklaunch/internal/static"
	"github.com/loykin/desklaunch/internal/supervisor"
)

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.App}} - Error</title>
<style>
body { font-family: Arial, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background-color: #f5f5f5; color: #333; }
.error-container { text-align: center; padding: 30px; background-color: white; border-radius: 8px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); max-width: 80%; }
h1 { color: #e74c3c; }
.error-message { margin: 20px 0; padding: 15px; background-color: #f8d7da; border: 1px solid #f5c6cb; border-radius: 4px; color: #721c24; text-align: left; overflow-wrap: break-word; }
.detail { font-family: monospace; font-size: 12px; color: #666; text-align: left; white-space: pre-wrap; }
.help-text { margin-top: 20px; font-size: 14px; color: #666; text-align: left; }
</style>
</head>
<body>
<div class="error-container">
<h1>{{.App}} failed to start</h1>
<div class="error-message">{{.Message}}</div>
{{if .Detail}}<div class="detail">{{.Detail}}</div>{{end}}
{{if .Hints}}<div class="help-text"><p>Please check:</p><ul>{{range .Hints}}<li>{{.}}</li>{{end}}</ul></div>{{end}}
</div>
</body>
</html>
`))

// PageData feeds the fallback error page.
type PageData struct {
	App     string
	Message string
	Detail  string
	Hints   []string
}

// Describe turns a fatal startup error into user-facing text.
func Describe(app string, err error) PageData {
	d := PageData{App: app}
	if err != nil {
		d.Detail = err.Error()
	}
	var se *process.SpawnError
	var be *static.ServerBindError
	switch {
	case errors.Is(err, ErrFrontendMissing):
		d.Message = "The application's interface files could not be found."
		d.Hints = []string{
			"the frontend has been built into one of the expected directories",
			"the directory contains an index.html file",
		}
	case errors.As(err, &se) && se.Kind == process.NotFound:
		d.Message = "The backend program could not be found."
		d.Hints = []string{"the installation is complete: " + se.Path}
	case errors.As(err, &se):
		d.Message = "The backend program could not be started."
		d.Hints = []string{"security software is not blocking " + filepath.Base(se.Path)}
	case errors.Is(err, supervisor.ErrProbeTimeout):
		d.Message = "The backend service did not respond in time."
		d.Hints = []string{
			"no other program is using the backend port",
			"the backend log files for errors",
		}
	case errors.As(err, &be):
		d.Message = "The local web server could not be started."
		d.Hints = []string{"no firewall rule prevents listening on " + be.Addr}
	default:
		d.Message = "An unexpected error occurred during startup."
	}
	return d
}

// FileName reduces an application name to a lowercase file name: letters,
// digits, '.', '_' and '-' are kept, everything else becomes '-'.
func FileName(app string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '_', r == '-':
			return unicode.ToLower(r)
		default:
			return '-'
		}
	}, strings.TrimSpace(app))
	name = strings.Trim(name, ".-")
	if name == "" {
		return "launcher"
	}
	return name
}

// ErrorPagePath is where the fallback page for app is written.
func ErrorPagePath(dir, app string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, FileName(app)+"-error.html")
}

// WriteErrorPage renders d and writes it to path, creating the directory.
func WriteErrorPage(path string, d PageData) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := errorPage.Execute(buf, d); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, buf.B, 0o600)
}
