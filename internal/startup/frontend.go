package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCandidates are searched, in order, below the application directory.
var DefaultCandidates = []string{"autoreply/dist", "dist", "autoreply", "."}

// ErrFrontendMissing means no candidate directory holds the index document.
var ErrFrontendMissing = errors.New("frontend not found")

// FrontendMissingError lists the directories that were searched.
type FrontendMissingError struct {
	Index    string
	Searched []string
}

func (e *FrontendMissingError) Error() string {
	return fmt.Sprintf("%v: no %s in %s", ErrFrontendMissing, e.Index, strings.Join(e.Searched, ", "))
}

func (e *FrontendMissingError) Is(target error) bool { return target == ErrFrontendMissing }

// ResolveFrontend returns the first candidate directory (relative ones are
// joined to appDir) that contains a regular index file.
func ResolveFrontend(appDir string, candidates []string, index string, log *slog.Logger) (string, error) {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	if index == "" {
		index = "index.html"
	}
	if log == nil {
		log = slog.Default()
	}
	searched := make([]string, 0, len(candidates))
	for _, c := range candidates {
		dir := c
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(appDir, c)
		}
		dir = filepath.Clean(dir)
		searched = append(searched, dir)
		fi, err := os.Stat(filepath.Join(dir, index))
		if err != nil || fi.IsDir() {
			log.Debug("frontend candidate rejected", "dir", dir)
			continue
		}
		log.Info("frontend resolved", "root", dir)
		logAssets(dir, log)
		return dir, nil
	}
	return "", &FrontendMissingError{Index: index, Searched: searched}
}

// logAssets lists top-level scripts and stylesheets at debug level, which
// helps diagnose half-built frontends.
func logAssets(dir string, log *slog.Logger) {
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, pattern := range []string{"*.js", "*.css", "assets/*.js", "assets/*.css"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		for _, m := range matches {
			rel, _ := filepath.Rel(dir, m)
			log.Debug("frontend asset", "file", filepath.ToSlash(rel))
		}
	}
}
