// Package env composes the environment handed to the backend process.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers KEY=VALUE lists on top of a base environment.
type Env struct {
	base Var
	vars Var
}

// New starts from an empty base.
func New() *Env {
	return &Env{base: make(Var), vars: make(Var)}
}

// FromOS starts from the launcher's own environment.
func FromOS() *Env {
	e := New()
	e.base = Parse(os.Environ())
	return e
}

// Parse turns KEY=VALUE entries into a map. Later entries win; entries
// without '=' or with an empty key are skipped.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Layer applies pairs over everything set so far.
func (e *Env) Layer(pairs []string) *Env {
	for k, v := range Parse(pairs) {
		e.vars[k] = v
	}
	return e
}

// Environ returns the sorted environment. ${VAR} references in layered
// values are expanded once against the composed map; unknown references are
// left as they are.
func (e *Env) Environ() []string {
	m := make(Var, len(e.base)+len(e.vars))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if _, layered := e.vars[k]; layered {
			v = expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}
