package env

import (
	"strings"
	"testing"
)

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "NOEQ", "=nokey", "A=2", "B="})
	if len(m) != 2 || m["A"] != "2" || m["B"] != "" {
		t.Fatalf("unexpected map: %v", m)
	}
}

func TestLayersOverrideAndExpand(t *testing.T) {
	e := New()
	e.base = Var{"HOME": "/home/u", "PORT": "80"}
	e.Layer([]string{"PORT=5000", "DATA=${HOME}/data"}).Layer([]string{"URL=http://127.0.0.1:${PORT}", "KEEP=${MISSING}"})

	got := strings.Join(e.Environ(), ";")
	want := "DATA=/home/u/data;HOME=/home/u;KEEP=${MISSING};PORT=5000;URL=http://127.0.0.1:5000"
	if got != want {
		t.Fatalf("environ = %s, want %s", got, want)
	}
}

func TestBaseValuesAreNotExpanded(t *testing.T) {
	e := New()
	e.base = Var{"PS1": "${USER}$ ", "USER": "u"}
	for _, kv := range e.Environ() {
		if strings.HasPrefix(kv, "PS1=") && kv != "PS1=${USER}$ " {
			t.Fatalf("base value rewritten: %q", kv)
		}
	}
}

func TestFromOSIncludesProcessEnv(t *testing.T) {
	t.Setenv("DESKLAUNCH_ENV_TEST", "yes")
	found := false
	for _, kv := range FromOS().Environ() {
		if kv == "DESKLAUNCH_ENV_TEST=yes" {
			found = true
		}
	}
	if !found {
		t.Fatalf("process environment not included")
	}
}
