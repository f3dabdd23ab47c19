package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/desklaunch/internal/history/opensearch"
	"github.com/loykin/desklaunch/internal/history/sqlite"
)

func TestParseDSN(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		want        Target
		expectError bool
	}{
		{"Empty DSN", "", Target{}, true},
		{"Invalid scheme", "invalid://test", Target{}, true},
		{"ClickHouse with table", "clickhouse://ch:9000?table=events", Target{KindClickHouse, "ch:9000", "events"}, false},
		{"ClickHouse defaults", "clickhouse://", Target{KindClickHouse, DefaultClickHouseAddr, DefaultClickHouseTable}, false},
		{"OpenSearch with index", "opensearch://localhost:9200/logs", Target{KindOpenSearch, "http://localhost:9200", "logs"}, false},
		{"OpenSearch tls default index", "opensearch://os:9200?tls=true", Target{KindOpenSearch, "https://os:9200", DefaultOpenSearchIndex}, false},
		{"Elasticsearch alias", "elasticsearch://es:9200/ev", Target{KindOpenSearch, "http://es:9200", "ev"}, false},
		{"OpenSearch without host", "opensearch:///idx", Target{}, true},
		{"PostgreSQL", "postgres://u:p@db:5432/x?sslmode=disable", Target{KindPostgres, "postgres://u:p@db:5432/x?sslmode=disable", ""}, false},
		{"PostgreSQL alt", "postgresql://u@db/x", Target{KindPostgres, "postgresql://u@db/x", ""}, false},
		{"SQLite explicit", "sqlite:///tmp/h.db", Target{KindSQLite, "sqlite:///tmp/h.db", ""}, false},
		{"SQLite bare path", "/tmp/h.db", Target{KindSQLite, "/tmp/h.db", ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got %+v", tt.dsn, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if got != tt.want {
				t.Errorf("ParseDSN(%q) = %+v, want %+v", tt.dsn, got, tt.want)
			}
		})
	}
}

func TestNewSinkFromDSNLocalBackends(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://" + filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if _, ok := s.(*sqlite.Sink); !ok {
		t.Fatalf("expected sqlite sink, got %T", s)
	}
	_ = s.(*sqlite.Sink).Close()

	s, err = NewSinkFromDSN("opensearch://localhost:9200/idx")
	if err != nil {
		t.Fatalf("opensearch: %v", err)
	}
	if _, ok := s.(*opensearch.Sink); !ok {
		t.Fatalf("expected opensearch sink, got %T", s)
	}
}

func TestNewSinksClosesOnFailure(t *testing.T) {
	_, err := NewSinks([]string{"sqlite://:memory:", "invalid://x"})
	if err == nil {
		t.Fatalf("expected error for unsupported DSN")
	}
	sinks, err := NewSinks([]string{":memory:"})
	if err != nil || len(sinks) != 1 {
		t.Fatalf("NewSinks: %v %d", err, len(sinks))
	}
	_ = sinks[0].(*sqlite.Sink).Close()
}
