package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/desklaunch/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "launcher-history")
	event := history.Event{
		ID:         "0b7e6c1e-4a57-4a7f-9c1f-5f0a2d3c4b5a",
		Session:    "s1",
		Type:       history.EventRestarted,
		OccurredAt: time.Now().UTC(),
		Image:      "backend",
		Attempt:    2,
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if receivedURL != "/launcher-history/_doc/"+event.ID {
		t.Errorf("Unexpected URL path: %s", receivedURL)
	}
	var got history.Event
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if got.Type != history.EventRestarted || got.Attempt != 2 {
		t.Errorf("unexpected body: %+v", got)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()
	if err := New(server.URL, "idx").Send(context.Background(), history.Event{ID: "x"}); err == nil {
		t.Fatalf("expected error on 400")
	}
}
