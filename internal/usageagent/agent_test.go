package usageagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	language "github.com/graphqlhive/agent-go/internal/language"
)

const testSDL = `
	type Query {
		project(id: ID!): Project
	}
	type Project {
		id: ID!
		name: String!
	}
`

func mustLoadSchema(t *testing.T) *language.Schema {
	t.Helper()
	schema, err := language.LoadSchema("test.graphql", testSDL)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	return schema
}

func TestFlush_SendsBufferedExecutions(t *testing.T) {
	var received atomic.Int32
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var report Report
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			t.Errorf("decode report: %v", err)
		}
		received.Store(int32(report.Size))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := New(mustLoadSchema(t), "test-token", srv.URL, WithBufferSize(1000), WithFlushInterval(time.Hour))
	defer agent.Close(context.Background())

	agent.Add(ExecutionRecord{
		OperationBody: `{ project(id: "1") { id name } }`,
		OperationName: "GetProject",
		OK:            true,
		Duration:      10 * time.Millisecond,
	})

	agent.flush(context.Background(), "test")

	if received.Load() != 1 {
		t.Fatalf("expected 1 reported operation, got %d", received.Load())
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("expected bearer token header, got %q", gotAuth)
	}
}

func TestFlush_SizeTriggerFires(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	agent := New(mustLoadSchema(t), "tok", srv.URL, WithBufferSize(1), WithFlushInterval(time.Hour))
	defer agent.Close(context.Background())

	agent.Add(ExecutionRecord{OperationBody: `{ project(id: "1") { id } }`, OK: true})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("expected a size-triggered flush to transmit a report")
	}
}

func TestFlush_FatalStatusIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	agent := New(mustLoadSchema(t), "tok", srv.URL, WithBufferSize(1000), WithFlushInterval(time.Hour))
	defer agent.Close(context.Background())

	agent.Add(ExecutionRecord{OperationBody: `{ project(id: "1") { id } }`, OK: true})
	agent.flush(context.Background(), "test")

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 attempt for a fatal status, got %d", calls.Load())
	}
}

func TestFlush_UnclassifiedStatusCarriesBodyInError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	agent := New(mustLoadSchema(t), "tok", srv.URL, WithBufferSize(1000), WithFlushInterval(time.Hour))
	defer agent.Close(context.Background())

	body, err := json.Marshal(Report{Size: 0, Map: map[string]OperationMapRecord{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	err = agent.transmitOnce(context.Background(), body, 1, 0)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected a *TransportError, got %v", err)
	}
	if transportErr.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", transportErr.Status)
	}
	if transportErr.Body != "upstream exploded" {
		t.Errorf("expected body %q, got %q", "upstream exploded", transportErr.Body)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls.Load())
	}
}

func TestFlush_EmptyBufferDoesNotTransmit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	agent := New(mustLoadSchema(t), "tok", srv.URL, WithFlushInterval(time.Hour))
	defer agent.Close(context.Background())

	agent.flush(context.Background(), "test")

	if calls.Load() != 0 {
		t.Fatalf("expected no request for an empty buffer, got %d calls", calls.Load())
	}
}
