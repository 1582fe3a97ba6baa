package hook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	language "github.com/graphqlhive/agent-go/internal/language"
	"github.com/graphqlhive/agent-go/internal/usageagent"
)

const testSDL = `type Query { ping: String }`

func mustLoadSchema(t *testing.T) *language.Schema {
	t.Helper()
	schema, err := language.LoadSchema("test.graphql", testSDL)
	if err != nil {
		t.Fatalf("load schema: %v", err)
	}
	return schema
}

func newTestAgent(t *testing.T, reported chan<- int) *usageagent.UsageAgent {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		reported <- 1
	}))
	t.Cleanup(upstream.Close)
	return usageagent.New(mustLoadSchema(t), "tok", upstream.URL,
		usageagent.WithBufferSize(1), usageagent.WithFlushInterval(time.Hour))
}

func TestWrap_CapturesAndForwards(t *testing.T) {
	reported := make(chan int, 1)
	agent := newTestAgent(t, reported)
	defer agent.Close(context.Background())

	var innerBody string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		innerBody = string(raw)
		w.WriteHeader(http.StatusOK)
	})

	handler := Wrap(inner, NewConfig(), agent)

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ ping }","operationName":""}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.Contains(innerBody, "ping") {
		t.Fatalf("expected inner handler to observe the request body, got %q", innerBody)
	}

	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the usage agent to transmit a report after size-triggered flush")
	}
}

func TestWrap_ExcludedOperationIsNotSampled(t *testing.T) {
	reported := make(chan int, 1)
	agent := newTestAgent(t, reported)
	defer agent.Close(context.Background())

	cfg := NewConfig()
	cfg.Exclude = []string{"Health"}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := Wrap(inner, cfg, agent)

	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(`{"query":"{ ping }","operationName":"Health"}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	select {
	case <-reported:
		t.Fatal("expected excluded operation to never be reported")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWrap_ZeroSampleRateDropsEverything(t *testing.T) {
	reported := make(chan int, 1)
	agent := newTestAgent(t, reported)
	defer agent.Close(context.Background())

	cfg := NewConfig()
	cfg.SampleRate = 0

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := Wrap(inner, cfg, agent)

	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader([]byte(`{"query":"{ ping }"}`)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	select {
	case <-reported:
		t.Fatal("expected a zero sample rate to drop every request")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWrap_GraphQLErrorsAreForwardedUnchanged(t *testing.T) {
	reported := make(chan int, 1)
	agent := newTestAgent(t, reported)
	defer agent.Close(context.Background())

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":null,"errors":[{"message":"boom"}]}`))
	})
	handler := Wrap(inner, NewConfig(), agent)

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ ping }"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("expected the client to still receive the GraphQL error body, got %q", rec.Body.String())
	}

	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the usage agent to still transmit a report for a response carrying GraphQL errors")
	}
}

func TestStatusCapturingWriter_GraphQLErrors(t *testing.T) {
	w := &statusCapturingWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	w.Write([]byte(`{"data":null,"errors":[{"message":"a"},{"message":"b"}]}`))

	errs := w.graphQLErrors()
	if len(errs) != 2 {
		t.Fatalf("expected 2 GraphQL errors, got %d", len(errs))
	}
}

func TestStatusCapturingWriter_NoErrorsField(t *testing.T) {
	w := &statusCapturingWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	w.Write([]byte(`{"data":{"ping":"pong"}}`))

	if errs := w.graphQLErrors(); len(errs) != 0 {
		t.Fatalf("expected no GraphQL errors, got %d", len(errs))
	}
}

func TestWrap_DisabledPassesThroughUnwrapped(t *testing.T) {
	var called atomic.Bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called.Store(true) })

	cfg := NewConfig()
	cfg.Enabled = false
	handler := Wrap(inner, cfg, nil)

	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called.Load() {
		t.Fatal("expected the inner handler to run when capture is disabled")
	}
}
