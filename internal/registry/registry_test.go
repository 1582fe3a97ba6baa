package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/graphqlhive/agent-go/internal/logging"
)

func TestNew_NoConfigIsANoOp(t *testing.T) {
	t.Setenv(envEndpoint, "")
	t.Setenv(envKey, "")
	reg, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if reg != nil {
		t.Fatal("expected a nil registry when neither endpoint nor key are configured")
	}
}

func TestNew_OnlyEndpointIsAnError(t *testing.T) {
	t.Setenv(envKey, "")
	_, err := New(Config{Endpoint: "https://cdn.example.com"}, nil)
	if err != ErrMissingKey {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestNew_OnlyKeyIsAnError(t *testing.T) {
	t.Setenv(envEndpoint, "")
	_, err := New(Config{Key: "secret"}, nil)
	if err != ErrMissingEndpoint {
		t.Fatalf("expected ErrMissingEndpoint, got %v", err)
	}
}

func TestStart_FetchesAndWritesSchemaFile(t *testing.T) {
	const sdl = "type Query { ping: String }"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(sdl))
	}))
	defer srv.Close()

	dir := t.TempDir()
	schemaFile := filepath.Join(dir, "supergraph-schema.graphql")

	reg, err := New(Config{
		Endpoint:       srv.URL,
		Key:            "secret",
		SchemaFilePath: schemaFile,
		PollInterval:   time.Hour,
	}, logging.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if reg == nil {
		t.Fatal("expected a non-nil registry")
	}

	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer reg.Stop()

	got, err := os.ReadFile(schemaFile)
	if err != nil {
		t.Fatalf("read schema file: %v", err)
	}
	if string(got) != sdl {
		t.Fatalf("expected schema file to contain %q, got %q", sdl, string(got))
	}
}

func TestPoll_UnchangedContentDoesNotRewriteFile(t *testing.T) {
	const sdl = "type Query { ping: String }"
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(sdl))
	}))
	defer srv.Close()

	dir := t.TempDir()
	schemaFile := filepath.Join(dir, "supergraph-schema.graphql")

	reg, err := New(Config{
		Endpoint:       srv.URL,
		Key:            "secret",
		SchemaFilePath: schemaFile,
		PollInterval:   time.Hour,
	}, logging.New())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer reg.Stop()

	before, _ := os.Stat(schemaFile)
	reg.poll(context.Background())
	after, _ := os.Stat(schemaFile)

	if before.ModTime() != after.ModTime() {
		t.Error("expected an unchanged supergraph to leave the file's mtime untouched")
	}
	if requests != 2 {
		t.Fatalf("expected 2 requests (initial + poll), got %d", requests)
	}
}

func TestIsTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "True", "on", "ON"} {
		if !isTruthy(v) {
			t.Errorf("expected %q to be truthy", v)
		}
	}
	for _, v := range []string{"0", "false", "", "no"} {
		if isTruthy(v) {
			t.Errorf("expected %q to be falsy", v)
		}
	}
}
