// Package hook implements the host integration point: an http.Handler
// middleware that captures each GraphQL request's shape and outcome,
// samples it, and forwards it to a usage agent for buffered reporting. It
// is the Go realization of the host "supergraph service" hook contract:
// Go has no single dominant GraphQL server plugin ABI, so net/http
// middleware is the natural seam.
package hook

import (
	"bytes"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"time"

	eventbus "github.com/graphqlhive/agent-go/internal/eventbus"
	events "github.com/graphqlhive/agent-go/internal/events"
	reqid "github.com/graphqlhive/agent-go/internal/reqid"
	"github.com/graphqlhive/agent-go/internal/usageagent"
)

// Config controls sampling, exclusion, and client-identity extraction.
// NewConfig returns the documented defaults; in a Config built any other
// way, only empty header names fall back to their defaults.
type Config struct {
	// Enabled disables capture entirely when false; Wrap returns inner
	// unmodified in that case.
	Enabled bool
	// SampleRate is the uniform probability (0.0-1.0) that a given request
	// is reported. 0.0 drops everything, 1.0 keeps everything.
	SampleRate float64
	// Exclude lists operation names that are never reported, regardless
	// of sampling.
	Exclude []string
	// ClientNameHeader and ClientVersionHeader name the request headers
	// carrying client identity. Defaults: graphql-client-name /
	// graphql-client-version.
	ClientNameHeader    string
	ClientVersionHeader string
	// MaxBodyBytes caps how much of the request body Wrap reads to recover
	// the operation; 0 means unlimited.
	MaxBodyBytes int64
}

// NewConfig returns a Config with the documented defaults.
func NewConfig() Config {
	return Config{
		Enabled:             true,
		SampleRate:          1.0,
		ClientNameHeader:    "graphql-client-name",
		ClientVersionHeader: "graphql-client-version",
	}
}

// graphQLRequestBody is the minimal JSON shape Wrap needs from the request
// body: the operation text and, optionally, its name.
type graphQLRequestBody struct {
	Query         string `json:"query"`
	OperationName string `json:"operationName"`
}

func excludedSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Wrap returns an http.Handler that captures and reports every GraphQL
// request passing through inner, then delegates to inner unchanged. The
// request body is read, buffered, and restored so inner still observes the
// full, un-truncated payload.
func Wrap(inner http.Handler, cfg Config, agent *usageagent.UsageAgent) http.Handler {
	if !cfg.Enabled {
		return inner
	}
	excluded := excludedSet(cfg.Exclude)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := reqid.NewContext(r.Context())
		r = r.WithContext(ctx)

		body, clientName, clientVersion, ok := captureRequest(r, cfg)
		if !ok {
			inner.ServeHTTP(w, r)
			return
		}

		sampled := !dropped(body.OperationName, cfg, excluded)

		start := time.Now()
		eventbus.Publish(ctx, events.CaptureStart{
			OperationName: body.OperationName,
			ClientName:    clientName,
			ClientVersion: clientVersion,
		})

		status := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		inner.ServeHTTP(status, r)
		duration := time.Since(start)

		eventbus.Publish(ctx, events.CaptureFinish{
			OperationName: body.OperationName,
			Sampled:       sampled,
			Duration:      duration,
		})

		if !sampled {
			return
		}

		errorsTotal := len(status.graphQLErrors())

		agent.Add(usageagent.ExecutionRecord{
			ClientName:    clientName,
			ClientVersion: clientVersion,
			Timestamp:     start.UnixMilli(),
			Duration:      duration,
			OK:            errorsTotal == 0,
			Errors:        errorsTotal,
			OperationBody: body.Query,
			OperationName: body.OperationName,
		})
	})
}

// captureRequest extracts the GraphQL operation body and client identity
// from r, restoring the request body afterward so the inner handler sees
// it unchanged. ok is false when the body could not be read or parsed, in
// which case the request is passed through without capture.
func captureRequest(r *http.Request, cfg Config) (body graphQLRequestBody, clientName, clientVersion string, ok bool) {
	clientName = headerValue(r, cfg.ClientNameHeader, "graphql-client-name")
	clientVersion = headerValue(r, cfg.ClientVersionHeader, "graphql-client-version")

	if r.Body == nil {
		return graphQLRequestBody{}, clientName, clientVersion, false
	}

	reader := io.Reader(r.Body)
	if cfg.MaxBodyBytes > 0 {
		reader = io.LimitReader(r.Body, cfg.MaxBodyBytes)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		r.Body.Close()
		return graphQLRequestBody{}, clientName, clientVersion, false
	}
	// Re-attach any unread remainder so inner sees the whole body even when
	// MaxBodyBytes cut the captured prefix short.
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), r.Body), r.Body}

	var parsed graphQLRequestBody
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Query == "" {
		return graphQLRequestBody{}, clientName, clientVersion, false
	}
	return parsed, clientName, clientVersion, true
}

func headerValue(r *http.Request, name, fallback string) string {
	if name == "" {
		name = fallback
	}
	return r.Header.Get(name)
}

// dropped applies the exclusion list and the uniform sampling draw.
func dropped(operationName string, cfg Config, excluded map[string]struct{}) bool {
	if _, excludedByName := excluded[operationName]; excludedByName {
		return true
	}
	return rand.Float64() >= cfg.SampleRate
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(p []byte) (int, error) {
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// graphQLErrors parses the captured response body's top-level "errors"
// array. A body that isn't a GraphQL-shaped JSON object yields no errors,
// matching a non-GraphQL (e.g. transport-failure) response.
func (w *statusCapturingWriter) graphQLErrors() []json.RawMessage {
	var parsed struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(w.body.Bytes(), &parsed); err != nil {
		return nil
	}
	return parsed.Errors
}
