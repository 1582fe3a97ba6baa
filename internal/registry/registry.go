// Package registry implements the schema registry poller: it fetches the
// supergraph SDL from the Hive CDN, writes it to a local file the host's
// GraphQL server watches for hot reload, and keeps it current via
// conditional polling.
package registry

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/graphqlhive/agent-go/internal/buildinfo"
	eventbus "github.com/graphqlhive/agent-go/internal/eventbus"
	events "github.com/graphqlhive/agent-go/internal/events"
	"github.com/graphqlhive/agent-go/internal/logging"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultSchemaFile   = "supergraph-schema.graphql"

	envEndpoint           = "HIVE_CDN_ENDPOINT"
	envKey                = "HIVE_CDN_KEY"
	envPollInterval       = "HIVE_CDN_POLL_INTERVAL"
	envAcceptInvalidCerts = "HIVE_CDN_ACCEPT_INVALID_CERTS"
	envSchemaFilePath     = "HIVE_CDN_SCHEMA_FILE_PATH"

	// Host signaling: these are the Go-appropriate equivalent of the
	// upstream agent's forced APOLLO_ROUTER_SUPERGRAPH_PATH / HOT_RELOAD
	// env vars, set so a colocated host process can discover the schema
	// file the registry maintains.
	envHostSupergraphPath = "APOLLO_ROUTER_SUPERGRAPH_PATH"
	envHostHotReload      = "APOLLO_ROUTER_HOT_RELOAD"
)

// Config configures the registry. A field left at its zero value falls
// back to the matching environment variable, then to the documented
// default (see New).
type Config struct {
	Endpoint           string
	Key                string
	PollInterval       time.Duration
	AcceptInvalidCerts bool
	SchemaFilePath     string
}

// Registry polls the Hive CDN for supergraph schema changes and maintains
// a local file mirror of the latest version.
type Registry struct {
	endpoint       string
	key            string
	schemaFilePath string
	pollInterval   time.Duration

	client *http.Client
	logger *logging.Logger

	etag string

	closeCh chan struct{}
}

// ErrMissingEndpoint and ErrMissingKey are returned by New when only one of
// the endpoint and the key is configured.
var ErrMissingEndpoint = errors.New("registry: HIVE_CDN_ENDPOINT not set")
var ErrMissingKey = errors.New("registry: HIVE_CDN_KEY not set")

// New resolves cfg against the environment and constructs a Registry. It
// returns (nil, nil) when both the endpoint and key are unset anywhere —
// the agent is meant to run without a Hive-managed schema in that case.
// It returns a non-nil error when exactly one of the two is configured, or
// when HIVE_CDN_POLL_INTERVAL is set but unparsable.
func New(cfg Config, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.New()
	}

	endpoint := firstNonEmpty(cfg.Endpoint, os.Getenv(envEndpoint))
	key := firstNonEmpty(cfg.Key, os.Getenv(envKey))

	if endpoint == "" && key == "" {
		logger.Info("not using GraphQL Hive as the source of schema")
		logger.Info("reason: HIVE_CDN_KEY and HIVE_CDN_ENDPOINT are both unset")
		return nil, nil
	}
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if key == "" {
		return nil, ErrMissingKey
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
		if raw := os.Getenv(envPollInterval); raw != "" {
			seconds, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("registry: failed to parse %s: %w", envPollInterval, err)
			}
			pollInterval = time.Duration(seconds) * time.Second
		}
	}

	acceptInvalidCerts := cfg.AcceptInvalidCerts
	if raw := os.Getenv(envAcceptInvalidCerts); raw != "" && !acceptInvalidCerts {
		acceptInvalidCerts = isTruthy(raw)
	}

	schemaFilePath := firstNonEmpty(cfg.SchemaFilePath, os.Getenv(envSchemaFilePath), defaultSchemaFile)

	// Force the host GraphQL server to use the file this registry
	// maintains as its schema source, with hot reload enabled.
	os.Setenv(envHostSupergraphPath, schemaFilePath)
	os.Setenv(envHostHotReload, "true")

	return &Registry{
		endpoint:       strings.TrimRight(endpoint, "/"),
		key:            key,
		schemaFilePath: schemaFilePath,
		pollInterval:   pollInterval,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: acceptInvalidCerts}}, //nolint:gosec // operator opt-in
		},
		logger:  logger,
		closeCh: make(chan struct{}),
	}, nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "on":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Start performs the unconditional initial fetch (failing fast if it
// cannot succeed) and then launches the background poll loop. Start
// blocks until the initial fetch completes.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.initialSupergraph(ctx); err != nil {
		return fmt.Errorf("registry: initial supergraph fetch failed: %w", err)
	}
	r.logger.Info("successfully fetched and saved supergraph from GraphQL Hive")

	go r.pollLoop(ctx)
	return nil
}

// Stop terminates the background poll loop. It does not remove the schema
// file.
func (r *Registry) Stop() {
	close(r.closeCh)
}

func (r *Registry) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.poll(ctx)
		case <-r.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) initialSupergraph(ctx context.Context) error {
	body, _, err := r.fetchSupergraph(ctx, "")
	if err != nil {
		return err
	}
	if body == "" {
		return errors.New("empty supergraph response")
	}
	return writeFileAtomic(r.schemaFilePath, []byte(body))
}

// poll fetches the supergraph conditionally on the last known ETag and
// replaces the local file only when its content hash actually differs.
func (r *Registry) poll(ctx context.Context) {
	start := time.Now()
	body, status, err := r.fetchSupergraph(ctx, r.etag)
	if err != nil {
		r.logger.Error(err.Error())
		eventbus.Publish(ctx, events.PollCycle{Status: status, Err: err, Duration: time.Since(start)})
		return
	}

	changed := false
	if body != "" {
		current, readErr := os.ReadFile(r.schemaFilePath)
		if readErr != nil || hashOf(current) != hashOf([]byte(body)) {
			r.logger.Info("new supergraph detected")
			if writeErr := writeFileAtomic(r.schemaFilePath, []byte(body)); writeErr != nil {
				r.logger.Error(writeErr.Error())
			} else {
				changed = true
			}
		}
	}

	eventbus.Publish(ctx, events.PollCycle{Changed: changed, Status: status, Duration: time.Since(start)})
}

// fetchSupergraph issues a conditional GET against the CDN. A 304 response
// is reported as an empty body with no error; the registry's etag is
// always refreshed from the response's ETag header, and cleared when the
// response carries none.
func (r *Registry) fetchSupergraph(ctx context.Context, etag string) (body string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/supergraph", nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", "hive-apollo-router/"+buildinfo.CommitRevision())
	req.Header.Set("X-Hive-CDN-Key", r.key)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if newEtag := resp.Header.Get("ETag"); newEtag != "" {
		r.etag = newEtag
	} else {
		r.etag = ""
	}

	status = resp.StatusCode
	if status == http.StatusNotModified {
		return "", status, nil
	}
	if status != http.StatusOK {
		return "", status, fmt.Errorf("registry: unexpected status %d fetching supergraph", status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", status, err
	}
	return string(raw), status, nil
}

func hashOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic replaces path's contents by writing to a temp file in
// the same directory and renaming over it, so a concurrent reader (the
// host's hot-reload watcher) never observes a partially-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
