// Package usageagent implements the in-process usage reporting agent: it
// buffers sampled GraphQL executions, periodically drains them into a
// deduplicated usage report, and transmits that report to the Hive usage
// collection endpoint with bounded retries.
package usageagent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/graphqlhive/agent-go/internal/buildinfo"
	eventbus "github.com/graphqlhive/agent-go/internal/eventbus"
	events "github.com/graphqlhive/agent-go/internal/events"
	language "github.com/graphqlhive/agent-go/internal/language"
	"github.com/graphqlhive/agent-go/internal/logging"
	"github.com/graphqlhive/agent-go/internal/operation"
)

const (
	defaultBufferSize     = 1000
	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultFlushInterval  = 5 * time.Second

	retryDelay = 500 * time.Millisecond
	maxTries   = 3
)

// Options configure a UsageAgent. New starts from the documented defaults;
// each With* function overrides one field, a zero value included.
type Options struct {
	BufferSize         int
	AcceptInvalidCerts bool
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	FlushInterval      time.Duration
	Logger             *logging.Logger
}

// Option mutates Options during construction.
type Option func(*Options)

func WithBufferSize(n int) Option              { return func(o *Options) { o.BufferSize = n } }
func WithAcceptInvalidCerts(accept bool) Option { return func(o *Options) { o.AcceptInvalidCerts = accept } }
func WithConnectTimeout(d time.Duration) Option { return func(o *Options) { o.ConnectTimeout = d } }
func WithRequestTimeout(d time.Duration) Option { return func(o *Options) { o.RequestTimeout = d } }
func WithFlushInterval(d time.Duration) Option  { return func(o *Options) { o.FlushInterval = d } }
func WithLogger(l *logging.Logger) Option       { return func(o *Options) { o.Logger = l } }

// UsageAgent buffers sampled executions and periodically reports them.
type UsageAgent struct {
	token    string
	endpoint string

	bufferSize    int
	flushInterval time.Duration

	state       *state
	processorMu sync.Mutex // serializes access to processor across flushes
	processor   *operation.Processor
	client      *http.Client
	logger      *logging.Logger

	userAgent string

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New builds a UsageAgent bound to schema, reporting to endpoint with token.
// The background flush loop starts immediately; callers must call Close to
// stop it and flush any remaining buffered executions.
func New(schema *language.Schema, token, endpoint string, opts ...Option) *UsageAgent {
	options := Options{
		BufferSize:         defaultBufferSize,
		AcceptInvalidCerts: false,
		ConnectTimeout:     defaultConnectTimeout,
		RequestTimeout:     defaultRequestTimeout,
		FlushInterval:      defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = logging.New()
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: options.AcceptInvalidCerts}, //nolint:gosec // operator opt-in via HIVE_CDN_ACCEPT_INVALID_CERTS-style config
		DialContext: (&net.Dialer{Timeout: options.ConnectTimeout}).DialContext,
	}

	agent := &UsageAgent{
		token:         token,
		endpoint:      endpoint,
		bufferSize:    options.BufferSize,
		flushInterval: options.FlushInterval,
		state:         &state{},
		processor:     operation.New(schema),
		client:        &http.Client{Transport: transport, Timeout: options.RequestTimeout},
		logger:        options.Logger,
		userAgent:     "hive-apollo-router/" + buildinfo.CommitRevision(),
		closeCh:       make(chan struct{}),
	}

	agent.wg.Add(1)
	go agent.flushLoop()

	return agent
}

// Add enqueues record for the next flush, triggering an immediate
// size-based flush when the buffer has reached its configured capacity.
func (a *UsageAgent) Add(record ExecutionRecord) {
	size := a.state.push(record)
	if size >= a.bufferSize {
		go a.flush(context.Background(), "size")
	}
}

func (a *UsageAgent) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.flush(context.Background(), "interval")
		case <-a.closeCh:
			return
		}
	}
}

// flush drains the buffer, produces a report, and transmits it. A panic
// from report production or transmission is recovered and logged so a
// single bad operation never takes down the flush loop.
func (a *UsageAgent) flush(ctx context.Context, reason string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error(fmt.Sprintf("recovered from panic during flush: %v", r))
		}
	}()

	records := a.state.drain()
	if len(records) == 0 {
		return
	}

	start := time.Now()
	eventbus.Publish(ctx, events.FlushStart{Reason: reason, ExecutionCount: len(records)})

	report := a.produceReport(records)

	if err := a.sendReport(ctx, report); err != nil {
		a.logger.Error(err.Error())
	} else {
		a.logger.Debug(fmt.Sprintf("reported %d operations", report.Size))
	}

	eventbus.Publish(ctx, events.FlushFinish{ExecutionCount: len(records), Duration: time.Since(start)})
}

// produceReport processes each buffered record against the agent's schema,
// dropping ones that fail to parse or turn out to be introspection.
func (a *UsageAgent) produceReport(records []ExecutionRecord) Report {
	report := Report{Map: map[string]OperationMapRecord{}}

	for _, rec := range records {
		a.processorMu.Lock()
		processed, err := a.processor.Process(rec.OperationBody)
		a.processorMu.Unlock()
		if err != nil {
			name := rec.OperationName
			if name == "" {
				name = "anonymous"
			}
			a.logger.Warn(fmt.Sprintf("dropping operation %q (phase: processing): %v", name, err))
			continue
		}
		if processed == nil {
			a.logger.Info("dropping operation (phase: processing): introspection query")
			continue
		}

		report.Operations = append(report.Operations, Operation{
			OperationMapKey: processed.Fingerprint,
			Timestamp:       rec.Timestamp,
			Execution: Execution{
				OK:          rec.OK,
				DurationNs:  rec.Duration.Nanoseconds(),
				ErrorsTotal: rec.Errors,
			},
			Metadata: &Metadata{
				Client: &ClientInfo{
					Name:    nonEmptyString(rec.ClientName),
					Version: nonEmptyString(rec.ClientVersion),
				},
			},
		})

		if _, exists := report.Map[processed.Fingerprint]; !exists {
			report.Map[processed.Fingerprint] = OperationMapRecord{
				Operation:     processed.CanonicalOperation,
				OperationName: nonEmptyString(rec.OperationName),
				Fields:        processed.Coordinates,
			}
		}
		report.Size++
	}

	return report
}

// sendReport POSTs report to the configured endpoint, making at most
// maxTries attempts in total separated by retryDelay. A 401, 403, or 429
// response is treated as fatal and not retried.
func (a *UsageAgent) sendReport(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("usageagent: marshal report: %w", err)
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, a.transmitOnce(ctx, body, attempt, report.Size)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(retryDelay)),
		backoff.WithMaxTries(maxTries),
	)
	return err
}

func (a *UsageAgent) transmitOnce(ctx context.Context, body []byte, attempt, executionCount int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("usageagent: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("User-Agent", a.userAgent)

	eventbus.Publish(ctx, events.ReportTransmitStart{Attempt: attempt, ExecutionCount: executionCount})

	attemptStart := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		eventbus.Publish(ctx, events.ReportTransmitFinish{Attempt: attempt, Err: err, Duration: time.Since(attemptStart)})
		return fmt.Errorf("usageagent: transmit report: %w", err)
	}
	defer resp.Body.Close()

	eventbus.Publish(ctx, events.ReportTransmitFinish{
		Attempt:  attempt,
		Status:   resp.StatusCode,
		Duration: time.Since(attemptStart),
	})

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return backoff.Permanent(fmt.Errorf("usageagent: %w", ErrUnauthorized))
	case resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("usageagent: %w", ErrForbidden))
	case resp.StatusCode == http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("usageagent: %w", ErrRateLimited))
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return &TransportError{Status: resp.StatusCode, Body: string(respBody)}
	}
}

// Close stops the background flush loop and performs one final flush of
// any buffered executions.
func (a *UsageAgent) Close(ctx context.Context) {
	a.closeOnce.Do(func() { close(a.closeCh) })
	a.wg.Wait()
	a.flush(ctx, "shutdown")
}
