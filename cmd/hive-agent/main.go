package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	eventbus "github.com/graphqlhive/agent-go/internal/eventbus"
	"github.com/graphqlhive/agent-go/internal/hook"
	"github.com/graphqlhive/agent-go/internal/language"
	"github.com/graphqlhive/agent-go/internal/logging"
	otelsetup "github.com/graphqlhive/agent-go/internal/otel"
	"github.com/graphqlhive/agent-go/internal/registry"
	"github.com/graphqlhive/agent-go/internal/usageagent"
)

const rootUsage = `hive-agent — standalone GraphQL usage reporting agent

USAGE:
  hive-agent serve [flags]

Run "hive-agent help serve" for flag details.
`

const serveUsage = `serve FLAGS:
  -listen.addr <addr>            HTTP listen address (default: :4000)
  -upstream.url <url>            GraphQL server to proxy requests to (required)
  -schema.path <file>            Supergraph SDL file to normalize operations against
                                  (default: supergraph-schema.graphql, also written by
                                  the Hive CDN registry when HIVE_CDN_* is configured)
  -usage.sample-rate <float>     Fraction of operations reported, 0.0-1.0 (default: 1.0)
  -usage.exclude <name>          Operation name to never report. Repeatable
  -usage.buffer-size <n>         Executions buffered before a forced flush (default: 1000)
  -usage.client-name-header <h>  Header carrying client name (default: graphql-client-name)
  -usage.client-version-header <h>
                                  Header carrying client version (default: graphql-client-version)
  -otel.endpoint <addr>          OTLP collector endpoint
  -otel.service <name>           OpenTelemetry service name (default: hive-agent)

Hive token and CDN credentials are read from the environment:
  HIVE_TOKEN                     required; usage reporting bearer token
  HIVE_ENDPOINT                  usage collection endpoint (default: https://app.graphql-hive.com/usage)
  HIVE_CDN_ENDPOINT, HIVE_CDN_KEY, HIVE_CDN_POLL_INTERVAL, HIVE_CDN_ACCEPT_INVALID_CERTS
                                  optional; enable the schema registry poller
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}
	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		return cmdServe(rest)
	case "help":
		return cmdHelp(rest)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Print(rootUsage)
		return nil
	}
	fmt.Print(serveUsage)
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }
func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdServe(args []string) error {
	addr := ":4000"
	upstreamURL := ""
	schemaPath := "supergraph-schema.graphql"
	sampleRate := 1.0
	bufferSize := 1000
	clientNameHeader := "graphql-client-name"
	clientVersionHeader := "graphql-client-version"
	otelEndpoint := ""
	otelService := "hive-agent"
	var exclude stringListFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&addr, "listen.addr", addr, "HTTP listen address")
	fs.StringVar(&upstreamURL, "upstream.url", upstreamURL, "GraphQL server to proxy requests to")
	fs.StringVar(&schemaPath, "schema.path", schemaPath, "Supergraph SDL file")
	fs.Float64Var(&sampleRate, "usage.sample-rate", sampleRate, "Fraction of operations reported")
	fs.IntVar(&bufferSize, "usage.buffer-size", bufferSize, "Executions buffered before a forced flush")
	fs.StringVar(&clientNameHeader, "usage.client-name-header", clientNameHeader, "Header carrying client name")
	fs.StringVar(&clientVersionHeader, "usage.client-version-header", clientVersionHeader, "Header carrying client version")
	fs.Var(&exclude, "usage.exclude", "Operation name to never report")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	if upstreamURL == "" {
		fmt.Fprint(os.Stderr, serveUsage)
		return fmt.Errorf("-upstream.url is required")
	}

	token := os.Getenv("HIVE_TOKEN")
	if token == "" {
		return fmt.Errorf("environment variable HIVE_TOKEN not found")
	}
	endpoint := os.Getenv("HIVE_ENDPOINT")
	if endpoint == "" {
		endpoint = "https://app.graphql-hive.com/usage"
	}

	logger := logging.New()

	eventbus.Use(eventbus.New())
	shutdownTelemetry, err := otelsetup.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	reg, err := registry.New(registry.Config{SchemaFilePath: schemaPath}, logger)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if reg != nil {
		if err := reg.Start(context.Background()); err != nil {
			return fmt.Errorf("registry start: %w", err)
		}
		defer reg.Stop()
	}

	sdl, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", schemaPath, err)
	}
	schema, err := language.LoadSchema(schemaPath, string(sdl))
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	agent := usageagent.New(schema, token, endpoint, usageagent.WithBufferSize(bufferSize), usageagent.WithLogger(logger))
	defer agent.Close(context.Background())

	target, err := url.Parse(upstreamURL)
	if err != nil {
		return fmt.Errorf("invalid -upstream.url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)

	cfg := hook.NewConfig()
	cfg.SampleRate = sampleRate
	cfg.Exclude = exclude
	cfg.ClientNameHeader = clientNameHeader
	cfg.ClientVersionHeader = clientVersionHeader

	mux := http.NewServeMux()
	mux.Handle("/", hook.Wrap(proxy, cfg, agent))

	log.Printf("hive-agent listening on %s, proxying to %s", addr, upstreamURL)
	return http.ListenAndServe(addr, mux)
}
