// Package operation implements the normalization pipeline for a single raw
// GraphQL operation: parse, detect introspection, collect schema
// coordinates, strip literals, canonically order, minify, and fingerprint.
// Results are memoized per raw query string.
package operation

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	coordinates "github.com/graphqlhive/agent-go/internal/coordinates"
	language "github.com/graphqlhive/agent-go/internal/language"
	"github.com/vektah/gqlparser/v2/ast"
)

// cacheCapacity matches the bounded LRU size mandated by the data model.
const cacheCapacity = 1000

// Processed is the normalization result for a unique raw-query key.
type Processed struct {
	// CanonicalOperation is the minified, literal-stripped, stably-ordered
	// printed form of the operation.
	CanonicalOperation string
	// Fingerprint is the lowercase hex MD5 digest of CanonicalOperation.
	Fingerprint string
	// Coordinates is the set of schema coordinates the operation exercises.
	Coordinates []string
}

// Processor parses, validates, and canonicalizes operations against a fixed
// schema, memoizing results by raw query text. A Processor is not safe for
// concurrent use; callers (the usage agent) must serialize access.
type Processor struct {
	schema *language.Schema
	cache  *lru.Cache[string, *Processed]
}

// New builds a Processor bound to schema for the remainder of the agent's
// lifetime. schema is treated as immutable after construction.
func New(schema *language.Schema) *Processor {
	cache, err := lru.New[string, *Processed](cacheCapacity)
	if err != nil {
		// Only returned for a non-positive capacity, which cacheCapacity never is.
		panic(fmt.Sprintf("operation: unexpected LRU cache construction error: %v", err))
	}
	return &Processor{schema: schema, cache: cache}
}

// Process normalizes rawQuery, returning (nil, nil) when the operation is an
// introspection query that should be dropped from usage reporting, and a
// non-nil error when the query could not be parsed or its coordinates could
// not be collected. Results are cached by rawQuery alone; a cached negative
// result ((nil, nil) outcome) is returned without reprocessing.
func (p *Processor) Process(rawQuery string) (*Processed, error) {
	if cached, ok := p.cache.Get(rawQuery); ok {
		return cached, nil
	}

	result, err := p.process(rawQuery)
	if err != nil {
		// Parse/coordinate-walk failures are not memoized: a transient
		// schema change (not expected mid-process, but defensive) should
		// not wedge the cache with a stale error.
		return nil, err
	}

	p.cache.Add(rawQuery, result)
	return result, nil
}

func (p *Processor) process(rawQuery string) (*Processed, error) {
	doc, err := language.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("operation: parse failed: %w", err)
	}

	if isIntrospection(doc) {
		return nil, nil
	}

	// Validation annotates the AST with resolved type information
	// (Field.Definition, Field.ObjectDefinition, ...) that the coordinate
	// walk and canonical printer both depend on. Spec-compliance errors
	// surfaced here do not themselves fail processing — only a missing
	// parent type during the coordinate walk does (see C2's contract).
	_ = language.Validate(p.schema, doc)

	coords, err := coordinates.Collect(doc, p.schema)
	if err != nil {
		return nil, fmt.Errorf("operation: coordinate collection failed: %w", err)
	}

	canonical := canonicalize(doc)
	sum := md5.Sum([]byte(canonical)) //nolint:gosec // fingerprint, not a security boundary

	return &Processed{
		CanonicalOperation: canonical,
		Fingerprint:        hex.EncodeToString(sum[:]),
		Coordinates:        sortedKeys(coords),
	}, nil
}

// isIntrospection reports whether doc's query operations carry a top-level
// __schema or __type selection. Mutations and subscriptions never count,
// and fragments containing these fields are intentionally not detected —
// this mirrors the upstream agent's behavior exactly (see DESIGN.md).
func isIntrospection(doc *ast.QueryDocument) bool {
	for _, op := range doc.Operations {
		if op.Operation != ast.Query {
			continue
		}
		for _, sel := range op.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			if field.Name == "__schema" || field.Name == "__type" {
				return true
			}
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
