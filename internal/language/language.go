package language

import (
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	// Registers the default validation rule set with the validator package.
	_ "github.com/vektah/gqlparser/v2/validator/rules"
)

// ParseQuery parses a raw GraphQL operation document. It performs syntax
// validation only; it does not resolve the document against a schema.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema parses one SDL source, together with the built-in prelude,
// into a cross-referenced schema, ready for query validation.
func LoadSchema(name, source string) (*Schema, error) {
	return gqlparser.LoadSchema(&ast.Source{Name: name, Input: source})
}

// Validate type-checks doc against schema, annotating the AST in place with
// resolved field, argument, and variable type information (Field.Definition,
// Field.ObjectDefinition, Value.Definition, Value.ExpectedType, and so on).
// Callers that only need the annotations — not spec-compliance errors — may
// ignore a non-nil error so long as the walk itself did not fail to resolve
// a parent type (see internal/coordinates).
func Validate(schema *Schema, doc *QueryDocument) error {
	if errs := validator.Validate(schema, doc); len(errs) > 0 {
		return errs
	}
	return nil
}

// AsGqlError unwraps err into a *gqlerror.Error when possible.
func AsGqlError(err error) (*gqlerror.Error, bool) {
	ge, ok := err.(*gqlerror.Error)
	return ge, ok
}
