// Package coordinates computes the set of schema coordinates exercised by a
// single GraphQL operation: Type.field, Type.field.arg, EnumType.VALUE, and
// InputType.field.
package coordinates

import (
	"fmt"

	language "github.com/graphqlhive/agent-go/internal/language"
	"github.com/vektah/gqlparser/v2/ast"
)

// Collect walks every operation and fragment definition in doc and returns
// the set of schema coordinates they exercise. doc must already have been
// validated against schema (language.Validate) so that Field.Definition and
// Field.ObjectDefinition are populated; Collect does its own type resolution
// for arguments, variables, and input object fields directly against schema.
func Collect(doc *language.QueryDocument, schema *language.Schema) (map[string]struct{}, error) {
	c := &collector{
		schema:            schema,
		coordinates:       map[string]struct{}{},
		pendingInputTypes: map[string]struct{}{},
		visitedInputTypes: map[string]struct{}{},
	}

	for _, op := range doc.Operations {
		c.visitVariableDefinitions(op.VariableDefinitions)
		c.visitSelectionSet(op.SelectionSet)
		if c.err != nil {
			return nil, c.err
		}
	}
	for _, frag := range doc.Fragments {
		c.visitSelectionSet(frag.SelectionSet)
		if c.err != nil {
			return nil, c.err
		}
	}

	c.resolvePending()
	return c.coordinates, nil
}

// collector holds the two working sets described by the coordinate walk:
// the coordinates produced so far, and the names whose full field/value
// enumeration is deferred until the walk completes. Once err is set the
// collector becomes a no-op for the remainder of the walk.
type collector struct {
	schema            *ast.Schema
	coordinates       map[string]struct{}
	pendingInputTypes map[string]struct{}
	visitedInputTypes map[string]struct{}
	err               error
}

func (c *collector) corrupted() bool { return c.err != nil }

func (c *collector) emit(coordinate string) { c.coordinates[coordinate] = struct{}{} }

func (c *collector) visitSelectionSet(ss ast.SelectionSet) {
	for _, sel := range ss {
		if c.corrupted() {
			return
		}
		switch s := sel.(type) {
		case *ast.Field:
			c.visitField(s)
		case *ast.InlineFragment:
			c.visitSelectionSet(s.SelectionSet)
		case *ast.FragmentSpread:
			// The referenced fragment is walked separately via doc.Fragments.
		}
	}
}

func (c *collector) visitField(f *ast.Field) {
	if c.corrupted() {
		return
	}

	parent := f.ObjectDefinition
	if parent == nil {
		c.err = fmt.Errorf("unable to find parent type of field %q", f.Name)
		return
	}

	c.emit(parent.Name + "." + f.Name)

	if f.Definition != nil {
		if outputName := namedTypeName(f.Definition.Type); outputName != "" {
			if def := c.schema.Types[outputName]; def != nil && def.Kind == ast.Enum {
				for _, ev := range def.EnumValues {
					c.emit(outputName + "." + ev.Name)
				}
			}
		}
	}

	for _, arg := range f.Arguments {
		c.visitArgument(parent.Name, f.Name, arg, f.Definition)
		if c.corrupted() {
			return
		}
	}

	c.visitSelectionSet(f.SelectionSet)
}

func (c *collector) visitArgument(parentName, fieldName string, arg *ast.Argument, fieldDef *ast.FieldDefinition) {
	if parentName == "" {
		c.err = fmt.Errorf("unable to find parent type of argument %q", arg.Name)
		return
	}
	c.emit(parentName + "." + fieldName + "." + arg.Name)

	var argType *ast.Type
	if fieldDef != nil {
		for _, def := range fieldDef.Arguments {
			if def.Name == arg.Name {
				argType = def.Type
				break
			}
		}
	}
	c.visitValue(arg.Value, argType)
}

// visitValue inspects a literal value against its declared (schema) type.
// declaredType may be nil when the declaration could not be resolved; in
// that case enum/object recursion still happens structurally, but pending
// input-type bookkeeping for bare scalars is skipped.
func (c *collector) visitValue(v *ast.Value, declaredType *ast.Type) {
	if v == nil || c.corrupted() {
		return
	}

	switch v.Kind {
	case ast.EnumValue:
		if name := namedTypeName(declaredType); name != "" {
			c.emit(name + "." + v.Raw)
		}
	case ast.ListValue:
		elem := listElemType(declaredType)
		for _, child := range v.Children {
			c.visitValue(child.Value, elem)
		}
	case ast.ObjectValue:
		c.visitObjectValue(v, declaredType)
	case ast.Variable:
		// Handled by the variable-definition walk, not here.
	default:
		// Int, Float, String, Boolean, BlockValue, Null literals.
		if name := namedTypeName(declaredType); name != "" {
			c.pendingInputTypes[name] = struct{}{}
		}
	}
}

func (c *collector) visitObjectValue(v *ast.Value, declaredType *ast.Type) {
	inputTypeName := namedTypeName(declaredType)
	var inputDef *ast.Definition
	if inputTypeName != "" {
		inputDef = c.schema.Types[inputTypeName]
	}

	for _, child := range v.Children {
		if inputTypeName != "" {
			c.emit(inputTypeName + "." + child.Name)
		}

		var fieldType *ast.Type
		if inputDef != nil {
			for _, fd := range inputDef.Fields {
				if fd.Name == child.Name {
					fieldType = fd.Type
					break
				}
			}
		}

		switch child.Value.Kind {
		case ast.EnumValue:
			if name := namedTypeName(fieldType); name != "" {
				c.emit(name + "." + child.Value.Raw)
			}
		case ast.ListValue, ast.ObjectValue:
			c.visitValue(child.Value, fieldType)
		case ast.Variable:
			// Nothing further: variables are expanded via their own
			// variable-definition walk.
		default:
			if name := namedTypeName(fieldType); name != "" {
				c.pendingInputTypes[name] = struct{}{}
			}
		}
	}
}

func (c *collector) visitVariableDefinitions(vds ast.VariableDefinitionList) {
	for _, vd := range vds {
		c.addInputTypeTransitively(namedTypeName(vd.Type))
	}
}

// addInputTypeTransitively registers name for post-walk enumeration and, if
// it names an input object, recurses into every declared field's type so
// that the full transitive closure of reachable input types is collected.
// visitedInputTypes guards against cycles between mutually-referencing
// input object types.
func (c *collector) addInputTypeTransitively(name string) {
	if name == "" {
		return
	}
	if _, seen := c.visitedInputTypes[name]; seen {
		return
	}
	c.visitedInputTypes[name] = struct{}{}
	c.pendingInputTypes[name] = struct{}{}

	def := c.schema.Types[name]
	if def == nil || def.Kind != ast.InputObject {
		return
	}
	for _, f := range def.Fields {
		c.addInputTypeTransitively(namedTypeName(f.Type))
	}
}

// resolvePending enumerates the deferred type names collected during the
// walk: input objects emit one coordinate per field, enums emit one
// coordinate per value, and scalars (built-in and custom) as well as names
// absent from the schema's type table emit their bare name.
func (c *collector) resolvePending() {
	for name := range c.pendingInputTypes {
		def, ok := c.schema.Types[name]
		if !ok {
			c.emit(name)
			continue
		}
		switch def.Kind {
		case ast.Scalar:
			c.emit(name)
		case ast.InputObject:
			for _, f := range def.Fields {
				c.emit(name + "." + f.Name)
			}
		case ast.Enum:
			for _, ev := range def.EnumValues {
				c.emit(name + "." + ev.Name)
			}
		}
	}
}

func namedTypeName(t *ast.Type) string {
	for t != nil {
		if t.NamedType != "" {
			return t.NamedType
		}
		t = t.Elem
	}
	return ""
}

func isListType(t *ast.Type) bool {
	return t != nil && t.NamedType == "" && t.Elem != nil
}

func listElemType(t *ast.Type) *ast.Type {
	if !isListType(t) {
		return nil
	}
	return t.Elem
}
