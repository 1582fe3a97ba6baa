package operation

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// canonicalize strips literal values, stably reorders the document's
// definitions and selections, and renders the minified canonical text. The
// document is mutated in place; callers must not reuse doc afterwards for
// anything that depends on source order or literal values.
func canonicalize(doc *ast.QueryDocument) string {
	stripLiterals(doc)
	sortDocument(doc)
	return print(doc)
}

// ---- literal stripping ----

func stripLiterals(doc *ast.QueryDocument) {
	for _, op := range doc.Operations {
		stripSelectionSet(op.SelectionSet)
	}
	for _, frag := range doc.Fragments {
		stripSelectionSet(frag.SelectionSet)
	}
}

func stripSelectionSet(ss ast.SelectionSet) {
	for _, sel := range ss {
		switch s := sel.(type) {
		case *ast.Field:
			s.Alias = s.Name // aliased and unaliased selections collapse.
			for _, arg := range s.Arguments {
				stripValue(arg.Value)
			}
			stripDirectives(s.Directives)
			stripSelectionSet(s.SelectionSet)
		case *ast.InlineFragment:
			stripDirectives(s.Directives)
			stripSelectionSet(s.SelectionSet)
		case *ast.FragmentSpread:
			stripDirectives(s.Directives)
		}
	}
}

func stripDirectives(directives ast.DirectiveList) {
	for _, d := range directives {
		for _, arg := range d.Arguments {
			stripValue(arg.Value)
		}
	}
}

func stripValue(v *ast.Value) {
	if v == nil {
		return
	}
	switch v.Kind {
	case ast.IntValue:
		v.Raw = "0"
	case ast.FloatValue:
		v.Raw = "0.0"
	case ast.StringValue, ast.BlockValue:
		v.Kind = ast.StringValue
		v.Raw = ""
	case ast.ListValue, ast.ObjectValue:
		for _, child := range v.Children {
			stripValue(child.Value)
		}
	default:
		// Boolean, Null, Enum, Variable are kept as-is.
	}
}

// ---- canonical ordering ----

// sortDocument stably reorders definitions, selections, arguments,
// directives, and variable definitions per the canonicalization rules.
// Selection-set sorts are memoized by node identity (the set's own slice
// header address is not stable, so a non-empty set is keyed by its first
// element's pointer; empty sets need no sort and are skipped).
func sortDocument(doc *ast.QueryDocument) {
	sorter := &selectionSorter{seen: map[ast.Selection]bool{}}

	// Operations preserve source order relative to each other; only
	// fragments (below) are reordered, and operations always precede them.
	operations := doc.Operations
	for _, op := range operations {
		sortDirectives(op.Directives)
		sorter.sortSelectionSet(op.SelectionSet)
		sortVariableDefinitions(op.VariableDefinitions)
	}

	fragments := make([]*ast.FragmentDefinition, len(doc.Fragments))
	copy(fragments, doc.Fragments)
	sort.SliceStable(fragments, func(i, j int) bool { return fragments[i].Name < fragments[j].Name })
	for _, frag := range fragments {
		sortDirectives(frag.Directives)
		sorter.sortSelectionSet(frag.SelectionSet)
	}

	doc.Operations = operations
	doc.Fragments = fragments
}

// selectionKind assigns the FragmentSpread < InlineFragment < Field
// ordering described by the canonicalization rules.
func selectionKind(s ast.Selection) int {
	switch s.(type) {
	case *ast.FragmentSpread:
		return 0
	case *ast.InlineFragment:
		return 1
	case *ast.Field:
		return 2
	default:
		return 3
	}
}

type selectionSorter struct {
	seen map[ast.Selection]bool
}

// sortSelectionSet sorts ss in place and recurses into every child
// selection set. Memoization is keyed by the set's first selection (see
// sliceKey); a set reached a second time is not processed again.
func (s *selectionSorter) sortSelectionSet(ss ast.SelectionSet) {
	if len(ss) == 0 {
		return
	}
	if s.seen[sliceKey(ss)] {
		return
	}
	s.seen[sliceKey(ss)] = true

	sort.SliceStable(ss, func(i, j int) bool {
		ki, kj := selectionKind(ss[i]), selectionKind(ss[j])
		if ki != kj {
			return ki < kj
		}
		switch ki {
		case 0:
			return ss[i].(*ast.FragmentSpread).Name < ss[j].(*ast.FragmentSpread).Name
		case 2:
			return ss[i].(*ast.Field).Name < ss[j].(*ast.Field).Name
		default:
			return false
		}
	})

	for _, sel := range ss {
		switch sl := sel.(type) {
		case *ast.Field:
			sortArguments(sl.Arguments)
			sortDirectives(sl.Directives)
			s.sortSelectionSet(sl.SelectionSet)
		case *ast.InlineFragment:
			sortDirectives(sl.Directives)
			s.sortSelectionSet(sl.SelectionSet)
		case *ast.FragmentSpread:
			sortDirectives(sl.Directives)
		}
	}
}

// sliceKey turns a non-empty slice into a comparable map key using the
// pointer identity of its first element, mirroring the node-identity
// memoization the Rust agent used pointer addresses for (see DESIGN.md).
func sliceKey(ss ast.SelectionSet) ast.Selection {
	return ss[0]
}

func sortArguments(args ast.ArgumentList) {
	sort.SliceStable(args, func(i, j int) bool { return args[i].Name < args[j].Name })
}

func sortDirectives(directives ast.DirectiveList) {
	sort.SliceStable(directives, func(i, j int) bool { return directives[i].Name < directives[j].Name })
	for _, d := range directives {
		sortArguments(d.Arguments)
	}
}

func sortVariableDefinitions(vds ast.VariableDefinitionList) {
	sort.SliceStable(vds, func(i, j int) bool { return vds[i].Variable < vds[j].Variable })
}

// ---- minified printing ----

// print renders doc as minified, canonical GraphQL text: no insignificant
// whitespace beyond the single separators required for token boundaries.
func print(doc *ast.QueryDocument) string {
	var b strings.Builder
	for i, op := range doc.Operations {
		if i > 0 {
			b.WriteByte(' ')
		}
		printOperation(&b, op)
	}
	for _, frag := range doc.Fragments {
		b.WriteByte(' ')
		printFragment(&b, frag)
	}
	return b.String()
}

func printOperation(b *strings.Builder, op *ast.OperationDefinition) {
	b.WriteString(string(op.Operation))
	if op.Name != "" {
		b.WriteByte(' ')
		b.WriteString(op.Name)
	}
	if len(op.VariableDefinitions) > 0 {
		b.WriteByte('(')
		for i, vd := range op.VariableDefinitions {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(vd.Variable)
			b.WriteByte(':')
			b.WriteString(typeString(vd.Type))
			if vd.DefaultValue != nil {
				b.WriteByte('=')
				printValue(b, vd.DefaultValue)
			}
		}
		b.WriteByte(')')
	}
	printDirectives(b, op.Directives)
	printSelectionSet(b, op.SelectionSet)
}

func printFragment(b *strings.Builder, frag *ast.FragmentDefinition) {
	b.WriteString("fragment ")
	b.WriteString(frag.Name)
	b.WriteString(" on ")
	b.WriteString(frag.TypeCondition)
	printDirectives(b, frag.Directives)
	printSelectionSet(b, frag.SelectionSet)
}

func printSelectionSet(b *strings.Builder, ss ast.SelectionSet) {
	if len(ss) == 0 {
		return
	}
	b.WriteByte('{')
	for i, sel := range ss {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch s := sel.(type) {
		case *ast.Field:
			printField(b, s)
		case *ast.InlineFragment:
			b.WriteString("...")
			if s.TypeCondition != "" {
				b.WriteString(" on ")
				b.WriteString(s.TypeCondition)
			}
			printDirectives(b, s.Directives)
			printSelectionSet(b, s.SelectionSet)
		case *ast.FragmentSpread:
			b.WriteString("...")
			b.WriteString(s.Name)
			printDirectives(b, s.Directives)
		}
	}
	b.WriteByte('}')
}

func printField(b *strings.Builder, f *ast.Field) {
	if f.Alias != "" && f.Alias != f.Name {
		b.WriteString(f.Alias)
		b.WriteByte(':')
	}
	b.WriteString(f.Name)
	if len(f.Arguments) > 0 {
		b.WriteByte('(')
		for i, arg := range f.Arguments {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(arg.Name)
			b.WriteByte(':')
			printValue(b, arg.Value)
		}
		b.WriteByte(')')
	}
	printDirectives(b, f.Directives)
	printSelectionSet(b, f.SelectionSet)
}

func printDirectives(b *strings.Builder, directives ast.DirectiveList) {
	for _, d := range directives {
		b.WriteByte('@')
		b.WriteString(d.Name)
		if len(d.Arguments) > 0 {
			b.WriteByte('(')
			for i, arg := range d.Arguments {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(arg.Name)
				b.WriteByte(':')
				printValue(b, arg.Value)
			}
			b.WriteByte(')')
		}
	}
}

// typeString renders t using SDL type syntax, e.g. "[String!]!".
func typeString(t *ast.Type) string {
	if t == nil {
		return ""
	}
	var s string
	if t.NamedType != "" {
		s = t.NamedType
	} else {
		s = "[" + typeString(t.Elem) + "]"
	}
	if t.NonNull {
		s += "!"
	}
	return s
}

func printValue(b *strings.Builder, v *ast.Value) {
	if v == nil {
		b.WriteString("null")
		return
	}
	switch v.Kind {
	case ast.Variable:
		b.WriteByte('$')
		b.WriteString(v.Raw)
	case ast.StringValue, ast.BlockValue:
		b.WriteByte('"')
		b.WriteString(v.Raw)
		b.WriteByte('"')
	case ast.ListValue:
		b.WriteByte('[')
		for i, c := range v.Children {
			if i > 0 {
				b.WriteByte(',')
			}
			printValue(b, c.Value)
		}
		b.WriteByte(']')
	case ast.ObjectValue:
		b.WriteByte('{')
		for i, c := range v.Children {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(c.Name)
			b.WriteByte(':')
			printValue(b, c.Value)
		}
		b.WriteByte('}')
	default:
		// Int, Float, Boolean, Null, Enum all print their raw token.
		b.WriteString(v.Raw)
	}
}
