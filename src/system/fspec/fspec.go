// Package fspec reads the textual filter specification into a filter table
// and derives the partial execution order from its REQUIRES edges. Parsing
// is single-pass and keeps all state in an explicit parse context, so
// multiple specs may be parsed concurrently.
package fspec

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/voodooEntity/prospector/src/system/order"
)

const (
	MAX_NAME = 128
	MAX_FUNC = 64
	MAX_DEPS = 32

	// APPLICATION_FILTER is the reserved name of the terminal filter whose
	// score the user ultimately ranks by.
	APPLICATION_FILTER = "APPLICATION"
)

// Output object types a filter may declare via OUT_OBJECT.
const (
	OUT_UNMODIFIED OutputType = iota
	OUT_NEW
	OUT_CLONE
	OUT_COPY_ATTR
)

type OutputType int

func (t OutputType) String() string {
	switch t {
	case OUT_NEW:
		return "NEW"
	case OUT_CLONE:
		return "CLONE"
	case OUT_COPY_ATTR:
		return "COPY_ATTR"
	}
	return "UNMODIFIED"
}

var (
	ErrInvalidSpec       = errors.New("invalid spec")
	ErrMissingDependency = errors.New("missing dependency")
)

// Filter is one parsed filter record. Immutable after parsing.
type Filter struct {
	Name          string
	Threshold     int
	Merit         int
	Args          []string
	InObjectSize  int
	OutType       OutputType
	OutObjectSize int
	EvalFunction  string
	InitFunction  string
	FiniFunction  string
	Dependencies  []string

	signature string
}

// Signature is a content hash over the filter's entry points, arguments,
// size hints and the signatures of its dependencies. Two filters with the
// same signature are interchangeable for caching purposes.
func (f *Filter) Signature() string {
	return f.signature
}

// Table is the ordered set of filters for one search.
type Table struct {
	Filters []*Filter
	// Application is the index of the terminal APPLICATION filter, -1 if
	// the spec does not carry one.
	Application int

	index map[string]int
}

func (t *Table) Len() int {
	return len(t.Filters)
}

// ByName resolves a filter name to its table index.
func (t *Table) ByName(name string) (int, bool) {
	idx, ok := t.index[name]
	return idx, ok
}

// PartialOrder builds the closed partial order from the table's REQUIRES
// edges: a REQUIRES b places b before a. A cyclic dependency graph yields
// ErrInvalidSpec.
func (t *Table) PartialOrder() (*order.PartialOrder, error) {
	po := order.NewPartialOrder(t.Len())
	for idx, filt := range t.Filters {
		for _, dep := range filt.Dependencies {
			depIdx, ok := t.index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: filter %s requires unknown filter %s", ErrMissingDependency, filt.Name, dep)
			}
			po.Set(depIdx, idx, order.REL_LT)
		}
	}
	if err := po.Closure(); err != nil {
		return nil, fmt.Errorf("%w: cycle in REQUIRES: %v", ErrInvalidSpec, err)
	}
	return po, nil
}

// String renders the table back into spec text that Parse accepts.
func (t *Table) String() string {
	var sb strings.Builder
	for _, filt := range t.Filters {
		fmt.Fprintf(&sb, "FILTER %s\n", filt.Name)
		fmt.Fprintf(&sb, "THRESHOLD %d\n", filt.Threshold)
		if filt.Merit != 0 {
			fmt.Fprintf(&sb, "MERIT %d\n", filt.Merit)
		}
		if filt.EvalFunction != "" {
			fmt.Fprintf(&sb, "EVAL_FUNCTION %s\n", filt.EvalFunction)
		}
		if filt.InitFunction != "" {
			fmt.Fprintf(&sb, "INIT_FUNCTION %s\n", filt.InitFunction)
		}
		if filt.FiniFunction != "" {
			fmt.Fprintf(&sb, "FINI_FUNCTION %s\n", filt.FiniFunction)
		}
		for _, arg := range filt.Args {
			fmt.Fprintf(&sb, "ARG %s\n", arg)
		}
		for _, dep := range filt.Dependencies {
			fmt.Fprintf(&sb, "REQUIRES %s\n", dep)
		}
		if filt.InObjectSize != 0 {
			fmt.Fprintf(&sb, "IN_OBJECT %d\n", filt.InObjectSize)
		}
		if filt.OutType != OUT_UNMODIFIED || filt.OutObjectSize != 0 {
			fmt.Fprintf(&sb, "OUT_OBJECT %s %d\n", filt.OutType, filt.OutObjectSize)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// parseContext holds all state of one parse run; there is no package-level
// state, so concurrent parses never interfere.
type parseContext struct {
	filters []*Filter
	index   map[string]int
	current *Filter
	line    int
}

func (ctx *parseContext) fail(format string, args ...interface{}) error {
	return fmt.Errorf("%w: line %d: %s", ErrInvalidSpec, ctx.line, fmt.Sprintf(format, args...))
}

// Parse reads a line-oriented filter specification. Any syntax error is
// fatal and aborts the parse.
func Parse(r io.Reader) (*Table, error) {
	ctx := &parseContext{
		index: make(map[string]int),
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ctx.line++
		if err := ctx.parseLine(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	return ctx.finish()
}

// ParseString is a convenience wrapper around Parse.
func ParseString(spec string) (*Table, error) {
	return Parse(strings.NewReader(spec))
}

func (ctx *parseContext) parseLine(raw string) error {
	// strip comment and surrounding whitespace
	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		raw = raw[:idx]
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}

	directive := fields[0]
	args := fields[1:]

	if directive == "FILTER" {
		return ctx.openFilter(args)
	}
	if ctx.current == nil {
		return ctx.fail("directive %s before any FILTER", directive)
	}

	switch directive {
	case "THRESHOLD":
		val, err := ctx.intArg(directive, args)
		if err != nil {
			return err
		}
		ctx.current.Threshold = val
	case "THRESHHOLD":
		return ctx.fail("the legacy spelling THRESHHOLD is no longer accepted; rename the directive to THRESHOLD")
	case "MERIT":
		val, err := ctx.intArg(directive, args)
		if err != nil {
			return err
		}
		ctx.current.Merit = val
	case "EVAL_FUNCTION":
		name, err := ctx.funcArg(directive, args)
		if err != nil {
			return err
		}
		ctx.current.EvalFunction = name
	case "INIT_FUNCTION":
		name, err := ctx.funcArg(directive, args)
		if err != nil {
			return err
		}
		ctx.current.InitFunction = name
	case "FINI_FUNCTION":
		name, err := ctx.funcArg(directive, args)
		if err != nil {
			return err
		}
		ctx.current.FiniFunction = name
	case "ARG":
		if len(args) != 1 {
			return ctx.fail("ARG expects one token")
		}
		ctx.current.Args = append(ctx.current.Args, args[0])
	case "REQUIRES":
		if len(args) != 1 {
			return ctx.fail("REQUIRES expects one filter name")
		}
		if len(ctx.current.Dependencies) >= MAX_DEPS {
			return ctx.fail("filter %s exceeds %d dependencies", ctx.current.Name, MAX_DEPS)
		}
		ctx.current.Dependencies = append(ctx.current.Dependencies, args[0])
	case "IN_OBJECT":
		val, err := ctx.intArg(directive, args)
		if err != nil {
			return err
		}
		ctx.current.InObjectSize = val
	case "OUT_OBJECT":
		return ctx.parseOutObject(args)
	default:
		return ctx.fail("unknown directive %q", directive)
	}
	return nil
}

func (ctx *parseContext) openFilter(args []string) error {
	if len(args) != 1 {
		return ctx.fail("FILTER expects one name")
	}
	name := args[0]
	if len(name) > MAX_NAME {
		return ctx.fail("filter name %q exceeds %d characters", name, MAX_NAME)
	}
	if _, exists := ctx.index[name]; exists {
		return ctx.fail("duplicate filter name %q", name)
	}
	filt := &Filter{
		Name:      name,
		Threshold: -1,
		Merit:     0,
	}
	ctx.index[name] = len(ctx.filters)
	ctx.filters = append(ctx.filters, filt)
	ctx.current = filt
	return nil
}

func (ctx *parseContext) parseOutObject(args []string) error {
	if len(args) != 2 {
		return ctx.fail("OUT_OBJECT expects a type and a size")
	}
	var otype OutputType
	switch args[0] {
	case "UNMODIFIED":
		otype = OUT_UNMODIFIED
	case "NEW":
		otype = OUT_NEW
	case "CLONE":
		otype = OUT_CLONE
	case "COPY_ATTR":
		otype = OUT_COPY_ATTR
	default:
		return ctx.fail("unknown OUT_OBJECT type %q", args[0])
	}
	size, err := strconv.Atoi(args[1])
	if err != nil {
		return ctx.fail("OUT_OBJECT size %q is not an integer", args[1])
	}
	ctx.current.OutType = otype
	ctx.current.OutObjectSize = size
	return nil
}

func (ctx *parseContext) intArg(directive string, args []string) (int, error) {
	if len(args) != 1 {
		return 0, ctx.fail("%s expects one integer", directive)
	}
	val, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, ctx.fail("%s argument %q is not an integer", directive, args[0])
	}
	return val, nil
}

func (ctx *parseContext) funcArg(directive string, args []string) (string, error) {
	if len(args) != 1 {
		return "", ctx.fail("%s expects one identifier", directive)
	}
	if len(args[0]) > MAX_FUNC {
		return "", ctx.fail("%s name %q exceeds %d characters", directive, args[0], MAX_FUNC)
	}
	return args[0], nil
}

// finish validates the parsed records and assembles the table.
func (ctx *parseContext) finish() (*Table, error) {
	if len(ctx.filters) == 0 {
		return nil, fmt.Errorf("%w: spec contains no filters", ErrInvalidSpec)
	}

	table := &Table{
		Filters:     ctx.filters,
		Application: -1,
		index:       ctx.index,
	}
	if idx, ok := ctx.index[APPLICATION_FILTER]; ok {
		table.Application = idx
	}

	// every dependency must resolve to an existing filter
	for _, filt := range ctx.filters {
		for _, dep := range filt.Dependencies {
			if _, ok := ctx.index[dep]; !ok {
				return nil, fmt.Errorf("%w: filter %s requires unknown filter %s", ErrMissingDependency, filt.Name, dep)
			}
		}
	}

	if err := computeSignatures(table); err != nil {
		return nil, err
	}
	return table, nil
}

// computeSignatures derives each filter's content signature, dependencies
// first. The walk doubles as a cycle check so a table is never published
// with half-computed signatures.
func computeSignatures(table *Table) error {
	state := make([]int, table.Len()) // 0 fresh, 1 visiting, 2 done

	var visit func(idx int) error
	visit = func(idx int) error {
		switch state[idx] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("%w: cycle in REQUIRES involving %s", ErrInvalidSpec, table.Filters[idx].Name)
		}
		state[idx] = 1
		filt := table.Filters[idx]

		hash := sha1.New()
		hash.Write([]byte(filt.Name))
		hash.Write([]byte{0})
		hash.Write([]byte(filt.EvalFunction + "|" + filt.InitFunction + "|" + filt.FiniFunction))
		hash.Write([]byte{0})
		for _, arg := range filt.Args {
			hash.Write([]byte(arg))
			hash.Write([]byte{0})
		}
		fmt.Fprintf(hash, "%d|%d|%d|%d", filt.Threshold, filt.Merit, filt.InObjectSize, filt.OutObjectSize)
		for _, dep := range filt.Dependencies {
			depIdx := table.index[dep]
			if err := visit(depIdx); err != nil {
				return err
			}
			hash.Write([]byte(table.Filters[depIdx].signature))
		}
		filt.signature = hex.EncodeToString(hash.Sum(nil))
		state[idx] = 2
		return nil
	}

	for idx := range table.Filters {
		if err := visit(idx); err != nil {
			return err
		}
	}
	return nil
}
