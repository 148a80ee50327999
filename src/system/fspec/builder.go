package fspec

import (
	"fmt"
)

// Builder assembles a filter table programmatically, for embedders and
// tests that have no spec text at hand. The chain mirrors the directive
// set of the textual format. Filter rejects over-long and duplicate names
// and Build runs the same table validation as Parse (dependency resolution,
// cycle check); the MAX_FUNC and MAX_DEPS limits are not checked here.
type Builder struct {
	filters []*Filter
	index   map[string]int
	current *Filter
	err     error
}

func NewBuilder() *Builder {
	return &Builder{
		index: make(map[string]int),
	}
}

// Filter opens a new filter record; subsequent setters apply to it.
func (b *Builder) Filter(name string) *Builder {
	if b.err != nil {
		return b
	}
	if len(name) > MAX_NAME {
		b.err = fmt.Errorf("%w: filter name %q exceeds %d characters", ErrInvalidSpec, name, MAX_NAME)
		return b
	}
	if _, exists := b.index[name]; exists {
		b.err = fmt.Errorf("%w: duplicate filter name %q", ErrInvalidSpec, name)
		return b
	}
	filt := &Filter{
		Name:      name,
		Threshold: -1,
	}
	b.index[name] = len(b.filters)
	b.filters = append(b.filters, filt)
	b.current = filt
	return b
}

func (b *Builder) onCurrent(apply func(*Filter)) *Builder {
	if b.err != nil {
		return b
	}
	if b.current == nil {
		b.err = fmt.Errorf("%w: attribute set before any Filter", ErrInvalidSpec)
		return b
	}
	apply(b.current)
	return b
}

func (b *Builder) Threshold(val int) *Builder {
	return b.onCurrent(func(f *Filter) { f.Threshold = val })
}

func (b *Builder) Merit(val int) *Builder {
	return b.onCurrent(func(f *Filter) { f.Merit = val })
}

func (b *Builder) EvalFunction(name string) *Builder {
	return b.onCurrent(func(f *Filter) { f.EvalFunction = name })
}

func (b *Builder) InitFunction(name string) *Builder {
	return b.onCurrent(func(f *Filter) { f.InitFunction = name })
}

func (b *Builder) FiniFunction(name string) *Builder {
	return b.onCurrent(func(f *Filter) { f.FiniFunction = name })
}

func (b *Builder) Arg(token string) *Builder {
	return b.onCurrent(func(f *Filter) { f.Args = append(f.Args, token) })
}

func (b *Builder) Requires(name string) *Builder {
	return b.onCurrent(func(f *Filter) { f.Dependencies = append(f.Dependencies, name) })
}

func (b *Builder) InObject(size int) *Builder {
	return b.onCurrent(func(f *Filter) { f.InObjectSize = size })
}

func (b *Builder) OutObject(otype OutputType, size int) *Builder {
	return b.onCurrent(func(f *Filter) {
		f.OutType = otype
		f.OutObjectSize = size
	})
}

// Build validates the assembled records and returns the table.
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	ctx := &parseContext{
		filters: b.filters,
		index:   b.index,
	}
	return ctx.finish()
}
