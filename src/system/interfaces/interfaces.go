package interfaces

import (
	"context"
	"errors"
)

// LoggerInterface is the sink the archivist writes to. The stdlib
// *log.Logger satisfies it.
type LoggerInterface interface {
	Println(v ...interface{})
}

// ErrEndOfStream is returned by an object store once the scope is exhausted.
var ErrEndOfStream = errors.New("end of stream")

// ObjectRecord is a single in-flight candidate object. It lives from the
// moment the store hands it out until it is dropped or delivered. Attrs
// accumulates the attributes emitted by filters along the way, Scores the
// per-filter scores.
type ObjectRecord struct {
	ID     string
	Attrs  map[string][]byte
	Scores map[string]int
}

func NewObjectRecord(id string) *ObjectRecord {
	return &ObjectRecord{
		ID:     id,
		Attrs:  make(map[string][]byte),
		Scores: make(map[string]int),
	}
}

// MergeAttrs copies the given attributes into the record, overwriting
// existing keys.
func (o *ObjectRecord) MergeAttrs(attrs map[string][]byte) {
	for key, val := range attrs {
		o.Attrs[key] = val
	}
}

// EvalResult is the outcome of one filter invocation on one object.
type EvalResult struct {
	Score int
	Attrs map[string][]byte
}

// ObjectStoreInterface produces candidate objects in arbitrary order.
// Next returns ErrEndOfStream once the scope is exhausted.
type ObjectStoreInterface interface {
	Next(ctx context.Context) (*ObjectRecord, error)
}

// BlobStoreInterface retrieves filter code and reference blobs by content
// signature.
type BlobStoreInterface interface {
	Get(signature string) ([]byte, error)
}

// FilterRuntimeInterface executes filter entry points. Eval must be
// deterministic given identical (filter signature, object) so that cached
// outcomes stay interchangeable with fresh ones.
type FilterRuntimeInterface interface {
	Init(name string, args []string, blob []byte) error
	Eval(ctx context.Context, name string, obj *ObjectRecord) (EvalResult, error)
	Fini(name string) error
}

// ResultSinkInterface delivers a passing object downstream.
type ResultSinkInterface interface {
	Emit(obj *ObjectRecord) error
}
