// Package progress delivers job progress events to their consumers.
//
// The orchestrator and the registry only see the Sink interface. A run emits
// one event when it starts, one after every processed item and exactly one
// terminal event carrying the final status and counts.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/valuation-tools/tabctl/internal/model"
)

type Sink interface {
	Emit(ctx context.Context, ev model.Event) error
}

type SinkFunc func(ctx context.Context, ev model.Event) error

func (f SinkFunc) Emit(ctx context.Context, ev model.Event) error {
	return f(ctx, ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, model.Event) error { return nil })

type multi []Sink

// Multi emits to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) Emit(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writer writes every event as one JSON line.
type Writer struct {
	mx  sync.Mutex
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) Emit(_ context.Context, ev model.Event) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.enc.Encode(ev)
}
