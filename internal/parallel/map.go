package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map is a parallel mapping function, which runs mapFunc for every input in
// parallel (at most limit at once) and yields every result, including the
// failed ones. A failing mapFunc never cancels its siblings, so Iter is a
// join-all: it ends once every started mapFunc has returned.
//
//	for result, err := range parallel.NewMap(ctx, limit, fn).Iter(input) {}
type Map[E, D any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	g       *errgroup.Group
	mapped  chan result[D]
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(parentCtx)
	g := new(errgroup.Group)
	// +1 for the feeding goroutine
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		ctx:     ctx,
		cancel:  cancel,
		g:       g,
		mapped:  make(chan result[D], limit),
		mapFunc: mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		for entry, nerr := range seq {
			if nerr != nil {
				var zero D
				s.mapped <- result[D]{d: zero, e: nerr}
				continue
			}
			s.g.Go(func() error {
				d, err := s.mapFunc(s.ctx, entry)
				s.mapped <- result[D]{d: d, e: err}
				return nil
			})
		}
		return nil
	})
}

// Iter starts the workers and yields results in completion order. Breaking
// out of the loop cancels the context passed to mapFunc; the remaining
// results are drained in the background.
func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			s.cancel()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if !yield(r.d, r.e) {
				s.cancel()
				go func() {
					for range s.mapped {
					}
				}()
				return
			}
		}
	}
}

// Slice adapts a slice to the iterator shape accepted by Iter.
func Slice[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}
