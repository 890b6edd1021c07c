package parallel_test

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/valuation-tools/tabctl/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-time.After(d):
			return int(d), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

	type given struct {
		limit int
		ctx   func(t *testing.T) context.Context
	}
	type then struct {
		elapsed time.Duration
		errs    int
	}
	tCtx := func(t *testing.T) context.Context {
		t.Helper()
		return t.Context()
	}
	tmout1500ms := func(t *testing.T) context.Context {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 1500*time.Millisecond)
		t.Cleanup(cancel)
		return ctx
	}

	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{"limit 1", given{1, tCtx}, then{18 * time.Second, 0}},
		{"limit 10", given{10, tCtx}, then{10 * time.Second, 0}},
		{"limit 1, cancel 1.5s", given{1, tmout1500ms}, then{1500 * time.Millisecond, 3}},
		{"limit 10, cancel 1.5s", given{10, tmout1500ms}, then{1500 * time.Millisecond, 3}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				var got, errs int
				for _, err := range parallel.NewMap(tt.given.ctx(t), tt.given.limit, f).Iter(parallel.Slice(input)) {
					got++
					if err != nil {
						require.True(t, errors.Is(err, context.DeadlineExceeded))
						errs++
					}
				}
				// join-all: every input yields exactly one result
				require.Equal(t, len(input), got)
				require.Equal(t, tt.then.errs, errs)
				require.Equal(t, tt.then.elapsed, time.Since(start))
			})
		})
	}
}

func TestMapErrorsDoNotCancelSiblings(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := func(ctx context.Context, i int) (int, error) {
		if i%2 == 0 {
			return 0, boom
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return i, nil
	}

	var ok, failed []int
	for d, err := range parallel.NewMap(t.Context(), 3, f).Iter(parallel.Slice([]int{0, 1, 2, 3, 4, 5})) {
		if err != nil {
			require.ErrorIs(t, err, boom)
			failed = append(failed, d)
			continue
		}
		ok = append(ok, d)
	}
	require.ElementsMatch(t, []int{1, 3, 5}, ok)
	require.Len(t, failed, 3)
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := func(ctx context.Context, d time.Duration) (time.Duration, error) {
			select {
			case <-time.After(d):
				return d, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		input := []time.Duration{time.Second, time.Hour, time.Hour}
		for d, err := range parallel.NewMap(t.Context(), 3, f).Iter(parallel.Slice(input)) {
			require.NoError(t, err)
			require.Equal(t, time.Second, d)
			break
		}
		// the remaining workers observe the cancellation and exit
		synctest.Wait()
	})
}
