package parallel_test

import (
	"slices"
	"testing"

	"github.com/valuation-tools/tabctl/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	t.Parallel()

	type given struct {
		k int
		n int
	}
	var testCases = []struct {
		scenario string
		given    given
		then     []int
	}{
		{"10 by 3", given{10, 3}, []int{4, 3, 3}},
		{"7 by 3", given{7, 3}, []int{3, 2, 2}},
		{"even", given{6, 3}, []int{2, 2, 2}},
		{"single shard", given{5, 1}, []int{5}},
		{"more shards than items", given{2, 5}, []int{1, 1}},
		{"zero shards clamps to one", given{3, 0}, []int{3}},
		{"negative shards clamps to one", given{3, -2}, []int{3}},
		{"empty input", given{0, 3}, []int{0, 0, 0}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			shards := parallel.Partition(seq(tt.given.k), tt.given.n)
			require.Equal(t, tt.then, sizes(shards))
		})
	}
}

func TestPartitionProperties(t *testing.T) {
	t.Parallel()
	for k := 0; k <= 40; k++ {
		items := seq(k)
		for n := 1; n <= 12; n++ {
			shards := parallel.Partition(items, n)

			want := n
			if k > 0 && n > k {
				want = k
			}
			require.Len(t, shards, want, "k=%d n=%d", k, n)

			sz := sizes(shards)
			require.LessOrEqual(t, slices.Max(sz)-slices.Min(sz), 1, "k=%d n=%d", k, n)
			// the larger shards come first
			require.True(t, slices.IsSortedFunc(sz, func(a, b int) int { return b - a }), "k=%d n=%d", k, n)
			require.True(t, slices.Equal(items, slices.Concat(shards...)), "k=%d n=%d", k, n)
		}
	}
}

func TestPartitionDoesNotAlias(t *testing.T) {
	t.Parallel()
	items := seq(4)
	shards := parallel.Partition(items, 2)
	shards[0] = append(shards[0], 99)
	require.Equal(t, []int{2, 3}, shards[1])
	require.Equal(t, seq(4), items)
}

func TestNonEmpty(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0, parallel.NonEmpty(parallel.Partition([]int{}, 3)))
	require.Equal(t, 2, parallel.NonEmpty(parallel.Partition(seq(2), 5)))
}

func seq(k int) []int {
	ret := make([]int, k)
	for i := range ret {
		ret[i] = i
	}
	return ret
}

func sizes[T any](shards [][]T) []int {
	ret := make([]int, len(shards))
	for i, s := range shards {
		ret[i] = len(s)
	}
	return ret
}
