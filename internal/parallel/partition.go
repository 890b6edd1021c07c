package parallel

// Partition splits items into n ordered shards. Every shard gets len(items)/n
// items and the first len(items)%n shards get one more, so sizes differ by at
// most one and concatenating the shards yields items again.
//
// n is clamped to [1, len(items)] for non-empty input. Empty input yields n
// empty shards (n >= 1); callers skip empty shards.
func Partition[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	k := len(items)
	if k > 0 && n > k {
		n = k
	}

	shards := make([][]T, n)
	base, extra := k/n, k%n
	start := 0
	for i := range n {
		size := base
		if i < extra {
			size++
		}
		shards[i] = items[start : start+size : start+size]
		start += size
	}
	return shards
}

// NonEmpty counts shards holding at least one item.
func NonEmpty[T any](shards [][]T) int {
	var n int
	for _, s := range shards {
		if len(s) > 0 {
			n++
		}
	}
	return n
}
