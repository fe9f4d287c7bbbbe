package fn

// Map applies f to each item.
func Map[T, U any](items []T, f func(T) U) []U {
	out := make([]U, len(items))
	for i, v := range items {
		out[i] = f(v)
	}
	return out
}

// Chunk splits items into slices of at most n, or returns nil when n <= 0.
// The slices share items' backing array but cannot append into each other.
func Chunk[T any](items []T, n int) [][]T {
	if n <= 0 {
		return nil
	}
	var out [][]T
	for len(items) > 0 {
		end := min(n, len(items))
		out = append(out, items[:end:end])
		items = items[end:]
	}
	return out
}
