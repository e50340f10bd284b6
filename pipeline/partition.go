package pipeline

// Partition splits items into at most degree contiguous partitions whose
// sizes differ by at most one. Order is preserved within and across
// partitions. A degree below 1 is treated as 1; no partitions are returned
// for an empty input.
func Partition[T any](items []T, degree int) [][]T {
	n := len(items)
	if n == 0 {
		return nil
	}
	if degree < 1 {
		degree = 1
	}
	if degree > n {
		degree = n
	}
	base, extra := n/degree, n%degree
	out := make([][]T, 0, degree)
	start := 0
	for i := 0; i < degree; i++ {
		size := base
		if i < extra {
			size++
		}
		part := make([]T, size)
		copy(part, items[start:start+size])
		out = append(out, part)
		start += size
	}
	return out
}
