package querycache

import "sort"

// InsertSorted returns list with item inserted at its sorted position. list
// must already be ordered by less; equal items keep insertion order. The
// backing array of list may be reused.
func InsertSorted[T any](list []T, item T, less func(a, b T) bool) []T {
	i := sort.Search(len(list), func(i int) bool {
		return less(item, list[i])
	})
	list = append(list, item)
	copy(list[i+1:], list[i:])
	list[i] = item
	return list
}

// UpsertSorted replaces the element same as item, if any, and places item at
// its sorted position. The input slice is not modified.
func UpsertSorted[T any](list []T, item T, less func(a, b T) bool, same func(a, b T) bool) []T {
	out := make([]T, 0, len(list)+1)
	for _, existing := range list {
		if !same(existing, item) {
			out = append(out, existing)
		}
	}
	return InsertSorted(out, item, less)
}
