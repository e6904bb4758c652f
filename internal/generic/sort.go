package generic

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// SortSliceBy sorts arr in place by the value key(element) returns, ascending
// unless reverse is set. The sort is stable so ties keep their relative
// input order.
func SortSliceBy[T any, K constraints.Ordered](arr []T, reverse bool, key func(T) K) {
	sort.SliceStable(arr, func(i, j int) bool {
		return (key(arr[i]) < key(arr[j])) != reverse
	})
}
