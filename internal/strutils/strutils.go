package strutils

// StrListContains looks for a string in a list of strings.
func StrListContains(items []string, item string) bool {
	for _, i := range items {
		if i == item {
			return true
		}
	}
	return false
}

// RemoveDuplicatesStable removes duplicate and empty elements from a slice of
// strings, preserving order.
func RemoveDuplicatesStable(items []string) []string {
	itemsMap := make(map[string]struct{}, len(items))
	deduplicated := make([]string, 0, len(items))

	for _, item := range items {
		if item == "" {
			continue
		}
		if _, ok := itemsMap[item]; ok {
			continue
		}
		itemsMap[item] = struct{}{}
		deduplicated = append(deduplicated, item)
	}
	return deduplicated
}

// StrListsEqualIgnoreOrder reports whether a and b contain the same elements,
// regardless of ordering.  Duplicate elements are counted.
func StrListsEqualIgnoreOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}
