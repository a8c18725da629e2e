package platform

import "slices"

// IsValidTag reports whether the given platform tag is one mlget can resolve.
func IsValidTag(tag string) bool {
	return slices.Contains(ValidTags(), tag)
}
