// Package attribute implements the weighted name/value tag and the
// multiset container used throughout the kernel: data objects carry
// attribute sets, nodes declare weighted interests, and filters match
// attribute patterns against both.
package attribute
