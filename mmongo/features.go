package mmongo

import (
	"slices"

	"github.com/samber/lo"
)

// VersionAtLeast compares a server’s version array against a version
// given as separate numbers. Only as many components as are given are
// compared, so VersionAtLeast(v, 8) is true for any 8.x release.
func VersionAtLeast(version []int, nums ...int) bool {
	lo.Assertf(len(nums) > 0, "need a major version to compare %v against", version)
	lo.Assertf(
		len(version) >= len(nums),
		"version %v is too short to compare against %v",
		version,
		nums,
	)

	return slices.Compare(version[:len(nums)], nums) >= 0
}
