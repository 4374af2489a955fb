// Package comparehashed knows which servers can evaluate hashed shard-key
// values inside a query.
package comparehashed

import "github.com/mongodb-labs/orphan-auditor/mmongo"

// backportedSince maps each major version to the first release of its
// stable line that has `$toHashedIndexKey`. Every later minor release of
// these majors also has it, except in the 4.x series where only 4.4 does.
var backportedSince = map[int][]int{
	4: {4, 4, 29},
	5: {5, 0, 25},
	6: {6, 0, 14},
	7: {7, 0, 6},
}

// CanQueryViaToHashedIndexKey indicates whether a server of the given
// version supports the `$toHashedIndexKey` aggregation operator, which
// lets a `$expr` query compare a field’s hashed value against hashed
// chunk bounds.
func CanQueryViaToHashedIndexKey(version []int) bool {
	if len(version) < 3 {
		return false
	}

	if mmongo.VersionAtLeast(version, 8) {
		return true
	}

	since, ok := backportedSince[version[0]]
	if !ok {
		return false
	}

	if version[0] == 4 && version[1] != 4 {
		return false
	}

	return mmongo.VersionAtLeast(version, since...)
}
