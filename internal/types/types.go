package types

import (
	"golang.org/x/exp/constraints"
)

// DocumentCount represents a count of BSON/MongoDB documents.
type DocumentCount uint64

// PairCount represents a count of (chunk, shard) scan pairs.
type PairCount uint64

// RealNumber represents any real (i.e., non-complex) number type.
type RealNumber interface {
	constraints.Integer | constraints.Float
}
