package auditor

import (
	"go.mongodb.org/mongo-driver/bson"
)

// RangePredicate selects the documents whose first shard-key field falls
// within a chunk’s range. Ranges are (min, max], except that a MinKey
// lower bound includes everything up to max and a MaxKey upper bound
// includes everything above min.
//
// Only the shard key’s first field is considered, so for compound keys
// the predicate can match documents that belong to neighboring chunks
// whose bounds share the same first-field value.
type RangePredicate struct {
	Field  string
	Min    KeyBound
	Max    KeyBound
	Hashed bool
}

// NewRangePredicate derives a chunk’s RangePredicate.
func NewRangePredicate(chunk Chunk) (RangePredicate, error) {
	minBound, maxBound, err := chunk.Bounds()
	if err != nil {
		return RangePredicate{}, err
	}

	if err := checkBoundOrder(chunk.ID, minBound, maxBound); err != nil {
		return RangePredicate{}, err
	}

	return RangePredicate{
		Field:  chunk.KeyField,
		Min:    minBound,
		Max:    maxBound,
		Hashed: chunk.Hashed,
	}, nil
}

// Filter renders the predicate as a query filter. A chunk that spans the
// whole key space yields an empty filter.
func (p RangePredicate) Filter() bson.D {
	minVal, hasMin := p.Min.Value()
	maxVal, hasMax := p.Max.Value()

	if p.Hashed {
		return p.hashedFilter(minVal, hasMin, maxVal, hasMax)
	}

	var conds bson.D
	if hasMin {
		conds = append(conds, bson.E{"$gt", minVal})
	}
	if hasMax {
		conds = append(conds, bson.E{"$lte", maxVal})
	}

	if len(conds) == 0 {
		return bson.D{}
	}

	return bson.D{{p.Field, conds}}
}

// Hashed bounds are hashes of the key, so the comparison has to happen
// against the field’s hash. $toHashedIndexKey computes that within $expr.
func (p RangePredicate) hashedFilter(
	minVal bson.RawValue, hasMin bool,
	maxVal bson.RawValue, hasMax bool,
) bson.D {
	hashedField := bson.D{{"$toHashedIndexKey", "$" + p.Field}}

	var conds bson.A
	if hasMin {
		conds = append(conds, bson.D{{"$gt", bson.A{hashedField, minVal}}})
	}
	if hasMax {
		conds = append(conds, bson.D{{"$lte", bson.A{hashedField, maxVal}}})
	}

	switch len(conds) {
	case 0:
		return bson.D{}
	case 1:
		return bson.D{{"$expr", conds[0]}}
	default:
		return bson.D{{"$expr", bson.D{{"$and", conds}}}}
	}
}

// Projection limits query results to the document’s _id and key field.
func (p RangePredicate) Projection() bson.D {
	if p.Field == "_id" {
		return bson.D{{"_id", 1}}
	}

	return bson.D{{"_id", 1}, {p.Field, 1}}
}
