package auditor

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/cespare/permute/v2"
	"github.com/mongodb-labs/orphan-auditor/mbson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func (suite *UnitTestSuite) TestPredicateFilters() {
	ten := mbson.MustConvertToRawValue(int32(10))
	twenty := mbson.MustConvertToRawValue(int32(20))

	cases := []struct {
		label  string
		min    any
		max    any
		expect bson.D
	}{
		{
			label:  "lowest chunk",
			min:    primitive.MinKey{},
			max:    int32(10),
			expect: bson.D{{"x", bson.D{{"$lte", ten}}}},
		},
		{
			label:  "highest chunk",
			min:    int32(10),
			max:    primitive.MaxKey{},
			expect: bson.D{{"x", bson.D{{"$gt", ten}}}},
		},
		{
			label:  "interior chunk",
			min:    int32(10),
			max:    int32(20),
			expect: bson.D{{"x", bson.D{{"$gt", ten}, {"$lte", twenty}}}},
		},
		{
			label:  "whole key space",
			min:    primitive.MinKey{},
			max:    primitive.MaxKey{},
			expect: bson.D{},
		},
	}

	for _, c := range cases {
		chunk, err := NewChunk(
			mbson.MustConvertToRawValue("chunk"),
			"shardA",
			"db.coll",
			mustMarshal(bson.D{{"x", c.min}}),
			mustMarshal(bson.D{{"x", c.max}}),
			false,
		)
		suite.Require().NoError(err, c.label)

		pred, err := NewRangePredicate(chunk)
		suite.Require().NoError(err, c.label)

		suite.Assert().Equal(c.expect, pred.Filter(), c.label)
		suite.Assert().Equal(bson.D{{"_id", 1}, {"x", 1}}, pred.Projection(), c.label)
	}
}

func (suite *UnitTestSuite) TestPredicateInvertedRange() {
	chunk := Chunk{
		ID:        mbson.MustConvertToRawValue("chunk"),
		Shard:     "shardA",
		Namespace: "db.coll",
		Min:       mustMarshal(bson.D{{"x", primitive.MaxKey{}}}),
		Max:       mustMarshal(bson.D{{"x", 1}}),
		KeyField:  "x",
	}

	_, err := NewRangePredicate(chunk)
	suite.Assert().ErrorContains(err, "inverted")
}

func (suite *UnitTestSuite) TestPredicateIDKey() {
	chunk, err := NewChunk(
		mbson.MustConvertToRawValue("chunk"),
		"shardA",
		"db.coll",
		mustMarshal(bson.D{{"_id", primitive.MinKey{}}}),
		mustMarshal(bson.D{{"_id", "m"}}),
		false,
	)
	suite.Require().NoError(err)

	pred, err := NewRangePredicate(chunk)
	suite.Require().NoError(err)
	suite.Assert().Equal(bson.D{{"_id", 1}}, pred.Projection())
}

func (suite *UnitTestSuite) TestPredicateHashed() {
	lower := mbson.MustConvertToRawValue(int64(-100))
	upper := mbson.MustConvertToRawValue(int64(100))
	hashedField := bson.D{{"$toHashedIndexKey", "$x"}}

	pred := RangePredicate{
		Field:  "x",
		Min:    ValueBound(lower),
		Max:    ValueBound(upper),
		Hashed: true,
	}

	suite.Assert().Equal(
		bson.D{{"$expr", bson.D{{"$and", bson.A{
			bson.D{{"$gt", bson.A{hashedField, lower}}},
			bson.D{{"$lte", bson.A{hashedField, upper}}},
		}}}}},
		pred.Filter(),
	)

	pred.Min = MinKeyBound()
	suite.Assert().Equal(
		bson.D{{"$expr", bson.D{{"$lte", bson.A{hashedField, upper}}}}},
		pred.Filter(),
	)

	pred.Max = MaxKeyBound()
	suite.Assert().Equal(bson.D{}, pred.Filter())
}

// matchesInt64 evaluates a non-hashed RangePredicate filter against a
// document whose key field is the given integer.
func matchesInt64(filter bson.D, key int64) bool {
	if len(filter) == 0 {
		return true
	}

	for _, op := range filter[0].Value.(bson.D) {
		bound := op.Value.(bson.RawValue).AsInt64()

		switch op.Key {
		case "$gt":
			if key <= bound {
				return false
			}
		case "$lte":
			if key > bound {
				return false
			}
		default:
			panic("unexpected operator: " + op.Key)
		}
	}

	return true
}

func makePartition(splits []int64) []Chunk {
	bounds := []any{primitive.MinKey{}}
	for _, s := range splits {
		bounds = append(bounds, s)
	}
	bounds = append(bounds, primitive.MaxKey{})

	chunks := make([]Chunk, 0, len(bounds)-1)
	for i := range len(bounds) - 1 {
		chunk, err := NewChunk(
			mbson.MustConvertToRawValue(fmt.Sprintf("chunk%d", i)),
			fmt.Sprintf("shard%d", i%3),
			"db.coll",
			mustMarshal(bson.D{{"k", bounds[i]}}),
			mustMarshal(bson.D{{"k", bounds[i+1]}}),
			false,
		)
		if err != nil {
			panic(err)
		}

		chunks = append(chunks, chunk)
	}

	return chunks
}

func (suite *UnitTestSuite) TestPredicatesPartitionKeySpace() {
	rng := rand.New(rand.NewPCG(8675309, 42))

	for round := range 50 {
		splitSet := map[int64]struct{}{}
		for range 1 + rng.IntN(8) {
			splitSet[rng.Int64N(2000)-1000] = struct{}{}
		}

		splits := make([]int64, 0, len(splitSet))
		for s := range splitSet {
			splits = append(splits, s)
		}
		slices.Sort(splits)

		chunks := makePartition(splits)

		filters := make([]bson.D, len(chunks))
		for i, chunk := range chunks {
			pred, err := NewRangePredicate(chunk)
			suite.Require().NoError(err)
			filters[i] = pred.Filter()
		}

		samples := []int64{math.MinInt64, math.MaxInt64, 0}
		for _, s := range splits {
			samples = append(samples, s-1, s, s+1)
		}
		for range 100 {
			samples = append(samples, rng.Int64N(4000)-2000)
		}

		for _, key := range samples {
			matched := 0
			for _, filter := range filters {
				if matchesInt64(filter, key) {
					matched++
				}
			}

			suite.Require().Equal(
				1,
				matched,
				"round %d: key %d should match exactly one chunk (splits: %v)",
				round,
				key,
				splits,
			)
		}
	}
}

func (suite *UnitTestSuite) TestPredicatePartitionOrderIndependent() {
	chunks := makePartition([]int64{-50, 0, 75})

	owners := map[int64]string{}
	for _, key := range []int64{-51, -50, -49, 0, 1, 75, 76} {
		for _, chunk := range chunks {
			pred, err := NewRangePredicate(chunk)
			suite.Require().NoError(err)

			if matchesInt64(pred.Filter(), key) {
				owners[key] = chunk.ID.StringValue()
			}
		}
	}

	suite.Assert().Equal("chunk0", owners[-50], "a chunk’s max belongs to it")
	suite.Assert().Equal("chunk1", owners[-49])
	suite.Assert().Equal("chunk3", owners[76])

	p := permute.Slice(chunks)
	for p.Permute() {
		for key, owner := range owners {
			var found []string
			for _, chunk := range chunks {
				pred, err := NewRangePredicate(chunk)
				suite.Require().NoError(err)

				if matchesInt64(pred.Filter(), key) {
					found = append(found, chunk.ID.StringValue())
				}
			}

			suite.Require().Equal([]string{owner}, found, "key %d", key)
		}
	}
}
