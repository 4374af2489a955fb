package auditor

import (
	"github.com/mongodb-labs/orphan-auditor/mbson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func mustMarshal(doc bson.D) bson.Raw {
	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}

	return raw
}

func (suite *UnitTestSuite) TestParseShard() {
	shard, err := ParseShard("shard0", "rs0/host1:27018,host2:27018")
	suite.Require().NoError(err)
	suite.Assert().Equal("rs0", shard.ReplicaSet)
	suite.Assert().Equal([]string{"host1:27018", "host2:27018"}, shard.Seeds)
	suite.Assert().Equal("rs0/host1:27018,host2:27018", shard.Host)

	shard, err = ParseShard("shard1", "host3:27019")
	suite.Require().NoError(err)
	suite.Assert().Empty(shard.ReplicaSet)
	suite.Assert().Equal([]string{"host3:27019"}, shard.Seeds)

	shard, err = ParseShard("shard2", "rs2/host4:1, host5:2,")
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"host4:1", "host5:2"}, shard.Seeds)

	for _, host := range []string{"", "rs0/", "/host:1", ","} {
		_, err := ParseShard("bad", host)
		suite.Assert().Error(err, "host %#q", host)
	}

	_, err = ParseShard("", "host:1")
	suite.Assert().Error(err)
}

func (suite *UnitTestSuite) TestKeyBoundFromRaw() {
	suite.Assert().Equal(
		BoundMinKey,
		KeyBoundFromRaw(mbson.MustConvertToRawValue(primitive.MinKey{})).Kind(),
	)
	suite.Assert().Equal(
		BoundMaxKey,
		KeyBoundFromRaw(mbson.MustConvertToRawValue(primitive.MaxKey{})).Kind(),
	)

	bound := KeyBoundFromRaw(mbson.MustConvertToRawValue(int32(10)))
	suite.Assert().Equal(BoundValue, bound.Kind())

	val, ok := bound.Value()
	suite.Require().True(ok)
	suite.Assert().Equal(int32(10), val.Int32())

	_, ok = MinKeyBound().Value()
	suite.Assert().False(ok)
	suite.Assert().Equal("MaxKey", MaxKeyBound().String())
}

func (suite *UnitTestSuite) TestNewChunk() {
	id := mbson.MustConvertToRawValue(primitive.NewObjectID())

	chunk, err := NewChunk(
		id,
		"shardA",
		"db.coll",
		mustMarshal(bson.D{{"x", primitive.MinKey{}}}),
		mustMarshal(bson.D{{"x", 10}}),
		false,
	)
	suite.Require().NoError(err)
	suite.Assert().Equal("x", chunk.KeyField)

	minBound, maxBound, err := chunk.Bounds()
	suite.Require().NoError(err)
	suite.Assert().Equal(BoundMinKey, minBound.Kind())
	suite.Assert().Equal(BoundValue, maxBound.Kind())

	_, err = NewChunk(
		id,
		"shardA",
		"db.coll",
		mustMarshal(bson.D{{"x", 1}}),
		mustMarshal(bson.D{{"y", 10}}),
		false,
	)
	suite.Assert().ErrorContains(err, "mismatched")

	_, err = NewChunk(
		id,
		"shardA",
		"db.coll",
		mustMarshal(bson.D{}),
		mustMarshal(bson.D{{"x", 10}}),
		false,
	)
	suite.Assert().Error(err)

	for _, bounds := range [][2]bson.Raw{
		{mustMarshal(bson.D{{"x", primitive.MaxKey{}}}), mustMarshal(bson.D{{"x", 10}})},
		{mustMarshal(bson.D{{"x", 1}}), mustMarshal(bson.D{{"x", primitive.MinKey{}}})},
		{mustMarshal(bson.D{{"x", primitive.MaxKey{}}}), mustMarshal(bson.D{{"x", primitive.MinKey{}}})},
	} {
		_, err = NewChunk(id, "shardA", "db.coll", bounds[0], bounds[1], false)
		suite.Assert().ErrorContains(err, "inverted", "bounds %v", bounds)
	}

	_, err = NewChunk(
		id,
		"",
		"db.coll",
		mustMarshal(bson.D{{"x", 1}}),
		mustMarshal(bson.D{{"x", 10}}),
		false,
	)
	suite.Assert().Error(err)
}
