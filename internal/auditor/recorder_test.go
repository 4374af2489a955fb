package auditor

import (
	"context"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/auditor/localdb"
	"github.com/mongodb-labs/orphan-auditor/mbson"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// unreachableAuditColl returns an audit collection whose server never
// answers, so every insert fails once server selection times out.
func (suite *UnitTestSuite) unreachableAuditColl() *mongo.Collection {
	client, err := mongo.Connect(
		suite.Context(),
		options.Client().
			SetHosts([]string{"127.0.0.1:1"}).
			SetDirect(true).
			SetServerSelectionTimeout(100*time.Millisecond),
	)
	suite.Require().NoError(err)

	suite.T().Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	return client.Database(DefaultAuditDBName).Collection(DefaultAuditCollName)
}

func newTestRecord(scanID string, x int64) OrphanRecord {
	return OrphanRecord{
		Host:       "shardB.example.net",
		Port:       27018,
		Shard:      "shardB",
		ScanID:     scanID,
		Doc:        mustMarshal(bson.D{{"_id", x}, {"x", x}}),
		Chunk:      mbson.MustConvertToRawValue("chunk0"),
		Database:   "db",
		Collection: "coll",
		TheDate:    time.Now().UTC(),
	}
}

func (suite *UnitTestSuite) TestRecorderSpoolsFailedInserts() {
	ctx := suite.Context()

	spool, err := localdb.New(suite.Logger(), suite.T().TempDir())
	suite.Require().NoError(err)
	defer spool.Close()

	recorder := NewAuditRecorder(suite.unreachableAuditColl(), mo.Some(spool), suite.Logger())

	err = recorder.Record(ctx, newTestRecord("scan1", 5))
	suite.Assert().ErrorIs(err, ErrRecordWrite, "a spooled record is still a failed write")

	count, err := spool.CountSpooled("scan1")
	suite.Require().NoError(err)
	suite.Assert().Equal(1, count)

	var spooled []bson.Raw
	for result := range spool.GetSpoolReader(ctx, "scan1") {
		rec, err := result.Get()
		suite.Require().NoError(err)

		spooled = append(spooled, rec.Doc)
	}
	suite.Require().Len(spooled, 1)
	suite.Assert().Equal("shardB", spooled[0].Lookup("shard").StringValue())
	suite.Assert().Equal("scan1", spooled[0].Lookup("scanId").StringValue())
	suite.Assert().EqualValues(5, spooled[0].Lookup("doc", "x").Int64())

	remaining, err := recorder.ReplaySpool(ctx, "scan1")
	suite.Require().NoError(err)
	suite.Assert().Equal(1, remaining, "a failed replay keeps the record")

	count, err = spool.CountSpooled("scan1")
	suite.Require().NoError(err)
	suite.Assert().Equal(1, count)

	remaining, err = recorder.ReplaySpool(ctx, "otherScan")
	suite.Require().NoError(err)
	suite.Assert().Zero(remaining)
}

func (suite *UnitTestSuite) TestRecorderWithoutSpool() {
	ctx := suite.Context()

	recorder := NewAuditRecorder(
		suite.unreachableAuditColl(),
		mo.None[*localdb.LocalDB](),
		suite.Logger(),
	)

	err := recorder.Record(ctx, newTestRecord("scan1", 5))
	suite.Assert().ErrorIs(err, ErrRecordWrite)

	remaining, err := recorder.ReplaySpool(ctx, "scan1")
	suite.Require().NoError(err)
	suite.Assert().Zero(remaining)
}
