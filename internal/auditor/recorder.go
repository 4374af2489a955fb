package auditor

import (
	"context"
	"fmt"
	"time"

	"github.com/mongodb-labs/orphan-auditor/contextplus"
	"github.com/mongodb-labs/orphan-auditor/internal/auditor/localdb"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/mmongo"
	"github.com/pkg/errors"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	DefaultAuditDBName   = "_orphandocs"
	DefaultAuditCollName = "orphandocs"
)

// OrphanRecord is one audit-store entry. In fast mode Doc is `{count: N}`;
// in detailed mode it is the orphan itself, projected to its _id & shard
// key.
type OrphanRecord struct {
	Host       string        `bson:"host"`
	Port       int           `bson:"port"`
	Shard      string        `bson:"shard"`
	ScanID     string        `bson:"scanId"`
	Doc        bson.Raw      `bson:"doc"`
	Chunk      bson.RawValue `bson:"chunk"`
	Database   string        `bson:"database"`
	Collection string        `bson:"collection"`
	TheDate    time.Time     `bson:"thedate"`
}

// AuditRecorder appends OrphanRecords to a collection. Records that
// cannot be inserted go to the local spool, if there is one.
type AuditRecorder struct {
	coll   *mongo.Collection
	spool  mo.Option[*localdb.LocalDB]
	logger *logger.Logger
}

var _ OrphanRecorder = &AuditRecorder{}

func NewAuditRecorder(
	coll *mongo.Collection,
	spool mo.Option[*localdb.LocalDB],
	logger *logger.Logger,
) *AuditRecorder {
	return &AuditRecorder{
		coll:   coll,
		spool:  spool,
		logger: logger,
	}
}

// Record inserts the record. Failure yields ErrRecordWrite even when the
// record is spooled.
func (r *AuditRecorder) Record(ctx context.Context, rec OrphanRecord) error {
	_, err := r.coll.InsertOne(ctx, rec)
	if err == nil {
		return nil
	}

	err = tagError(ErrRecordWrite, err, "inserting orphan record into %#q", mmongo.FullName(r.coll))

	spool, hasSpool := r.spool.Get()
	if !hasSpool {
		return err
	}

	if spoolErr := spool.Spool(rec.ScanID, rec); spoolErr != nil {
		return fmt.Errorf("%w (spooling also failed: %w)", err, spoolErr)
	}

	r.logger.Warn().
		Err(err).
		Str("scanID", rec.ScanID).
		Msg("Spooled orphan record locally after failing to insert it.")

	return err
}

// ReplaySpool reinserts the scan’s spooled records, removing each one from
// the spool once it is inserted. It returns how many records remain in
// the spool.
func (r *AuditRecorder) ReplaySpool(ctx context.Context, scanID string) (int, error) {
	spool, hasSpool := r.spool.Get()
	if !hasSpool {
		return 0, nil
	}

	readerCtx, cancel := contextplus.WithCancelCause(ctx)
	defer cancel(errors.New("spool replay finished"))

	var inserted [][]byte

	for result := range spool.GetSpoolReader(readerCtx, scanID) {
		rec, err := result.Get()
		if err != nil {
			return 0, errors.Wrap(err, "reading spool")
		}

		if _, err := r.coll.InsertOne(ctx, rec.Doc); err != nil {
			r.logger.Warn().
				Err(err).
				Msg("Failed to insert spooled orphan record. It will stay spooled.")

			break
		}

		inserted = append(inserted, rec.Key)
	}

	if len(inserted) > 0 {
		if err := spool.DeleteSpooled(inserted...); err != nil {
			return 0, errors.Wrap(err, "clearing replayed records from spool")
		}

		r.logger.Info().
			Int("count", len(inserted)).
			Msg("Inserted previously-spooled orphan records.")
	}

	remaining, err := spool.CountSpooled(scanID)
	if err != nil {
		return 0, err
	}

	return remaining, nil
}
