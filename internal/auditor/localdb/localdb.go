// Package localdb implements a local spool for audit records that could
// not be written to the cluster.
package localdb

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/pkg/errors"
)

const sequenceBandwidth = 100

type LocalDB struct {
	log *logger.Logger
	db  *badger.DB
	seq *badger.Sequence
}

func New(l *logger.Logger, path string) (*LocalDB, error) {
	db, err := badger.Open(
		badger.DefaultOptions(path).
			WithLogger(&badgerLogger{l}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %#q", path)
	}

	err = verifySchemaVersion(db)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "verifying/setting datastore’s version")
	}

	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "reserving spool sequence")
	}

	return &LocalDB{l, db, seq}, nil
}

func (ldb *LocalDB) Close() error {
	if err := ldb.seq.Release(); err != nil {
		ldb.log.Warn().Err(err).Msg("Failed to release local spool sequence.")
	}

	return ldb.db.Close()
}
