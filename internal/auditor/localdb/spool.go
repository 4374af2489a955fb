package localdb

import (
	"context"
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
)

const spoolKeyPrefix = "spool/"

// SpooledRecord is one record in the spool.
type SpooledRecord struct {
	Key []byte
	Doc bson.Raw
}

func getSpoolPrefixForScan(scanID string) []byte {
	return []byte(spoolKeyPrefix + scanID + "/")
}

// Spool persists the given document (BSON-marshaled) under the given scan.
func (ldb *LocalDB) Spool(scanID string, doc any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "marshaling %T for spool", doc)
	}

	num, err := ldb.seq.Next()
	if err != nil {
		return errors.Wrap(err, "getting next spool sequence number")
	}

	key := binary.BigEndian.AppendUint64(getSpoolPrefixForScan(scanID), num)

	return errors.Wrap(
		ldb.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, raw)
		}),
		"writing to spool",
	)
}

// CountSpooled returns how many records the spool holds for the scan.
func (ldb *LocalDB) CountSpooled(scanID string) (int, error) {
	prefix := getSpoolPrefixForScan(scanID)
	count := 0

	err := ldb.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}

		return nil
	})

	if err != nil {
		return 0, errors.Wrap(err, "counting spooled records")
	}

	return count, nil
}

// GetSpoolReader streams the scan’s spooled records in insertion order.
// The channel closes after the last record or after an error.
func (ldb *LocalDB) GetSpoolReader(ctx context.Context, scanID string) <-chan mo.Result[SpooledRecord] {
	retChan := make(chan mo.Result[SpooledRecord])
	prefix := getSpoolPrefixForScan(scanID)

	go func() {
		defer close(retChan)

		err := ldb.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()

				val, err := item.ValueCopy(nil)
				if err != nil {
					return errors.Wrapf(err, "reading spooled record %x", item.Key())
				}

				select {
				case <-ctx.Done():
					return context.Cause(ctx)
				case retChan <- mo.Ok(SpooledRecord{Key: item.KeyCopy(nil), Doc: val}):
				}
			}

			return nil
		})

		if err != nil {
			select {
			case <-ctx.Done():
			case retChan <- mo.Err[SpooledRecord](err):
			}
		}
	}()

	return retChan
}

// DeleteSpooled removes the given records from the spool.
func (ldb *LocalDB) DeleteSpooled(keys ...[]byte) error {
	wb := ldb.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return errors.Wrapf(err, "deleting spooled record %x", key)
		}
	}

	return errors.Wrap(wb.Flush(), "deleting spooled records")
}
