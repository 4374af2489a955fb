package localdb

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

const (
	schemaVersionKey = "meta/formatVersion"
	schemaVersion    = uint16(1)

	sequenceKey = "meta/spoolSequence"
)

func verifySchemaVersion(db *badger.DB) error {
	metadataVersionBytes := formatUint(schemaVersion)

	return db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaVersionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set([]byte(schemaVersionKey), metadataVersionBytes)
		}
		if err != nil {
			return errors.Wrap(err, "reading schema version")
		}

		versionBytes, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Wrap(err, "copying schema version")
		}

		if bytes.Equal(versionBytes, metadataVersionBytes) {
			return nil
		}

		foundVersion, err := parseUint(versionBytes)
		if err != nil {
			return fmt.Errorf("parsing persisted metadata version (%v): %w", versionBytes, err)
		}

		return fmt.Errorf("found metadata version %d, but %d is required; is this spool from another auditor version?", foundVersion, schemaVersion)
	})
}

func parseUint(buf []byte) (uint64, error) {
	val, err := strconv.ParseUint(string(buf), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %#q as %T: %w", string(buf), val, err)
	}

	return val, nil
}

func formatUint[T constraints.Unsigned](num T) []byte {
	return []byte(strconv.FormatUint(uint64(num), 10))
}
