package auditor

import (
	"context"
	"sync"
	"time"

	"github.com/mongodb-labs/orphan-auditor/contextplus"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/internal/types"
	"github.com/mongodb-labs/orphan-auditor/internal/util"
	"github.com/mongodb-labs/orphan-auditor/mmongo"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// scanPair is one unit of work: a chunk and a shard that does not own it.
type scanPair struct {
	chunk Chunk
	shard Shard
}

// buildPairs expands the partition map into the full work list.
func buildPairs(chunks []Chunk, shards []Shard) []scanPair {
	pairs := make([]scanPair, 0, len(chunks)*max(0, len(shards)-1))

	for _, chunk := range chunks {
		for _, shard := range OppositeShards(shards, chunk.Shard) {
			pairs = append(pairs, scanPair{chunk: chunk, shard: shard})
		}
	}

	return pairs
}

// findingKey groups findings for the summary.
type findingKey struct {
	Namespace string
	Shard     string
}

// tally accumulates the workers’ results.
type tally struct {
	mu sync.Mutex

	pairsTotal       types.PairCount
	pairsDone        types.PairCount
	skippedPairs     types.PairCount
	unsupportedPairs types.PairCount
	recordFailures   int
	orphans          types.DocumentCount
	findings         map[findingKey]types.DocumentCount
}

func newTally() *tally {
	return &tally{
		findings: map[findingKey]types.DocumentCount{},
	}
}

func (t *tally) start(pairsTotal int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pairsTotal = types.PairCount(pairsTotal)
}

func (t *tally) noteScanned(pair scanPair, count types.DocumentCount) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pairsDone++
	if count > 0 {
		t.orphans += count
		t.findings[findingKey{pair.chunk.Namespace, pair.shard.ID}] += count
	}
}

func (t *tally) noteSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pairsDone++
	t.skippedPairs++
}

func (t *tally) noteUnsupported() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pairsDone++
	t.unsupportedPairs++
}

func (t *tally) noteRecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recordFailures++
}

// snapshot returns a Result that reflects the tally so far.
func (t *tally) snapshot() Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	findings := make(map[findingKey]types.DocumentCount, len(t.findings))
	for k, v := range t.findings {
		findings[k] = v
	}

	return Result{
		OrphanDocumentCount: t.orphans,
		PairsTotal:          t.pairsTotal,
		PairsScanned:        t.pairsDone - t.skippedPairs - t.unsupportedPairs,
		SkippedPairs:        t.skippedPairs,
		UnsupportedPairs:    t.unsupportedPairs,
		RecordFailures:      t.recordFailures,
		findings:            findings,
	}
}

// scan reads the partition map, then feeds every (chunk, non-owning shard)
// pair to the worker pool.
func (a *Auditor) scan(ctx context.Context, scanID string, logger *logger.Logger) (Result, error) {
	shards, err := a.metadata.ListShards(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "reading shards")
	}

	chunks, err := a.metadata.ListChunks(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "reading chunks")
	}

	pairs := buildPairs(chunks, shards)

	logger.Info().
		Int("shards", len(shards)).
		Int("chunks", len(chunks)).
		Int("pairs", len(pairs)).
		Msg("Read partition map. Scanning.")

	curTally := a.tally.Load()
	curTally.start(len(pairs))

	pairChan := make(chan scanPair, len(pairs))
	for _, pair := range pairs {
		pairChan <- pair
	}
	close(pairChan)

	eg, egCtx := contextplus.ErrGroup(ctx)
	for workerNum := range a.settings.NumWorkers {
		eg.Go(func() error {
			return errors.Wrapf(
				a.work(egCtx, workerNum, scanID, pairChan, curTally, logger),
				"worker %d",
				workerNum,
			)
		})
	}

	if err := eg.Wait(); err != nil {
		partial := curTally.snapshot()

		logger.Warn().
			Uint64("orphansSoFar", uint64(partial.OrphanDocumentCount)).
			Uint64("pairsScanned", uint64(partial.PairsScanned)).
			Msg("Scan did not finish. The orphan count so far is incomplete.")

		return Result{}, err
	}

	result := curTally.snapshot()
	result.Status = StatusComplete
	result.Duration = time.Since(a.startTime.Load())

	a.logSummary(result, logger)

	return result, nil
}

func (a *Auditor) work(
	ctx context.Context,
	workerNum int,
	scanID string,
	pairChan <-chan scanPair,
	curTally *tally,
	logger *logger.Logger,
) error {
	for {
		select {
		case <-ctx.Done():
			return util.WrapCtxErrWithCause(ctx)
		case pair, ok := <-pairChan:
			if !ok {
				return nil
			}

			a.workerTracker.Set(workerNum, pair)
			err := a.scanPair(ctx, scanID, pair, curTally, logger)
			a.workerTracker.Unset(workerNum)

			if err != nil {
				return err
			}

			a.pairsHistory.Add(1)
		}
	}
}

// scanPair scans one pair and records any findings. Only cancellation
// makes it fail; other errors are counted and logged.
func (a *Auditor) scanPair(
	ctx context.Context,
	scanID string,
	pair scanPair,
	curTally *tally,
	logger *logger.Logger,
) error {
	record := func(rec OrphanRecord) {
		if err := a.recorder.Record(ctx, rec); err != nil {
			curTally.noteRecordFailure()

			logger.Error().
				Err(err).
				Str("namespace", pair.chunk.Namespace).
				Str("shard", pair.shard.ID).
				Msg("Failed to record orphan finding. Continuing.")
		}
	}

	var sink OrphanSink
	if a.settings.Mode == ScanModeDetailed {
		sink = func(host string, port int, doc bson.Raw) {
			rec := a.newRecord(scanID, pair, host, port)
			rec.Doc = doc

			record(rec)
		}
	}

	result, err := a.scanner.Scan(ctx, pair.shard, pair.chunk, a.settings.Mode, sink)
	if err != nil {
		if ctx.Err() != nil {
			return util.WrapCtxErrWithCause(ctx)
		}

		if errors.Is(err, ErrUnsupportedChunk) {
			curTally.noteUnsupported()

			logger.Warn().
				Err(err).
				Str("namespace", pair.chunk.Namespace).
				Str("shard", pair.shard.ID).
				Msg("Cannot scan chunk on shard. Skipping.")

			return nil
		}

		curTally.noteSkipped()

		logger.Error().
			Err(err).
			Str("namespace", pair.chunk.Namespace).
			Str("shard", pair.shard.ID).
			Msg("Failed to scan chunk on shard. Skipping. The final orphan count is a lower bound.")

		return nil
	}

	curTally.noteScanned(pair, result.Count)

	logger.Debug().
		Str("namespace", pair.chunk.Namespace).
		Stringer("chunk", pair.chunk.ID).
		Str("shard", pair.shard.ID).
		Uint64("orphans", uint64(result.Count)).
		Msg("Scanned chunk on non-owning shard.")

	if result.Count == 0 {
		return nil
	}

	logger.Info().
		Str("namespace", pair.chunk.Namespace).
		Stringer("chunk", pair.chunk.ID).
		Str("shard", pair.shard.ID).
		Str("host", result.Host).
		Int("port", result.Port).
		Uint64("orphans", uint64(result.Count)).
		Msg("Found orphan documents.")

	// Detailed mode already recorded each document.
	if a.settings.Mode == ScanModeFast {
		record(a.countRecord(scanID, pair, result))
	}

	return nil
}

func (a *Auditor) newRecord(scanID string, pair scanPair, host string, port int) OrphanRecord {
	dbName, collName := mmongo.SplitNamespace(pair.chunk.Namespace)

	return OrphanRecord{
		Host:       host,
		Port:       port,
		Shard:      pair.shard.ID,
		ScanID:     scanID,
		Chunk:      pair.chunk.ID,
		Database:   dbName,
		Collection: collName,
		TheDate:    time.Now().UTC(),
	}
}

func (a *Auditor) countRecord(scanID string, pair scanPair, result ScanResult) OrphanRecord {
	countDoc, err := bson.Marshal(bson.D{{"count", int64(result.Count)}})
	if err != nil {
		panic(errors.Wrap(err, "marshaling orphan count"))
	}

	rec := a.newRecord(scanID, pair, result.Host, result.Port)
	rec.Doc = countDoc

	return rec
}
