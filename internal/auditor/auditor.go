// Package auditor finds orphan documents in a sharded cluster: documents
// that a shard holds even though config.chunks assigns their shard-key
// values to a different shard.
package auditor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mongodb-labs/orphan-auditor/contextplus"
	"github.com/mongodb-labs/orphan-auditor/history"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/msync"
	"github.com/pkg/errors"
	"github.com/samber/mo"
)

const (
	DefaultNumWorkers = 4

	// DefaultRestoreTimeout bounds the balancer restore, which runs even
	// after the scan’s context is canceled.
	DefaultRestoreTimeout = time.Minute
)

// MetadataReader reads the cluster’s partition map & shard topology.
type MetadataReader interface {
	ListChunks(ctx context.Context) ([]Chunk, error)
	ListShards(ctx context.Context) ([]Shard, error)
}

// BalancerGate reads & toggles the balancer and observes in-flight
// migrations. RestoreBalancerSettings writes back what
// GetBalancerSettings read, field for field.
type BalancerGate interface {
	GetBalancerSettings(ctx context.Context) (BalancerSettings, error)
	SetBalancerEnabled(ctx context.Context, enabled bool) error
	RestoreBalancerSettings(ctx context.Context, settings BalancerSettings) error
	IsQuiescent(ctx context.Context) (bool, error)
}

// ShardScanner runs a chunk’s range query against one shard.
type ShardScanner interface {
	Scan(ctx context.Context, shard Shard, chunk Chunk, mode ScanMode, sink OrphanSink) (ScanResult, error)
}

// OrphanRecorder persists findings.
type OrphanRecorder interface {
	Record(ctx context.Context, rec OrphanRecord) error
}

// ScanState is where an Auditor is in its run.
type ScanState string

const (
	StateIdle              ScanState = "idle"
	StateBalancerDisabling ScanState = "balancerDisabling"
	StateQuiescenceCheck   ScanState = "quiescenceCheck"
	StateScanning          ScanState = "scanning"
	StateAborted           ScanState = "aborted"
	StateBalancerRestoring ScanState = "balancerRestoring"
	StateDone              ScanState = "done"
	StateFailed            ScanState = "failed"
)

// AuditorSettings holds an Auditor’s tunables.
type AuditorSettings struct {
	Mode           ScanMode
	NumWorkers     int
	QuiescenceWait time.Duration
	RestoreTimeout time.Duration
}

// DefaultSettings returns the settings for a fast-mode scan.
func DefaultSettings() AuditorSettings {
	return AuditorSettings{
		Mode:           ScanModeFast,
		NumWorkers:     DefaultNumWorkers,
		QuiescenceWait: DefaultQuiescenceWait,
		RestoreTimeout: DefaultRestoreTimeout,
	}
}

// Auditor drives a scan: it disables the balancer, waits for quiescence,
// scans every chunk on every shard that does not own it, and restores the
// balancer afterward.
type Auditor struct {
	metadata MetadataReader
	gate     BalancerGate
	scanner  ShardScanner
	recorder OrphanRecorder
	settings AuditorSettings
	logger   *logger.Logger

	running       *msync.TypedAtomic[bool]
	state         *msync.TypedAtomic[ScanState]
	scanID        *msync.TypedAtomic[string]
	startTime     *msync.TypedAtomic[time.Time]
	tally         *msync.TypedAtomic[*tally]
	pairsHistory  *history.History[int]
	workerTracker *WorkerTracker
	cancelScan    *msync.TypedAtomic[mo.Option[context.CancelCauseFunc]]
}

func New(
	metadata MetadataReader,
	gate BalancerGate,
	scanner ShardScanner,
	recorder OrphanRecorder,
	settings AuditorSettings,
	logger *logger.Logger,
) *Auditor {
	if settings.NumWorkers < 1 {
		settings.NumWorkers = 1
	}

	if settings.RestoreTimeout <= 0 {
		settings.RestoreTimeout = DefaultRestoreTimeout
	}

	return &Auditor{
		metadata:      metadata,
		gate:          gate,
		scanner:       scanner,
		recorder:      recorder,
		settings:      settings,
		logger:        logger,
		running:       msync.NewTypedAtomic(false),
		state:         msync.NewTypedAtomic(StateIdle),
		scanID:        msync.NewTypedAtomic(""),
		startTime:     msync.NewTypedAtomic(time.Time{}),
		tally:         msync.NewTypedAtomic(newTally()),
		pairsHistory:  history.New[int](progressRateWindow),
		workerTracker: NewWorkerTracker(settings.NumWorkers),
		cancelScan:    msync.NewTypedAtomic(mo.None[context.CancelCauseFunc]()),
	}
}

// State returns the Auditor’s current state.
func (a *Auditor) State() ScanState {
	return a.state.Load()
}

func (a *Auditor) setState(state ScanState) {
	prev := a.state.Swap(state)

	a.logger.Debug().
		Str("from", string(prev)).
		Str("to", string(state)).
		Msg("Scan state changed.")
}

// Abort cancels the running scan, if any. The balancer is still restored.
// It returns false if no scan is running.
func (a *Auditor) Abort(cause error) bool {
	cancel, running := a.cancelScan.Load().Get()
	if running {
		cancel(cause)
	}

	return running
}

// Run performs one scan.
//
// A cluster whose migrations do not drain yields a Result whose Status is
// StatusBusy and no error. An error means the scan could not complete,
// e.g., because metadata was unavailable or the context was canceled.
// Once the balancer has been disabled, Run always tries to restore it to
// its prior state.
func (a *Auditor) Run(ctx context.Context) (Result, error) {
	if !a.running.CompareAndSwap(false, true) {
		return Result{}, errors.New("a scan is already running")
	}
	defer a.running.Store(false)

	scanID := uuid.New().String()
	startTime := time.Now()

	a.scanID.Store(scanID)
	a.startTime.Store(startTime)
	a.tally.Store(newTally())
	a.pairsHistory.Reset()
	a.setState(StateIdle)

	scanCtx, cancel := contextplus.WithCancelCause(ctx)
	defer cancel(errors.New("scan finished"))

	a.cancelScan.Store(mo.Some(cancel))
	defer a.cancelScan.Store(mo.None[context.CancelCauseFunc]())

	scanLogger := logger.NewSubLogger(a.logger, "scanID", scanID)
	scanLogger.Info().
		Str("mode", string(a.settings.Mode)).
		Int("numWorkers", a.settings.NumWorkers).
		Msg("Starting orphan scan.")

	priorSettings, err := a.gate.GetBalancerSettings(scanCtx)
	if err != nil {
		a.setState(StateFailed)
		return Result{}, errors.Wrap(err, "reading balancer state")
	}

	wasEnabled, err := priorSettings.Enabled()
	if err != nil {
		a.setState(StateFailed)
		return Result{}, tagError(ErrMetadataUnavailable, err, "reading balancer state")
	}

	scanLogger.Info().
		Bool("balancerEnabled", wasEnabled).
		Msg("Read balancer state.")

	a.setState(StateBalancerDisabling)
	result, err := a.runWithBalancerDisabled(scanCtx, scanID, scanLogger)

	a.setState(StateBalancerRestoring)
	restoreErr := a.restoreBalancer(ctx, priorSettings, scanLogger)

	if err != nil {
		a.setState(StateFailed)

		if restoreErr != nil {
			scanLogger.Error().
				Err(restoreErr).
				Msg("Failed to restore the balancer after a failed scan. Restore it manually.")
		}

		return Result{}, err
	}

	if restoreErr != nil {
		a.setState(StateFailed)
		return Result{}, restoreErr
	}

	result.ScanID = scanID
	result.Duration = time.Since(startTime)

	a.setState(StateDone)

	scanLogger.Info().
		Str("status", string(result.Status)).
		Uint64("orphanDocumentCount", uint64(result.OrphanDocumentCount)).
		Stringer("duration", result.Duration).
		Msg("Orphan scan finished.")

	return result, nil
}

func (a *Auditor) runWithBalancerDisabled(
	ctx context.Context,
	scanID string,
	logger *logger.Logger,
) (Result, error) {
	if err := a.gate.SetBalancerEnabled(ctx, false); err != nil {
		return Result{}, errors.Wrap(err, "disabling balancer")
	}

	a.setState(StateQuiescenceCheck)

	err := awaitQuiescence(ctx, a.gate, a.settings.QuiescenceWait, logger)
	if errors.Is(err, ErrBusyCluster) {
		a.setState(StateAborted)

		logger.Warn().
			Err(err).
			Msg("Cluster is still migrating chunks. No chunks were scanned.")

		return Result{Status: StatusBusy}, nil
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "awaiting quiescence")
	}

	a.setState(StateScanning)

	return a.scan(ctx, scanID, logger)
}

// restoreBalancer runs on a context detached from the scan’s so that
// cancellation does not leave the balancer disabled.
func (a *Auditor) restoreBalancer(ctx context.Context, settings BalancerSettings, logger *logger.Logger) error {
	restoreCtx, cancel := contextplus.WithTimeoutCause(
		context.WithoutCancel(ctx),
		a.settings.RestoreTimeout,
		errors.New("restoring balancer took too long"),
	)
	defer cancel()

	// Enabled cannot fail here; Run checked it before disabling.
	enabled, _ := settings.Enabled()

	if err := a.gate.RestoreBalancerSettings(restoreCtx, settings); err != nil {
		return errors.Wrapf(err, "restoring balancer to enabled=%t", enabled)
	}

	logger.Info().
		Bool("balancerEnabled", enabled).
		Msg("Restored balancer state.")

	return nil
}
