package auditor

import (
	"context"
	"sync"

	"github.com/mongodb-labs/orphan-auditor/internal/types"
	"github.com/mongodb-labs/orphan-auditor/mbson"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeCluster is an in-memory sharded cluster. Every document has an
// int64 shard-key field named "x".
type fakeCluster struct {
	mu sync.Mutex

	settingsPresent bool
	balancerEnabled bool

	// balancerMode is nil while the settings document lacks `mode`.
	balancerMode *string
	setCalls        []bool

	// busyChecks is how many quiescence checks report a migration.
	busyChecks       int
	quiescenceChecks int

	shards []Shard
	chunks []Chunk

	failListChunks bool

	// docs maps shard ID -> namespace -> documents.
	docs map[string]map[string][]bson.Raw

	unreachable map[string]bool
	unsupported map[string]bool
	failRecords bool

	// beforeScan, if set, runs before each scan.
	beforeScan func(ctx context.Context)

	scans   int
	records []OrphanRecord

	// recordsAfterSink is len(records) after each detailed-mode match
	// reaches the sink.
	recordsAfterSink []int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		settingsPresent: true,
		balancerEnabled: true,
		docs:            map[string]map[string][]bson.Raw{},
		unreachable:     map[string]bool{},
		unsupported:     map[string]bool{},
	}
}

func (fc *fakeCluster) addShard(id string) {
	fc.shards = append(fc.shards, Shard{
		ID:         id,
		Host:       "rs" + id + "/" + id + ".example.net:27018",
		ReplicaSet: "rs" + id,
		Seeds:      []string{id + ".example.net:27018"},
	})
}

// addChunk adds a chunk on field "x". Pass nil for MinKey/MaxKey.
func (fc *fakeCluster) addChunk(namespace, owner string, minX, maxX *int64) Chunk {
	minVal := any(primitive.MinKey{})
	if minX != nil {
		minVal = *minX
	}

	maxVal := any(primitive.MaxKey{})
	if maxX != nil {
		maxVal = *maxX
	}

	chunk, err := NewChunk(
		mbson.MustConvertToRawValue(primitive.NewObjectID()),
		owner,
		namespace,
		mustMarshal(bson.D{{"x", minVal}}),
		mustMarshal(bson.D{{"x", maxVal}}),
		false,
	)
	if err != nil {
		panic(err)
	}

	fc.chunks = append(fc.chunks, chunk)

	return chunk
}

func (fc *fakeCluster) insert(shard, namespace string, xs ...int64) {
	if fc.docs[shard] == nil {
		fc.docs[shard] = map[string][]bson.Raw{}
	}

	for _, x := range xs {
		fc.docs[shard][namespace] = append(
			fc.docs[shard][namespace],
			mustMarshal(bson.D{{"_id", primitive.NewObjectID()}, {"x", x}}),
		)
	}
}

func (fc *fakeCluster) getRecords() []OrphanRecord {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	return append([]OrphanRecord{}, fc.records...)
}

func (fc *fakeCluster) getRecordsAfterSink() []int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	return append([]int{}, fc.recordsAfterSink...)
}

func (fc *fakeCluster) getSetCalls() []bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	return append([]bool{}, fc.setCalls...)
}

func (fc *fakeCluster) getScans() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	return fc.scans
}

type fakeGate struct {
	cluster *fakeCluster
}

func (fc *fakeCluster) gate() *fakeGate {
	return &fakeGate{fc}
}

func (g *fakeGate) GetBalancerSettings(_ context.Context) (BalancerSettings, error) {
	g.cluster.mu.Lock()
	defer g.cluster.mu.Unlock()

	if !g.cluster.settingsPresent {
		return BalancerSettings{}, errors.Wrap(ErrMetadataUnavailable, "balancer settings document is missing")
	}

	return BalancerSettings{
		Stopped: lo.ToPtr(!g.cluster.balancerEnabled),
		Mode:    g.cluster.balancerMode,
	}, nil
}

func (g *fakeGate) SetBalancerEnabled(_ context.Context, enabled bool) error {
	g.cluster.mu.Lock()
	defer g.cluster.mu.Unlock()

	g.cluster.setCalls = append(g.cluster.setCalls, enabled)
	g.cluster.balancerEnabled = enabled
	g.cluster.balancerMode = lo.ToPtr(lo.Ternary(enabled, "full", "off"))

	return nil
}

func (g *fakeGate) RestoreBalancerSettings(_ context.Context, settings BalancerSettings) error {
	enabled, err := settings.Enabled()
	if err != nil {
		return err
	}

	g.cluster.mu.Lock()
	defer g.cluster.mu.Unlock()

	g.cluster.setCalls = append(g.cluster.setCalls, enabled)
	g.cluster.balancerEnabled = enabled
	g.cluster.balancerMode = settings.Mode

	return nil
}

func (g *fakeGate) IsQuiescent(_ context.Context) (bool, error) {
	g.cluster.mu.Lock()
	defer g.cluster.mu.Unlock()

	g.cluster.quiescenceChecks++

	return g.cluster.quiescenceChecks > g.cluster.busyChecks, nil
}

type fakeMetadata struct {
	cluster *fakeCluster
}

func (m fakeMetadata) ListChunks(_ context.Context) ([]Chunk, error) {
	if m.cluster.failListChunks {
		return nil, errors.Wrap(ErrMetadataUnavailable, "config.chunks is unreadable")
	}

	return m.cluster.chunks, nil
}

func (m fakeMetadata) ListShards(_ context.Context) ([]Shard, error) {
	return m.cluster.shards, nil
}

type fakeScanner struct {
	cluster *fakeCluster
}

func (s fakeScanner) Scan(
	ctx context.Context,
	shard Shard,
	chunk Chunk,
	mode ScanMode,
	sink OrphanSink,
) (ScanResult, error) {
	if s.cluster.beforeScan != nil {
		s.cluster.beforeScan(ctx)
	}

	if ctx.Err() != nil {
		return ScanResult{}, ctx.Err()
	}

	matches, err := s.matches(shard, chunk)
	if err != nil {
		return ScanResult{}, err
	}

	result := ScanResult{
		Host:  shard.ID + ".example.net",
		Port:  27018,
		Count: types.DocumentCount(len(matches)),
	}

	if mode == ScanModeDetailed && sink != nil {
		for _, doc := range matches {
			sink(result.Host, result.Port, doc)

			s.cluster.mu.Lock()
			s.cluster.recordsAfterSink = append(s.cluster.recordsAfterSink, len(s.cluster.records))
			s.cluster.mu.Unlock()
		}
	}

	return result, nil
}

func (s fakeScanner) matches(shard Shard, chunk Chunk) ([]bson.Raw, error) {
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()

	s.cluster.scans++

	if s.cluster.unreachable[shard.ID] {
		return nil, errors.Wrapf(ErrShardUnreachable, "shard %#q is down", shard.ID)
	}

	if s.cluster.unsupported[chunk.Namespace] {
		return nil, errors.Wrapf(ErrUnsupportedChunk, "%#q is unsupported", chunk.Namespace)
	}

	pred, err := NewRangePredicate(chunk)
	if err != nil {
		return nil, err
	}

	filter := pred.Filter()

	var matches []bson.Raw
	for _, doc := range s.cluster.docs[shard.ID][chunk.Namespace] {
		if matchesInt64(filter, doc.Lookup("x").Int64()) {
			matches = append(matches, doc)
		}
	}

	return matches, nil
}

type fakeRecorder struct {
	cluster *fakeCluster
}

func (r fakeRecorder) Record(_ context.Context, rec OrphanRecord) error {
	r.cluster.mu.Lock()
	defer r.cluster.mu.Unlock()

	if r.cluster.failRecords {
		return errors.Wrap(ErrRecordWrite, "audit store is read-only")
	}

	r.cluster.records = append(r.cluster.records, rec)
	return nil
}

func (suite *UnitTestSuite) newFakeAuditor(fc *fakeCluster, settings AuditorSettings) *Auditor {
	return New(
		fakeMetadata{fc},
		fc.gate(),
		fakeScanner{fc},
		fakeRecorder{fc},
		settings,
		suite.Logger(),
	)
}

func testSettings(mode ScanMode) AuditorSettings {
	settings := DefaultSettings()
	settings.Mode = mode
	settings.QuiescenceWait = 0

	return settings
}

func countOf(rec OrphanRecord) types.DocumentCount {
	return types.DocumentCount(rec.Doc.Lookup("count").Int64())
}
