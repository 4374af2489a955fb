package auditor

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	clone "github.com/huandu/go-clone/generic"
	"github.com/mongodb-labs/orphan-auditor/internal/comparehashed"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/internal/types"
	"github.com/mongodb-labs/orphan-auditor/internal/util"
	"github.com/mongodb-labs/orphan-auditor/mmongo"
	"github.com/mongodb-labs/orphan-auditor/msync"
	"github.com/pkg/errors"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultShardConnectTimeout bounds how long to spend finding & pinging a
// shard’s primary.
const DefaultShardConnectTimeout = 30 * time.Second

const defaultMongoPort = 27017

// ScanMode determines what a scan returns.
type ScanMode string

const (
	// ScanModeFast counts matching documents.
	ScanModeFast ScanMode = "fast"

	// ScanModeDetailed returns each matching document.
	ScanModeDetailed ScanMode = "detailed"
)

// ScanResult is one chunk’s matches on one non-owning shard.
type ScanResult struct {
	// Host & Port identify the primary that was queried.
	Host string
	Port int

	Count types.DocumentCount
}

// OrphanSink receives each document a detailed scan matches, as the
// cursor yields it. The document holds only its _id & shard-key field.
// host & port identify the primary that returned it.
type OrphanSink func(host string, port int, doc bson.Raw)

// MongoShardScanner queries shards directly, bypassing mongos, so that it
// sees documents the shard holds regardless of chunk ownership.
type MongoShardScanner struct {
	logger         *logger.Logger
	appName        string
	credential     mo.Option[options.Credential]
	connectTimeout time.Duration

	conns *msync.DataGuard[map[string]*shardConn]
}

var _ ShardScanner = &MongoShardScanner{}

// shardConn is a connection to one shard’s primary. A failed connection
// stays failed for the rest of the scan; every pair that needs the shard
// is then skipped.
type shardConn struct {
	once sync.Once

	client  *mongo.Client
	host    string
	port    int
	version []int
	err     error
}

func NewMongoShardScanner(
	logger *logger.Logger,
	appName string,
	credential mo.Option[options.Credential],
	connectTimeout time.Duration,
) *MongoShardScanner {
	return &MongoShardScanner{
		logger:         logger,
		appName:        appName,
		credential:     credential,
		connectTimeout: connectTimeout,
		conns:          msync.NewDataGuard(map[string]*shardConn{}),
	}
}

// Scan runs the chunk’s range predicate against the given shard’s
// primary. In detailed mode every match goes to the sink before the
// next one is read.
func (s *MongoShardScanner) Scan(
	ctx context.Context,
	shard Shard,
	chunk Chunk,
	mode ScanMode,
	sink OrphanSink,
) (ScanResult, error) {
	pred, err := NewRangePredicate(chunk)
	if err != nil {
		return ScanResult{}, errors.Wrapf(err, "building query for chunk %s", chunk.ID)
	}

	conn, err := s.getConn(ctx, shard)
	if err != nil {
		return ScanResult{}, err
	}

	if pred.Hashed && !comparehashed.CanQueryViaToHashedIndexKey(conn.version) {
		return ScanResult{}, errors.Wrapf(
			ErrUnsupportedChunk,
			"chunk %s is hashed, but shard %#q (version %v) cannot query hashed values",
			chunk.ID,
			shard.ID,
			conn.version,
		)
	}

	dbName, collName := mmongo.SplitNamespace(chunk.Namespace)
	coll := conn.client.Database(dbName).Collection(collName)

	result := ScanResult{
		Host: conn.host,
		Port: conn.port,
	}

	switch mode {
	case ScanModeFast:
		count, err := coll.CountDocuments(ctx, pred.Filter())
		if err != nil {
			return ScanResult{}, errors.Wrapf(err, "counting %#q documents on shard %#q", chunk.Namespace, shard.ID)
		}

		result.Count = types.DocumentCount(count)
	case ScanModeDetailed:
		cursor, err := coll.Find(ctx, pred.Filter(), options.Find().SetProjection(pred.Projection()))
		if err != nil {
			return ScanResult{}, errors.Wrapf(err, "querying %#q on shard %#q", chunk.Namespace, shard.ID)
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			result.Count++

			if sink != nil {
				sink(result.Host, result.Port, clone.Clone(cursor.Current))
			}
		}

		if err := cursor.Err(); err != nil {
			return ScanResult{}, errors.Wrapf(err, "reading %#q documents on shard %#q", chunk.Namespace, shard.ID)
		}
	default:
		return ScanResult{}, errors.Errorf("unknown scan mode: %#q", mode)
	}

	return result, nil
}

func (s *MongoShardScanner) getConn(ctx context.Context, shard Shard) (*shardConn, error) {
	var conn *shardConn
	s.conns.Store(func(m map[string]*shardConn) map[string]*shardConn {
		conn = m[shard.ID]
		if conn == nil {
			conn = &shardConn{}
			m[shard.ID] = conn
		}

		return m
	})

	conn.once.Do(func() {
		conn.err = s.connect(ctx, shard, conn)
		if conn.err != nil && conn.client != nil {
			_ = conn.client.Disconnect(context.WithoutCancel(ctx))
			conn.client = nil
		}
	})

	if conn.err != nil {
		return nil, conn.err
	}

	return conn, nil
}

func (s *MongoShardScanner) connect(ctx context.Context, shard Shard, conn *shardConn) error {
	opts := options.Client().
		SetHosts(shard.Seeds).
		SetAppName(s.appName).
		SetReadPreference(readpref.Primary()).
		SetConnectTimeout(s.connectTimeout).
		SetServerSelectionTimeout(s.connectTimeout)

	if shard.ReplicaSet != "" {
		opts.SetReplicaSet(shard.ReplicaSet)
	} else if _, err := mmongo.MaybeAddDirectConnection(opts); err != nil {
		return tagError(ErrShardUnreachable, err, "configuring connection to shard %#q", shard.ID)
	}

	if cred, has := s.credential.Get(); has {
		opts.SetAuth(cred)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return tagError(ErrShardUnreachable, err, "connecting to shard %s", shard)
	}
	conn.client = client

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		if util.IsAuthError(err) {
			return tagError(
				ErrShardUnreachable,
				err,
				"authenticating to shard %s (shards need the same user as the mongos)",
				shard,
			)
		}

		return tagError(ErrShardUnreachable, err, "pinging shard %s’s primary", shard)
	}

	me, err := primaryAddress(ctx, client)
	if err != nil {
		return tagError(ErrShardUnreachable, err, "identifying shard %s’s primary", shard)
	}

	// Standalone servers don’t report their own address.
	if me == "" {
		me = shard.Seeds[0]
	}

	conn.host, conn.port = splitHostPort(me)

	buildInfo, err := util.GetBuildInfo(ctx, client)
	if err != nil {
		return tagError(ErrShardUnreachable, err, "reading shard %s’s build info", shard)
	}
	conn.version = buildInfo.VersionArray

	s.logger.Debug().
		Str("shard", shard.ID).
		Str("primary", me).
		Ints("version", conn.version).
		Msg("Connected to shard.")

	return nil
}

// primaryAddress returns the `me` field from `hello`, falling back to the
// legacy `isMaster` for servers that predate `hello`.
func primaryAddress(ctx context.Context, client *mongo.Client) (string, error) {
	var resp struct {
		Me string `bson:"me"`
	}

	err := client.Database("admin").RunCommand(ctx, bson.D{{"hello", 1}}).Decode(&resp)
	if util.IsCommandNotFoundError(err) {
		err = client.Database("admin").RunCommand(ctx, bson.D{{"isMaster", 1}}).Decode(&resp)
	}

	if err != nil {
		return "", err
	}

	return resp.Me, nil
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultMongoPort
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultMongoPort
	}

	return host, port
}

// Close disconnects from every shard.
func (s *MongoShardScanner) Close(ctx context.Context) error {
	var conns []*shardConn
	s.conns.Store(func(m map[string]*shardConn) map[string]*shardConn {
		for _, conn := range m {
			conns = append(conns, conn)
		}

		return map[string]*shardConn{}
	})

	var firstErr error
	for _, conn := range conns {
		// Wait for any in-flight connection attempt.
		conn.once.Do(func() {})

		if conn.client == nil {
			continue
		}

		if err := conn.client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "disconnecting from %s:%d", conn.host, conn.port)
		}
	}

	return firstErr
}
