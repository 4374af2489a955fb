package auditor

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/auditor/localdb"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/internal/retry"
	"github.com/mongodb-labs/orphan-auditor/internal/util"
	"github.com/mongodb-labs/orphan-auditor/mmongo"
	"github.com/pkg/errors"
	"github.com/samber/mo"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// AppName identifies the auditor’s connections in server logs.
const AppName = "orphan-auditor"

const authSource = "admin"

// ClusterSettings describes how to reach the cluster & where to put
// findings.
type ClusterSettings struct {
	Host     string
	Port     int
	Username string
	Password string

	ShardConnectTimeout time.Duration

	AuditDBName   string
	AuditCollName string

	// SpoolDir, if set, is where to keep audit records that could not be
	// inserted.
	SpoolDir string
}

// Cluster is a connection to a sharded cluster’s mongos, along with the
// components that an Auditor needs.
type Cluster struct {
	client   *mongo.Client
	reader   *ConfigReader
	gate     *ConfigBalancerGate
	scanner  *MongoShardScanner
	recorder *AuditRecorder
	spool    mo.Option[*localdb.LocalDB]
	logger   *logger.Logger
}

// Connect connects to the mongos. It fails with ErrMetadataUnavailable if
// the server is unreachable or is not a mongos.
func Connect(ctx context.Context, settings ClusterSettings, l *logger.Logger) (*Cluster, error) {
	addr := net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port))

	opts := options.Client().
		SetHosts([]string{addr}).
		SetAppName(AppName).
		SetReadPreference(readpref.Primary())

	credential := mo.None[options.Credential]()
	if settings.Username != "" {
		credential = mo.Some(options.Credential{
			Username:   settings.Username,
			Password:   settings.Password,
			AuthSource: authSource,
		})

		opts.SetAuth(credential.MustGet())
	}

	if _, err := mmongo.MaybeAddDirectConnection(opts); err != nil {
		return nil, tagError(ErrMetadataUnavailable, err, "configuring connection to %s", addr)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, tagError(ErrMetadataUnavailable, err, "connecting to %s", addr)
	}

	buildInfo, err := util.GetBuildInfo(ctx, client)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, tagError(ErrMetadataUnavailable, err, "reading %s’s build info", addr)
	}

	if !buildInfo.IsSharded {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrapf(ErrMetadataUnavailable, "%s is not a mongos", addr)
	}

	l.Info().
		Str("address", addr).
		Ints("version", buildInfo.VersionArray).
		Msg("Connected to mongos.")

	spool := mo.None[*localdb.LocalDB]()
	if settings.SpoolDir != "" {
		ldb, err := localdb.New(l, settings.SpoolDir)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, errors.Wrapf(err, "opening audit spool in %#q", settings.SpoolDir)
		}

		spool = mo.Some(ldb)
	}

	retryer := retry.New(retry.DefaultDurationLimit)

	auditColl := client.Database(settings.AuditDBName).Collection(
		settings.AuditCollName,
		options.Collection().SetWriteConcern(writeconcern.Majority()),
	)

	return &Cluster{
		client: client,
		reader: NewConfigReader(client, retryer, logger.NewSubLogger(l, "component", "metadata")),
		gate:   NewConfigBalancerGate(client, retryer, logger.NewSubLogger(l, "component", "balancer")),
		scanner: NewMongoShardScanner(
			logger.NewSubLogger(l, "component", "scanner"),
			AppName,
			credential,
			settings.ShardConnectTimeout,
		),
		recorder: NewAuditRecorder(auditColl, spool, logger.NewSubLogger(l, "component", "recorder")),
		spool:    spool,
		logger:   l,
	}, nil
}

// NewAuditor returns an Auditor that scans this cluster.
func (c *Cluster) NewAuditor(settings AuditorSettings) *Auditor {
	return New(c.reader, c.gate, c.scanner, c.recorder, settings, c.logger)
}

// ReplaySpool retries the inserts of a scan’s spooled records. It returns
// how many records remain spooled.
func (c *Cluster) ReplaySpool(ctx context.Context, scanID string) (int, error) {
	return c.recorder.ReplaySpool(ctx, scanID)
}

// Close disconnects from every server and closes the spool.
func (c *Cluster) Close(ctx context.Context) error {
	var firstErr error

	if err := c.scanner.Close(ctx); err != nil {
		firstErr = err
	}

	if err := c.client.Disconnect(ctx); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "disconnecting from mongos")
	}

	if spool, has := c.spool.Get(); has {
		if err := spool.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "closing audit spool")
		}
	}

	return firstErr
}
