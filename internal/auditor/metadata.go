package auditor

import (
	"context"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/internal/retry"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const configDBName = "config"

// ConfigReader reads the partition map & shard topology from a mongos.
type ConfigReader struct {
	client  *mongo.Client
	retryer *retry.Retryer
	logger  *logger.Logger
}

var _ MetadataReader = &ConfigReader{}

func NewConfigReader(client *mongo.Client, retryer *retry.Retryer, logger *logger.Logger) *ConfigReader {
	return &ConfigReader{
		client:  client,
		retryer: retryer,
		logger:  logger,
	}
}

type shardDoc struct {
	ID   string `bson:"_id"`
	Host string `bson:"host"`
}

type collectionDoc struct {
	ID      string        `bson:"_id"`
	UUID    bson.RawValue `bson:"uuid"`
	Key     bson.Raw      `bson:"key"`
	Dropped bool          `bson:"dropped"`
}

type chunkDoc struct {
	ID    bson.RawValue `bson:"_id"`
	NS    string        `bson:"ns"`
	UUID  bson.RawValue `bson:"uuid"`
	Min   bson.Raw      `bson:"min"`
	Max   bson.Raw      `bson:"max"`
	Shard string        `bson:"shard"`
}

// collectionInfo is what chunk parsing needs to know about a sharded
// collection.
type collectionInfo struct {
	namespace string
	hashed    bool
}

// ListShards returns every shard in the cluster, once each, sorted by ID.
func (cr *ConfigReader) ListShards(ctx context.Context) ([]Shard, error) {
	var docs []shardDoc

	err := cr.retryer.WithDescription("listing shards").Run(
		ctx,
		cr.logger,
		func(ctx context.Context, _ *retry.FuncInfo) error {
			cursor, err := cr.client.Database(configDBName).Collection("shards").Find(ctx, bson.D{})
			if err != nil {
				return errors.Wrap(err, "querying config.shards")
			}

			docs = nil
			return errors.Wrap(cursor.All(ctx, &docs), "reading config.shards")
		},
	)
	if err != nil {
		return nil, tagError(ErrMetadataUnavailable, err, "listing shards")
	}

	return parseShards(docs)
}

func parseShards(docs []shardDoc) ([]Shard, error) {
	seen := mapset.NewThreadUnsafeSet[string]()
	shards := make([]Shard, 0, len(docs))

	for _, doc := range docs {
		if !seen.Add(doc.ID) {
			continue
		}

		shard, err := ParseShard(doc.ID, doc.Host)
		if err != nil {
			return nil, tagError(ErrMetadataUnavailable, err, "parsing config.shards")
		}

		shards = append(shards, shard)
	}

	if len(shards) == 0 {
		return nil, errors.Wrap(ErrMetadataUnavailable, "config.shards is empty")
	}

	slices.SortFunc(shards, func(a, b Shard) int {
		return strings.Compare(a.ID, b.ID)
	})

	return shards, nil
}

// ListChunks returns every chunk of every sharded collection. Chunks that
// identify their collection by UUID are resolved to a namespace via
// config.collections.
func (cr *ConfigReader) ListChunks(ctx context.Context) ([]Chunk, error) {
	var collDocs []collectionDoc
	var docs []chunkDoc

	err := cr.retryer.WithDescription("listing chunks").Run(
		ctx,
		cr.logger,
		func(ctx context.Context, fi *retry.FuncInfo) error {
			db := cr.client.Database(configDBName)

			cursor, err := db.Collection("collections").Find(ctx, bson.D{})
			if err != nil {
				return errors.Wrap(err, "querying config.collections")
			}

			collDocs = nil
			if err := cursor.All(ctx, &collDocs); err != nil {
				return errors.Wrap(err, "reading config.collections")
			}

			fi.NoteSuccess()

			cursor, err = db.Collection("chunks").Find(
				ctx,
				bson.D{},
				options.Find().SetSort(bson.D{{"_id", 1}}),
			)
			if err != nil {
				return errors.Wrap(err, "querying config.chunks")
			}

			docs = nil
			return errors.Wrap(cursor.All(ctx, &docs), "reading config.chunks")
		},
	)
	if err != nil {
		return nil, tagError(ErrMetadataUnavailable, err, "listing chunks")
	}

	chunks, err := parseChunks(collDocs, docs)
	if err != nil {
		return nil, err
	}

	cr.logger.Debug().
		Int("collections", len(collDocs)).
		Int("chunks", len(chunks)).
		Msg("Read partition map.")

	return chunks, nil
}

func parseChunks(collDocs []collectionDoc, docs []chunkDoc) ([]Chunk, error) {
	byNamespace := map[string]collectionInfo{}
	byUUID := map[string]collectionInfo{}

	for _, coll := range collDocs {
		if coll.Dropped {
			continue
		}

		info := collectionInfo{
			namespace: coll.ID,
			hashed:    isHashedKey(coll.Key),
		}

		byNamespace[coll.ID] = info
		if !coll.UUID.IsZero() {
			byUUID[string(coll.UUID.Value)] = info
		}
	}

	chunks := make([]Chunk, 0, len(docs))

	for _, doc := range docs {
		var info collectionInfo

		switch {
		case doc.NS != "":
			// Older clusters might lack config.collections entries for
			// some namespaces, in which case the key is assumed to be
			// unhashed.
			info = byNamespace[doc.NS]
			info.namespace = doc.NS
		case !doc.UUID.IsZero():
			var found bool
			info, found = byUUID[string(doc.UUID.Value)]
			if !found {
				return nil, errors.Wrapf(
					ErrMetadataUnavailable,
					"chunk %s refers to unknown collection UUID %s",
					doc.ID,
					doc.UUID,
				)
			}
		default:
			return nil, errors.Wrapf(
				ErrMetadataUnavailable,
				"chunk %s names no collection",
				doc.ID,
			)
		}

		chunk, err := NewChunk(doc.ID, doc.Shard, info.namespace, doc.Min, doc.Max, info.hashed)
		if err != nil {
			return nil, tagError(ErrMetadataUnavailable, err, "parsing config.chunks")
		}

		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// isHashedKey indicates whether a shard key pattern’s first field is
// hashed, e.g., `{x: "hashed"}`.
func isHashedKey(key bson.Raw) bool {
	if len(key) == 0 {
		return false
	}

	elems, err := key.Elements()
	if err != nil || len(elems) == 0 {
		return false
	}

	str, isStr := elems[0].Value().StringValueOK()
	return isStr && str == "hashed"
}

// OppositeShards returns every shard except the owner, each exactly once,
// in their original order.
func OppositeShards(all []Shard, owner string) []Shard {
	seen := mapset.NewThreadUnsafeSet(owner)
	opposite := make([]Shard, 0, len(all))

	for _, shard := range all {
		if !seen.Add(shard.ID) {
			continue
		}

		opposite = append(opposite, shard)
	}

	return opposite
}
