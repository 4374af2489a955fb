package auditor

import (
	"fmt"
	"strings"

	"github.com/mongodb-labs/orphan-auditor/mbson"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

// Shard is one member of the cluster as config.shards describes it.
type Shard struct {
	ID string

	// Host is config.shards’ host string, verbatim.
	Host string

	// ReplicaSet is empty for a standalone shard.
	ReplicaSet string

	Seeds []string
}

// ParseShard builds a Shard from config.shards’ ID & host string. The host
// string is either `rsName/host1:port,host2:port` or `host:port`.
func ParseShard(id, host string) (Shard, error) {
	if id == "" {
		return Shard{}, errors.Errorf("shard with host %#q has no ID", host)
	}

	shard := Shard{
		ID:   id,
		Host: host,
	}

	seedList := host
	if rsName, rest, found := strings.Cut(host, "/"); found {
		if rsName == "" {
			return Shard{}, errors.Errorf("shard %#q’s host (%#q) has an empty replica set name", id, host)
		}

		shard.ReplicaSet = rsName
		seedList = rest
	}

	shard.Seeds = lo.Compact(
		lo.Map(
			strings.Split(seedList, ","),
			func(s string, _ int) string { return strings.TrimSpace(s) },
		),
	)

	if len(shard.Seeds) == 0 {
		return Shard{}, errors.Errorf("shard %#q’s host (%#q) lists no servers", id, host)
	}

	return shard, nil
}

func (s Shard) String() string {
	return fmt.Sprintf("%s (%s)", s.ID, s.Host)
}

// BoundKind distinguishes a concrete chunk bound from the MinKey & MaxKey
// sentinels.
type BoundKind int

const (
	BoundValue BoundKind = iota
	BoundMinKey
	BoundMaxKey
)

func (k BoundKind) String() string {
	switch k {
	case BoundValue:
		return "value"
	case BoundMinKey:
		return "MinKey"
	case BoundMaxKey:
		return "MaxKey"
	default:
		return fmt.Sprintf("BoundKind(%d)", int(k))
	}
}

// KeyBound is one end of a chunk’s range.
type KeyBound struct {
	kind  BoundKind
	value bson.RawValue
}

func MinKeyBound() KeyBound {
	return KeyBound{kind: BoundMinKey}
}

func MaxKeyBound() KeyBound {
	return KeyBound{kind: BoundMaxKey}
}

func ValueBound(val bson.RawValue) KeyBound {
	return KeyBound{kind: BoundValue, value: val}
}

// KeyBoundFromRaw classifies a bound value as config.chunks stores it.
func KeyBoundFromRaw(val bson.RawValue) KeyBound {
	switch val.Type {
	case bson.TypeMinKey:
		return MinKeyBound()
	case bson.TypeMaxKey:
		return MaxKeyBound()
	default:
		return ValueBound(val)
	}
}

func (kb KeyBound) Kind() BoundKind {
	return kb.kind
}

// Value returns the bound’s concrete value. The boolean is false for the
// MinKey & MaxKey sentinels.
func (kb KeyBound) Value() (bson.RawValue, bool) {
	return kb.value, kb.kind == BoundValue
}

func (kb KeyBound) String() string {
	if kb.kind == BoundValue {
		return kb.value.String()
	}

	return kb.kind.String()
}

// Chunk is one range of a sharded collection’s key space, as recorded in
// config.chunks.
type Chunk struct {
	// ID is the chunk document’s _id, verbatim. This is an ObjectID in
	// newer clusters and a string in older ones.
	ID bson.RawValue

	// Shard is the ID of the shard that owns the chunk.
	Shard string

	Namespace string

	Min bson.Raw
	Max bson.Raw

	// KeyField is the first field of the shard key.
	KeyField string

	// Hashed indicates that the shard key’s first field is hashed, which
	// means the bounds are hashes rather than field values.
	Hashed bool
}

// NewChunk validates a chunk’s bounds and derives its key field.
func NewChunk(
	id bson.RawValue,
	shard, namespace string,
	minBound, maxBound bson.Raw,
	hashed bool,
) (Chunk, error) {
	if shard == "" {
		return Chunk{}, errors.Errorf("chunk %s in %#q has no owning shard", id, namespace)
	}

	minElem, err := mbson.FirstElement(minBound)
	if err != nil {
		return Chunk{}, errors.Wrapf(err, "chunk %s in %#q has an invalid min bound", id, namespace)
	}

	maxElem, err := mbson.FirstElement(maxBound)
	if err != nil {
		return Chunk{}, errors.Wrapf(err, "chunk %s in %#q has an invalid max bound", id, namespace)
	}

	if minElem.Key() != maxElem.Key() {
		return Chunk{}, errors.Errorf(
			"chunk %s in %#q has mismatched bound fields (%#q vs. %#q)",
			id,
			namespace,
			minElem.Key(),
			maxElem.Key(),
		)
	}

	if err := checkBoundOrder(
		id,
		KeyBoundFromRaw(minElem.Value()),
		KeyBoundFromRaw(maxElem.Value()),
	); err != nil {
		return Chunk{}, errors.Wrapf(err, "chunk in %#q", namespace)
	}

	return Chunk{
		ID:        id,
		Shard:     shard,
		Namespace: namespace,
		Min:       minBound,
		Max:       maxBound,
		KeyField:  minElem.Key(),
		Hashed:    hashed,
	}, nil
}

// Bounds returns the chunk’s range over its first key field.
func (c Chunk) Bounds() (KeyBound, KeyBound, error) {
	minElem, err := mbson.FirstElement(c.Min)
	if err != nil {
		return KeyBound{}, KeyBound{}, errors.Wrapf(err, "reading chunk %s’s min bound", c.ID)
	}

	maxElem, err := mbson.FirstElement(c.Max)
	if err != nil {
		return KeyBound{}, KeyBound{}, errors.Wrapf(err, "reading chunk %s’s max bound", c.ID)
	}

	return KeyBoundFromRaw(minElem.Value()), KeyBoundFromRaw(maxElem.Value()), nil
}

// checkBoundOrder rejects ranges that start at MaxKey or end at MinKey.
// Concrete bounds are not compared since BSON ordering across types is
// the server’s to define.
func checkBoundOrder(id bson.RawValue, minBound, maxBound KeyBound) error {
	if minBound.Kind() == BoundMaxKey || maxBound.Kind() == BoundMinKey {
		return errors.Errorf(
			"chunk %s has an inverted range (%s, %s]",
			id,
			minBound,
			maxBound,
		)
	}

	return nil
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s on %s [%s]", c.Namespace, c.Shard, c.ID)
}
