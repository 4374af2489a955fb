package auditor

import (
	"context"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/internal/retry"
	"github.com/mongodb-labs/orphan-auditor/internal/util"
	"github.com/mongodb-labs/orphan-auditor/mtime"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// DefaultQuiescenceWait is how long to wait for in-flight migrations to
// drain before the second (and last) quiescence check.
const DefaultQuiescenceWait = 30 * time.Second

const balancerDocID = "balancer"

// ConfigBalancerGate reads & toggles the balancer via the config database.
type ConfigBalancerGate struct {
	client  *mongo.Client
	retryer *retry.Retryer
	logger  *logger.Logger
}

var _ BalancerGate = &ConfigBalancerGate{}

func NewConfigBalancerGate(client *mongo.Client, retryer *retry.Retryer, logger *logger.Logger) *ConfigBalancerGate {
	return &ConfigBalancerGate{
		client:  client,
		retryer: retryer,
		logger:  logger,
	}
}

// BalancerSettings is the balancer’s config.settings document as found.
// A nil field was absent.
type BalancerSettings struct {
	Stopped *bool   `bson:"stopped"`
	Mode    *string `bson:"mode"`
}

// Enabled interprets the settings document. Older servers record only
// `stopped`; some tooling records only `mode`.
func (bs BalancerSettings) Enabled() (bool, error) {
	if bs.Stopped != nil {
		return !*bs.Stopped, nil
	}

	if bs.Mode != nil {
		return *bs.Mode != "off", nil
	}

	return false, errors.New("balancer settings document has neither `stopped` nor `mode`")
}

// restoreUpdate writes back exactly the fields the settings held and
// removes any that were absent.
func (bs BalancerSettings) restoreUpdate() bson.D {
	var set, unset bson.D

	if bs.Stopped != nil {
		set = append(set, bson.E{"stopped", *bs.Stopped})
	} else {
		unset = append(unset, bson.E{"stopped", ""})
	}

	if bs.Mode != nil {
		set = append(set, bson.E{"mode", *bs.Mode})
	} else {
		unset = append(unset, bson.E{"mode", ""})
	}

	var update bson.D
	if len(set) > 0 {
		update = append(update, bson.E{"$set", set})
	}
	if len(unset) > 0 {
		update = append(update, bson.E{"$unset", unset})
	}

	return update
}

// GetBalancerSettings reads the balancer’s settings document. It fails
// rather than assume a default if the document is missing or records
// neither field.
func (g *ConfigBalancerGate) GetBalancerSettings(ctx context.Context) (BalancerSettings, error) {
	var settings BalancerSettings

	err := g.retryer.WithDescription("reading balancer settings").Run(
		ctx,
		g.logger,
		func(ctx context.Context, _ *retry.FuncInfo) error {
			return g.client.Database(configDBName).Collection("settings").
				FindOne(ctx, bson.D{{"_id", balancerDocID}}).
				Decode(&settings)
		},
	)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return BalancerSettings{}, errors.Wrap(ErrMetadataUnavailable, "balancer settings document is missing")
	}
	if err != nil {
		return BalancerSettings{}, tagError(ErrMetadataUnavailable, err, "reading balancer settings")
	}

	if _, err := settings.Enabled(); err != nil {
		return BalancerSettings{}, tagError(ErrMetadataUnavailable, err, "reading balancer settings")
	}

	return settings, nil
}

// GetBalancerEnabled reads the balancer’s enabled flag.
func (g *ConfigBalancerGate) GetBalancerEnabled(ctx context.Context) (bool, error) {
	settings, err := g.GetBalancerSettings(ctx)
	if err != nil {
		return false, err
	}

	return settings.Enabled()
}

// SetBalancerEnabled upserts the balancer’s enabled flag.
func (g *ConfigBalancerGate) SetBalancerEnabled(ctx context.Context, enabled bool) error {
	err := g.updateSettings(
		ctx,
		bson.D{{"$set", bson.D{
			{"stopped", !enabled},
			{"mode", lo.Ternary(enabled, "full", "off")},
		}}},
		"setting balancer enabled=%t", enabled,
	)
	if err != nil {
		return err
	}

	g.logger.Info().
		Bool("enabled", enabled).
		Msg("Set balancer state.")

	return nil
}

// RestoreBalancerSettings writes back settings as GetBalancerSettings
// returned them.
func (g *ConfigBalancerGate) RestoreBalancerSettings(ctx context.Context, settings BalancerSettings) error {
	if err := g.updateSettings(ctx, settings.restoreUpdate(), "restoring balancer settings"); err != nil {
		return err
	}

	g.logger.Info().
		Any("stopped", settings.Stopped).
		Any("mode", settings.Mode).
		Msg("Restored balancer settings.")

	return nil
}

func (g *ConfigBalancerGate) updateSettings(
	ctx context.Context,
	update bson.D,
	description string,
	descArgs ...any,
) error {
	coll := g.client.Database(configDBName).Collection(
		"settings",
		options.Collection().SetWriteConcern(writeconcern.Majority()),
	)

	err := g.retryer.WithDescription(description, descArgs...).Run(
		ctx,
		g.logger,
		func(ctx context.Context, _ *retry.FuncInfo) error {
			_, err := coll.UpdateOne(
				ctx,
				bson.D{{"_id", balancerDocID}},
				update,
				options.Update().SetUpsert(true),
			)

			return err
		},
	)
	if err != nil {
		return tagError(ErrMetadataUnavailable, err, description, descArgs...)
	}

	return nil
}

// IsQuiescent indicates whether no chunk migration is in flight. Servers
// that report balancer rounds via `balancerStatus` are asked directly;
// older ones are judged by the balancer’s distributed lock. Either way, a
// config.migrations entry means a migration is in progress.
func (g *ConfigBalancerGate) IsQuiescent(ctx context.Context) (bool, error) {
	var quiescent bool

	err := g.retryer.WithDescription("checking for migrations").Run(
		ctx,
		g.logger,
		func(ctx context.Context, _ *retry.FuncInfo) error {
			inRound, err := g.balancerInRound(ctx)
			if err != nil {
				return err
			}

			if inRound {
				quiescent = false
				return nil
			}

			migrations, err := g.client.Database(configDBName).Collection("migrations").
				CountDocuments(ctx, bson.D{}, options.Count().SetLimit(1))
			if err != nil {
				return errors.Wrap(err, "counting config.migrations")
			}

			quiescent = migrations == 0
			return nil
		},
	)
	if err != nil {
		return false, tagError(ErrMetadataUnavailable, err, "checking for migrations")
	}

	return quiescent, nil
}

func (g *ConfigBalancerGate) balancerInRound(ctx context.Context) (bool, error) {
	var status struct {
		InBalancerRound bool `bson:"inBalancerRound"`
	}

	err := g.client.Database("admin").
		RunCommand(ctx, bson.D{{"balancerStatus", 1}}).
		Decode(&status)

	switch {
	case err == nil:
		return status.InBalancerRound, nil
	case util.IsCommandNotFoundError(err):
		return g.balancerLockHeld(ctx)
	default:
		return false, errors.Wrap(err, "running balancerStatus")
	}
}

func (g *ConfigBalancerGate) balancerLockHeld(ctx context.Context) (bool, error) {
	var lock struct {
		State int `bson:"state"`
	}

	err := g.client.Database(configDBName).Collection("locks").
		FindOne(ctx, bson.D{{"_id", balancerDocID}}).
		Decode(&lock)

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return false, nil
	case err != nil:
		return false, errors.Wrap(err, "reading balancer lock")
	}

	return lock.State > 0, nil
}

// awaitQuiescence checks for in-flight migrations. If it finds any, it
// waits once for them to drain, then checks again. ErrBusyCluster means
// the second check also failed.
func awaitQuiescence(
	ctx context.Context,
	gate BalancerGate,
	wait time.Duration,
	logger *logger.Logger,
) error {
	quiescent, err := gate.IsQuiescent(ctx)
	if err != nil {
		return err
	}

	if quiescent {
		return nil
	}

	logger.Info().
		Stringer("wait", wait).
		Msg("A chunk migration is in progress. Waiting for it to finish.")

	if err := mtime.Sleep(ctx, wait); err != nil {
		return errors.Wrap(err, "waiting for migrations to finish")
	}

	quiescent, err = gate.IsQuiescent(ctx)
	if err != nil {
		return err
	}

	if !quiescent {
		return errors.Wrapf(ErrBusyCluster, "migrations still in progress after %s", wait)
	}

	return nil
}
