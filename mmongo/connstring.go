package mmongo

import (
	"fmt"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MaybeAddDirectConnection sets the `directConnection` option on the
// client options if:
//   - There is only 1 host.
//   - The options lack settings that contraindicate a direct connection.
//
// This logic mimics mongosh’s behavior. See:
// https://github.com/mongodb-js/mongosh/blob/fea739edfa86edc2a60756d9a9d478f87d94ddda/packages/arg-parser/src/uri-generator.ts#L308
func MaybeAddDirectConnection(opts *options.ClientOptions) (bool, error) {
	if err := opts.Validate(); err != nil {
		return false, errors.Wrap(err, "validating client options")
	}

	switch len(opts.Hosts) {
	case 0:
		return false, fmt.Errorf("client options have no hosts")
	case 1:
		if opts.ReplicaSet == nil && opts.Direct == nil && opts.LoadBalanced == nil {
			opts.SetDirect(true)
			return true, nil
		}
	}

	return false, nil
}
