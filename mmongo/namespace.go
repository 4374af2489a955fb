package mmongo

import (
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// SplitNamespace returns db, collection
func SplitNamespace(namespace string) (string, string) {
	dot := strings.Index(namespace, ".")
	if dot < 0 {
		return namespace, ""
	}
	return namespace[:dot], namespace[dot+1:]
}

// FullName returns the collection’s namespace, e.g., "mydb.mycoll".
func FullName(coll *mongo.Collection) string {
	return coll.Database().Name() + "." + coll.Name()
}
