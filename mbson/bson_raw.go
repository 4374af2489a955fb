// Package mbson holds helpers for reading raw BSON documents such as
// command responses and chunk bounds.
package mbson

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// RawLookup finds the value at the given path in doc and unmarshals it
// into dest. It returns false, and leaves dest alone, if the path is
// absent.
func RawLookup[T any](doc bson.Raw, dest *T, keys ...string) (bool, error) {
	val, err := doc.LookupErr(keys...)

	if err == nil {
		return true, val.Unmarshal(dest)
	} else if errors.Is(err, bsoncore.ErrElementNotFound) {
		return false, nil
	}

	return false, errors.Wrapf(err, "failed to look up %+v in BSON doc", keys)
}

// FirstElement returns the document’s first element. It fails if the
// document is empty or invalid.
func FirstElement(doc bson.Raw) (bson.RawElement, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse BSON doc")
	}

	if len(elems) == 0 {
		return nil, errors.New("BSON doc is empty")
	}

	return elems[0], nil
}

// ConvertToRawValue converts the specified argument to a bson.RawValue.
func ConvertToRawValue(thing any) (bson.RawValue, error) {
	if thing == nil {
		thing = primitive.Null{}
	}

	t, val, err := bson.MarshalValue(thing)
	if err != nil {
		return bson.RawValue{}, errors.Wrapf(err, "failed to encode value (%T) to BSON (%v)", thing, thing)
	}

	return bson.RawValue{
		Type:  t,
		Value: val,
	}, nil
}

// MustConvertToRawValue is like ConvertToRawValue, but it panics if the
// value can’t be marshaled. This is for use in tests only.
func MustConvertToRawValue(thing any) bson.RawValue {
	val, err := ConvertToRawValue(thing)
	if err != nil {
		panic(err)
	}

	return val
}
