/*Package objstore stores and retrieves JSON-like objects.

A JSON-like object is a mapping from string field names to values that
serialize into JSON: strings, numbers, booleans, nested mappings, or
lists of such values.

The store keeps each object together with a set of string keys that
identify it. The allowed keys are declared when the store is created
with CreateStore. Objects may be retrieved or removed using any subset
of keys; all matching objects are retrieved or removed. Objects may
also be found using conditions, see Condition.

Next to objects the store keeps binary blobs, addressed by the same
keys, and the table of fine-grained allow rules.

There are two implementations: MemoryStore for unit tests and
PostgresStore for production use. All access happens inside a
transaction obtained from Begin or scoped with WithTransaction.
*/
package objstore

import (
	"context"
	"errors"
	"fmt"
)

// Object is a JSON-like resource body.
type Object map[string]interface{}

// Keys identifies an object, or with a subset of the declared keys, a
// group of objects.
type Keys map[string]string

// KeyType is the declared type of a key column. Only strings are
// supported.
type KeyType string

// KeyTypeString is the only accepted key type.
const KeyTypeString KeyType = "string"

// Key declares one key column of a store.
type Key struct {
	Name string
	Type KeyType
}

// Match is one result row of GetMatches.
type Match struct {
	Keys Keys
	Body Object
}

// Transaction is a scoped unit of work against a store. A transaction
// must be finished with exactly one call to Commit or Rollback.
type Transaction interface {
	Commit() error
	Rollback() error
}

// Store persists JSON objects, blobs and allow rules.
type Store interface {
	// CreateStore declares the key columns and creates the backing
	// tables. All key types must be KeyTypeString.
	CreateStore(keys ...Key) error

	// Begin starts a new transaction.
	Begin(ctx context.Context) (Transaction, error)

	// CreateObject inserts body under the given keys. All declared keys
	// must be present. When aux is true, one auxiliary row per distinct
	// flattened (name, value) pair is inserted as well, making the
	// object searchable.
	CreateObject(tx Transaction, body Object, aux bool, keys Keys) error

	// RemoveObjects deletes all objects whose keys match the given
	// subset, together with their auxiliary rows and blobs. It is not
	// an error if nothing matches.
	RemoveObjects(tx Transaction, keys Keys) error

	// GetMatches returns all objects whose keys match the given subset,
	// whose body matches cond and for which allow holds. A nil cond or
	// allow means Yes. At least one of cond or keys must be given.
	GetMatches(tx Transaction, cond, allow Condition, keys Keys) ([]Match, error)

	// CreateBlob stores a binary payload under the given keys. The
	// object with the same keys must exist.
	CreateBlob(tx Transaction, payload []byte, keys Keys) error
	GetBlob(tx Transaction, keys Keys) ([]byte, error)
	RemoveBlob(tx Transaction, keys Keys) error

	AddAllowRule(tx Transaction, rule AllowRule) error
	RemoveAllowRule(tx Transaction, rule AllowRule) error
	HasAllowRule(tx Transaction, rule AllowRule) (bool, error)
	GetAllowRules(tx Transaction) ([]AllowRule, error)
}

// WithTransaction runs fn inside a new transaction. The transaction is
// committed when fn returns nil and rolled back otherwise, with exactly
// one release in either case. A panic inside fn rolls back and
// re-panics.
func WithTransaction(ctx context.Context, s Store, fn func(tx Transaction) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ErrNoConditionOrKeys is returned by GetMatches when neither a
// condition nor keys were given.
var ErrNoConditionOrKeys = errors.New("GetMatches needs a condition or at least one key")

// WrongKeyTypeError reports a key declared with an unsupported type.
type WrongKeyTypeError struct {
	Key  string
	Type KeyType
}

func (e WrongKeyTypeError) Error() string {
	return fmt.Sprintf("key %q has unsupported type %q, only %q is allowed", e.Key, e.Type, KeyTypeString)
}

// UnknownKeyError reports a key the store was not prepared for.
type UnknownKeyError struct {
	Key string
}

func (e UnknownKeyError) Error() string {
	return fmt.Sprintf("store is not prepared for key %q", e.Key)
}

// KeyValueError reports a declared key that was not supplied where the
// full key tuple is required.
type KeyValueError struct {
	Key string
}

func (e KeyValueError) Error() string {
	return fmt.Sprintf("value for key %q is missing", e.Key)
}

// KeyCollisionError reports an attempt to create an object with keys
// that are already in use.
type KeyCollisionError struct {
	Keys Keys
}

func (e KeyCollisionError) Error() string {
	return fmt.Sprintf("cannot add object with same keys: %v", e.Keys)
}

// BlobKeyCollisionError reports an attempt to create a blob with keys
// that are already in use.
type BlobKeyCollisionError struct {
	Keys Keys
}

func (e BlobKeyCollisionError) Error() string {
	return fmt.Sprintf("cannot add blob with same keys: %v", e.Keys)
}

// NoSuchObjectError reports that no object or blob exists for the given
// keys.
type NoSuchObjectError struct {
	Keys Keys
}

func (e NoSuchObjectError) Error() string {
	return fmt.Sprintf("no object with keys: %v", e.Keys)
}
