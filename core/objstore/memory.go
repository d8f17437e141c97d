package objstore

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"
)

// MemoryStore is the in-memory object store used by unit tests and by
// services running with the memory-database option. Transactions are
// serialized: Begin blocks until the previous transaction finished.
// Rollback restores the state the store had when the transaction began.
type MemoryStore struct {
	mu      sync.Mutex
	keys    []Key
	objects []memoryObject
	blobs   []memoryBlob
	rules   []AllowRule
}

type memoryObject struct {
	keys Keys
	body Object
	// aux holds the flattened pairs when the object was created with
	// aux rows; nil objects are only reachable by key.
	aux []Pair
}

type memoryBlob struct {
	keys    Keys
	payload []byte
}

type memoryState struct {
	objects []memoryObject
	blobs   []memoryBlob
	rules   []AllowRule
}

type memoryTransaction struct {
	store    *MemoryStore
	snapshot memoryState
	done     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// CreateStore declares the key columns.
func (s *MemoryStore) CreateStore(keys ...Key) error {
	for _, key := range keys {
		if key.Type != KeyTypeString {
			return WrongKeyTypeError{Key: key.Name, Type: key.Type}
		}
	}
	s.keys = keys
	return nil
}

// Begin starts a transaction. The store mutex is held until Commit or
// Rollback, so parallel transactions take turns.
func (s *MemoryStore) Begin(ctx context.Context) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memoryTransaction{
		store: s,
		snapshot: memoryState{
			objects: append([]memoryObject(nil), s.objects...),
			blobs:   append([]memoryBlob(nil), s.blobs...),
			rules:   append([]AllowRule(nil), s.rules...),
		},
	}, nil
}

func (t *memoryTransaction) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTransaction) Rollback() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.store.objects = t.snapshot.objects
	t.store.blobs = t.snapshot.blobs
	t.store.rules = t.snapshot.rules
	t.store.mu.Unlock()
	return nil
}

func (s *MemoryStore) transaction(tx Transaction) (*memoryTransaction, error) {
	mt, ok := tx.(*memoryTransaction)
	if !ok || mt.store != s {
		return nil, errors.New("transaction does not belong to this store")
	}
	if mt.done {
		return nil, errors.New("transaction already finished")
	}
	return mt, nil
}

func (s *MemoryStore) checkKeys(keys Keys, requireAll bool) error {
	known := map[string]bool{}
	for _, key := range s.keys {
		known[key.Name] = true
	}
	for name := range keys {
		if !known[name] {
			return UnknownKeyError{Key: name}
		}
	}
	if requireAll {
		for _, key := range s.keys {
			if _, ok := keys[key.Name]; !ok {
				return KeyValueError{Key: key.Name}
			}
		}
	}
	return nil
}

func keysMatch(got, wanted Keys) bool {
	for name, value := range wanted {
		if got[name] != value {
			return false
		}
	}
	return true
}

// CreateObject inserts body under the given keys.
func (s *MemoryStore) CreateObject(tx Transaction, body Object, aux bool, keys Keys) error {
	if _, err := s.transaction(tx); err != nil {
		return err
	}
	if err := s.checkKeys(keys, true); err != nil {
		return err
	}
	for _, obj := range s.objects {
		if keysMatch(obj.keys, keys) {
			return KeyCollisionError{Keys: keys}
		}
	}
	stored := copyObject(body)
	entry := memoryObject{keys: copyKeys(keys), body: stored}
	if aux {
		entry.aux = Flatten(stored)
	}
	s.objects = append(s.objects, entry)
	return nil
}

// RemoveObjects deletes all objects and blobs matching the key subset.
func (s *MemoryStore) RemoveObjects(tx Transaction, keys Keys) error {
	if _, err := s.transaction(tx); err != nil {
		return err
	}
	if err := s.checkKeys(keys, false); err != nil {
		return err
	}
	var objects []memoryObject
	for _, obj := range s.objects {
		if !keysMatch(obj.keys, keys) {
			objects = append(objects, obj)
		}
	}
	s.objects = objects
	var blobs []memoryBlob
	for _, blob := range s.blobs {
		if !keysMatch(blob.keys, keys) {
			blobs = append(blobs, blob)
		}
	}
	s.blobs = blobs
	return nil
}

// GetMatches returns all objects matching the key subset, cond and
// allow. The condition is evaluated against the combined flattened
// pairs of every object sharing the same primary key, and all rows of a
// matching group are returned, like the durable backend's grouped aux
// query. Objects created without aux rows contribute no pairs, so a
// comparison condition never selects them.
func (s *MemoryStore) GetMatches(tx Transaction, cond, allow Condition, keys Keys) ([]Match, error) {
	if _, err := s.transaction(tx); err != nil {
		return nil, err
	}
	if cond == nil && len(keys) == 0 {
		return nil, ErrNoConditionOrKeys
	}
	if err := s.checkKeys(keys, false); err != nil {
		return nil, err
	}
	primary := s.keys[0].Name
	merged := map[string][]Pair{}
	for _, obj := range s.objects {
		merged[obj.keys[primary]] = append(merged[obj.keys[primary]], obj.aux...)
	}
	var matches []Match
	for _, obj := range s.objects {
		if !keysMatch(obj.keys, keys) {
			continue
		}
		if cond != nil && !cond.Matches(obj.keys, merged[obj.keys[primary]]) {
			continue
		}
		if allow != nil && !allow.Matches(obj.keys, Flatten(obj.body)) {
			continue
		}
		matches = append(matches, Match{Keys: copyKeys(obj.keys), Body: copyObject(obj.body)})
	}
	return matches, nil
}

// CreateBlob stores a binary payload; the parent object must exist.
func (s *MemoryStore) CreateBlob(tx Transaction, payload []byte, keys Keys) error {
	if _, err := s.transaction(tx); err != nil {
		return err
	}
	if err := s.checkKeys(keys, true); err != nil {
		return err
	}
	parent := false
	for _, obj := range s.objects {
		if keysMatch(obj.keys, keys) {
			parent = true
			break
		}
	}
	if !parent {
		return NoSuchObjectError{Keys: keys}
	}
	for _, blob := range s.blobs {
		if keysMatch(blob.keys, keys) {
			return BlobKeyCollisionError{Keys: keys}
		}
	}
	s.blobs = append(s.blobs, memoryBlob{keys: copyKeys(keys), payload: append([]byte(nil), payload...)})
	return nil
}

// GetBlob returns the payload stored under the given keys.
func (s *MemoryStore) GetBlob(tx Transaction, keys Keys) ([]byte, error) {
	if _, err := s.transaction(tx); err != nil {
		return nil, err
	}
	if err := s.checkKeys(keys, true); err != nil {
		return nil, err
	}
	for _, blob := range s.blobs {
		if keysMatch(blob.keys, keys) {
			return append([]byte(nil), blob.payload...), nil
		}
	}
	return nil, NoSuchObjectError{Keys: keys}
}

// RemoveBlob deletes the blob with the given keys, if any.
func (s *MemoryStore) RemoveBlob(tx Transaction, keys Keys) error {
	if _, err := s.transaction(tx); err != nil {
		return err
	}
	if err := s.checkKeys(keys, true); err != nil {
		return err
	}
	var blobs []memoryBlob
	for _, blob := range s.blobs {
		if !keysMatch(blob.keys, keys) {
			blobs = append(blobs, blob)
		}
	}
	s.blobs = blobs
	return nil
}

// AddAllowRule records a new allow rule.
func (s *MemoryStore) AddAllowRule(tx Transaction, rule AllowRule) error {
	if _, err := s.transaction(tx); err != nil {
		return err
	}
	s.rules = append(s.rules, rule)
	return nil
}

// RemoveAllowRule deletes all copies of the given rule.
func (s *MemoryStore) RemoveAllowRule(tx Transaction, rule AllowRule) error {
	if _, err := s.transaction(tx); err != nil {
		return err
	}
	var rules []AllowRule
	for _, have := range s.rules {
		if have != rule {
			rules = append(rules, have)
		}
	}
	s.rules = rules
	return nil
}

// HasAllowRule reports whether the exact rule is present.
func (s *MemoryStore) HasAllowRule(tx Transaction, rule AllowRule) (bool, error) {
	if _, err := s.transaction(tx); err != nil {
		return false, err
	}
	for _, have := range s.rules {
		if have == rule {
			return true, nil
		}
	}
	return false, nil
}

// GetAllowRules returns all allow rules.
func (s *MemoryStore) GetAllowRules(tx Transaction) ([]AllowRule, error) {
	if _, err := s.transaction(tx); err != nil {
		return nil, err
	}
	return append([]AllowRule(nil), s.rules...), nil
}

func copyKeys(keys Keys) Keys {
	copied := make(Keys, len(keys))
	for name, value := range keys {
		copied[name] = value
	}
	return copied
}

// copyObject makes a deep copy through the JSON codec so callers can
// never alias stored state.
func copyObject(obj Object) Object {
	data, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	var copied Object
	if err := json.Unmarshal(data, &copied); err != nil {
		panic(err)
	}
	return copied
}
