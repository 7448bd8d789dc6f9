package spacemap

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store persists space map objects: numbered, append-only logs of entry words.
type Store interface {
	// Create allocates a new, empty object and returns its id. Ids are never zero.
	Create() (uint64, error)
	Append(object uint64, words []uint64) error
	Read(object uint64) ([]uint64, error)
	// Rewrite atomically replaces the content of an object.
	Rewrite(object uint64, words []uint64) error
	Destroy(object uint64) error
	Close() error
}

// MemStore keeps objects in memory.
type MemStore struct {
	mu      sync.Mutex
	next    uint64
	objects map[uint64][]uint64
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{next: 1, objects: make(map[uint64][]uint64)}
}

func (s *MemStore) Create() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.objects[id] = nil
	return id, nil
}

func (s *MemStore) Append(object uint64, words []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.objects[object]
	if !ok {
		return fmt.Errorf("space map object %d: %w", object, ErrNoObject)
	}
	s.objects[object] = append(log, words...)
	return nil
}

func (s *MemStore) Read(object uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.objects[object]
	if !ok {
		return nil, fmt.Errorf("space map object %d: %w", object, ErrNoObject)
	}
	return slices.Clone(log), nil
}

func (s *MemStore) Rewrite(object uint64, words []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[object]; !ok {
		return fmt.Errorf("space map object %d: %w", object, ErrNoObject)
	}
	s.objects[object] = slices.Clone(words)
	return nil
}

func (s *MemStore) Destroy(object uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, object)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}

var spaceMapBucket = []byte("spacemaps")

// objectVersion prefixes every stored object so an empty log is never an empty value.
const objectVersion = 0x01

// BoltStore keeps objects in a bbolt database, one key per object.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening space map store %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(spaceMapBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating space map bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func objectKey(object uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, object)
}

func appendWords(dst []byte, words []uint64) []byte {
	for _, w := range words {
		dst = binary.LittleEndian.AppendUint64(dst, w)
	}
	return dst
}

func decodeWords(b []byte) ([]uint64, error) {
	if len(b) == 0 || b[0] != objectVersion {
		return nil, fmt.Errorf("unknown object version: %w", ErrCorruption)
	}
	b = b[1:]
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("object length %d is not a multiple of 8: %w", len(b), ErrCorruption)
	}
	words := make([]uint64, len(b)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return words, nil
}

func (s *BoltStore) Create() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spaceMapBucket)
		var err error
		id, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(objectKey(id), []byte{objectVersion})
	})
	if err != nil {
		return 0, fmt.Errorf("error creating space map object: %w", err)
	}
	return id, nil
}

func (s *BoltStore) Append(object uint64, words []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spaceMapBucket)
		cur := b.Get(objectKey(object))
		if cur == nil {
			return fmt.Errorf("space map object %d: %w", object, ErrNoObject)
		}
		// Values returned by Get are only valid inside the transaction and must not be modified.
		next := make([]byte, len(cur), len(cur)+len(words)*8)
		copy(next, cur)
		return b.Put(objectKey(object), appendWords(next, words))
	})
}

func (s *BoltStore) Read(object uint64) ([]uint64, error) {
	var words []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(spaceMapBucket).Get(objectKey(object))
		if cur == nil {
			return fmt.Errorf("space map object %d: %w", object, ErrNoObject)
		}
		var err error
		words, err = decodeWords(cur)
		return err
	})
	return words, err
}

func (s *BoltStore) Rewrite(object uint64, words []uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spaceMapBucket)
		if b.Get(objectKey(object)) == nil {
			return fmt.Errorf("space map object %d: %w", object, ErrNoObject)
		}
		return b.Put(objectKey(object), appendWords(append(make([]byte, 0, 1+len(words)*8), objectVersion), words))
	})
}

func (s *BoltStore) Destroy(object uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(spaceMapBucket).Delete(objectKey(object))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
