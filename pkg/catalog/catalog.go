// Package catalog is the table-meta catalog: a reserved namespace, sharded
// into 11 partitions unless NewWithPartitions sets another count, recording every table's partition count and serdes/partitioner
// identifiers, keyed by a sha256 hash of the table's (name, namespace).
package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math/big"
	"sync"

	"github.com/cuemby/fedstandalone/pkg/log"
	"github.com/cuemby/fedstandalone/pkg/storage"
)

// reservedNamespace and reservedName are the catalog's own storage coordinates;
// it is itself a table, just one the engine manages internally.
const (
	reservedNamespace = "__META__"
	reservedName      = "fragments"
	numPartitions     = 11
)

// SerdesType identifies how a table's keys or values are encoded on disk.
type SerdesType uint32

// PartitionerType identifies the partitioning function used when routing keys
// to output partitions.
type PartitionerType uint32

const (
	SerdesUnknown SerdesType = 0
	SerdesBytes   SerdesType = 1
	SerdesGob     SerdesType = 2
)

const (
	PartitionerUnknown PartitionerType = 0
	PartitionerHash    PartitionerType = 1
)

// Meta is a table's catalog entry: its declared shape, independent of what is
// currently stored in its partitions.
type Meta struct {
	NumPartitions   int
	KeySerdesType   SerdesType
	ValueSerdesType SerdesType
	PartitionerType PartitionerType
}

// metaRecordSize is the fixed on-disk layout: four big-endian uint32 fields.
const metaRecordSize = 16

func (m Meta) encode() []byte {
	buf := make([]byte, metaRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.NumPartitions))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.KeySerdesType))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.ValueSerdesType))
	binary.BigEndian.PutUint32(buf[12:16], uint32(m.PartitionerType))
	return buf
}

// decodeMeta parses a catalog record. Entries written by a version of this
// engine that only ever stored a gob-encoded partition count (no serdes or
// partitioner fields) are recognized by their length and decoded into a Meta
// with NumPartitions set and the other fields left at their zero/Unknown
// value.
func decodeMeta(b []byte) (Meta, error) {
	if len(b) == metaRecordSize {
		return Meta{
			NumPartitions:   int(binary.BigEndian.Uint32(b[0:4])),
			KeySerdesType:   SerdesType(binary.BigEndian.Uint32(b[4:8])),
			ValueSerdesType: SerdesType(binary.BigEndian.Uint32(b[8:12])),
			PartitionerType: PartitionerType(binary.BigEndian.Uint32(b[12:16])),
		}, nil
	}

	var legacyCount uint32
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&legacyCount); err != nil {
		return Meta{}, fmt.Errorf("catalog: record is neither current (%d bytes) nor legacy gob uint32: %w", metaRecordSize, err)
	}
	return Meta{NumPartitions: int(legacyCount)}, nil
}

// Catalog owns the reserved metadata namespace's partition envs.
type Catalog struct {
	root          string
	numPartitions int

	mu   sync.Mutex
	envs map[int]*storage.Env
}

// New opens a catalog rooted at root with the default 11-partition shard
// count. Partition envs are opened lazily on first use and cached for the
// life of the Catalog.
func New(root string) *Catalog {
	return NewWithPartitions(root, numPartitions)
}

// NewWithPartitions is New with an explicit shard count, letting an embedding
// application size the catalog via config.Config.CatalogPartitions instead of
// accepting the built-in default. A non-positive count falls back to that
// default.
func NewWithPartitions(root string, partitions int) *Catalog {
	if partitions <= 0 {
		partitions = numPartitions
	}
	return &Catalog{root: root, numPartitions: partitions, envs: make(map[int]*storage.Env)}
}

// Close releases every opened catalog partition env.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for p, env := range c.envs {
		if err := env.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.envs, p)
	}
	return firstErr
}

// hashKey computes the catalog key and owning partition for a table.
func (c *Catalog) hashKey(namespace, name string) ([]byte, int) {
	keyStr := name + "." + namespace
	sum := sha256.Sum256([]byte(keyStr))

	// The full 256-bit digest is reduced modulo the partition count; taking
	// only the leading 8 bytes through a uint64 would shift which partition
	// existing catalog entries hash to.
	n := new(big.Int).SetBytes(sum[:])
	partition := new(big.Int).Mod(n, big.NewInt(int64(c.numPartitions))).Int64()

	return []byte(keyStr), int(partition)
}

func (c *Catalog) envFor(partition int) (*storage.Env, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env, ok := c.envs[partition]; ok {
		return env, nil
	}
	env, err := storage.Open(c.root, reservedNamespace, reservedName, partition)
	if err != nil {
		return nil, err
	}
	c.envs[partition] = env
	return env, nil
}

// AddTableMeta records (or overwrites) a table's catalog entry.
func (c *Catalog) AddTableMeta(namespace, name string, meta Meta) error {
	key, partition := c.hashKey(namespace, name)
	env, err := c.envFor(partition)
	if err != nil {
		return fmt.Errorf("catalog: add meta for %s.%s: %w", name, namespace, err)
	}
	if err := env.Put(key, meta.encode()); err != nil {
		return fmt.Errorf("catalog: add meta for %s.%s: %w", name, namespace, err)
	}
	return nil
}

// GetTableMeta returns a table's catalog entry, and whether one exists at
// all. An absent entry is not an error: callers treat it as "table never
// created".
func (c *Catalog) GetTableMeta(namespace, name string) (Meta, bool, error) {
	key, partition := c.hashKey(namespace, name)
	env, err := c.envFor(partition)
	if err != nil {
		return Meta{}, false, fmt.Errorf("catalog: get meta for %s.%s: %w", name, namespace, err)
	}

	raw, found, err := env.Get(key)
	if err != nil {
		return Meta{}, false, fmt.Errorf("catalog: get meta for %s.%s: %w", name, namespace, err)
	}
	if !found {
		return Meta{}, false, nil
	}

	meta, err := decodeMeta(raw)
	if err != nil {
		return Meta{}, false, fmt.Errorf("catalog: decode meta for %s.%s: %w", name, namespace, err)
	}
	return meta, true, nil
}

// DestroyTable removes a table's catalog entry and every partition file
// backing it.
func (c *Catalog) DestroyTable(namespace, name string) error {
	key, partition := c.hashKey(namespace, name)
	env, err := c.envFor(partition)
	if err != nil {
		return fmt.Errorf("catalog: destroy %s.%s: %w", name, namespace, err)
	}
	if err := env.Delete(key); err != nil {
		return fmt.Errorf("catalog: destroy %s.%s: %w", name, namespace, err)
	}

	if err := storage.DropTable(c.root, namespace, name); err != nil {
		log.ForTable(namespace, name).Debug().Err(err).Msg("catalog: drop table directory failed")
	}
	return nil
}
