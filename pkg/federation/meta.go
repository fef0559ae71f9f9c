package federation

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/cuemby/fedstandalone/pkg/storage"
)

const (
	statusTablePrefix = "__federation_status__"
	objectTablePrefix = "__federation_object__"
)

// Party identifies one federation participant by role (e.g. "guest", "host",
// "arbiter") and a party-local id.
type Party struct {
	Role string
	ID   string
}

func statusTableName(p Party) string { return fmt.Sprintf("%s.%s_%s", statusTablePrefix, p.Role, p.ID) }
func objectTableName(p Party) string { return fmt.Sprintf("%s.%s_%s", objectTablePrefix, p.Role, p.ID) }

// DataType distinguishes what a status entry's payload refers to.
type DataType string

const (
	DataTypeObject      DataType = "obj"
	DataTypeTable       DataType = "Table"
	DataTypeSplitObject DataType = "split_obj"
)

// statusEntry is the gob-encoded value stored in a party's status table. It
// either points at a Table (IsTable) or, for a plain object, carries the same
// key used to look the value up in that party's object table.
type statusEntry struct {
	IsTable        bool
	TableName      string
	TableNamespace string
	DataType       DataType
	ObjectKey      string
}

func encodeStatus(e statusEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("federation: encode status: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeStatus(raw []byte) (statusEntry, error) {
	var e statusEntry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return statusEntry{}, fmt.Errorf("federation: decode status: %w", err)
	}
	return e, nil
}

// metaManager owns the single-partition status/object tables every party
// rendezvous through, one pair of bbolt envs per party it has talked to.
type metaManager struct {
	root      string
	namespace string

	mu   sync.Mutex
	envs map[string]*storage.Env
}

func newMetaManager(root, namespace string) *metaManager {
	return &metaManager{root: root, namespace: namespace, envs: make(map[string]*storage.Env)}
}

func (m *metaManager) envFor(tableName string) (*storage.Env, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.envs[tableName]; ok {
		return env, nil
	}
	env, err := storage.Open(m.root, m.namespace, tableName, 0)
	if err != nil {
		return nil, err
	}
	m.envs[tableName] = env
	return env, nil
}

func (m *metaManager) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, env := range m.envs {
		if err := env.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.envs, name)
	}
	return firstErr
}

func (m *metaManager) getStatus(self Party, key string) (statusEntry, bool, error) {
	env, err := m.envFor(statusTableName(self))
	if err != nil {
		return statusEntry{}, false, err
	}
	raw, found, err := env.Get([]byte(key))
	if err != nil || !found {
		return statusEntry{}, found, err
	}
	entry, err := decodeStatus(raw)
	return entry, true, err
}

func (m *metaManager) setStatus(party Party, key string, entry statusEntry) error {
	env, err := m.envFor(statusTableName(party))
	if err != nil {
		return err
	}
	raw, err := encodeStatus(entry)
	if err != nil {
		return err
	}
	return env.Put([]byte(key), raw)
}

func (m *metaManager) ackStatus(self Party, key string) error {
	env, err := m.envFor(statusTableName(self))
	if err != nil {
		return err
	}
	return env.Delete([]byte(key))
}

func (m *metaManager) getObject(self Party, key string) ([]byte, bool, error) {
	env, err := m.envFor(objectTableName(self))
	if err != nil {
		return nil, false, err
	}
	return env.Get([]byte(key))
}

func (m *metaManager) setObject(party Party, key string, value []byte) error {
	env, err := m.envFor(objectTableName(party))
	if err != nil {
		return err
	}
	return env.Put([]byte(key), value)
}

func (m *metaManager) ackObject(self Party, key string) error {
	env, err := m.envFor(objectTableName(self))
	if err != nil {
		return err
	}
	return env.Delete([]byte(key))
}
