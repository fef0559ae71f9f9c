// Package federation passes values between parties of a computation,
// rendezvousing through per-party status and object tables rather than any
// network transport — the session's data root is the only channel, matching
// this engine's single-host scope.
package federation

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fedstandalone/pkg/catalog"
	"github.com/cuemby/fedstandalone/pkg/config"
	"github.com/cuemby/fedstandalone/pkg/funcreg"
	"github.com/cuemby/fedstandalone/pkg/log"
	"github.com/cuemby/fedstandalone/pkg/metrics"
	"github.com/cuemby/fedstandalone/pkg/session"
	"github.com/cuemby/fedstandalone/pkg/table"
)

const pollInterval = 100 * time.Millisecond

// idSplitPartitioner routes every chunk of a split object to partition 0 of
// its single-partition table.
const idSplitPartitioner = "federation.split_partitioner"

func init() {
	funcreg.RegisterPartitioner(idSplitPartitioner, func([]byte, int) int { return 0 })
}

// Value is what Remote sends and Get receives: exactly one of Table or Bytes
// is set. A Table value is federated by reference to a copy: Remote copies it
// under a fresh name per destination party, and the status entry carries only
// that copy's name/namespace.
type Value struct {
	Table *table.Table
	Bytes []byte
}

// Federation is one party's handle onto a session's rendezvous tables.
type Federation struct {
	sess           *session.Session
	sessionID      string
	party          Party
	maxMessageSize int
	meta           *metaManager
}

// New builds a Federation for party within sess, bound to sessionID's
// namespace on cfg's data root. cfg.MaxMessageSize <= 0 falls back to
// config.DefaultMessageMaxSize.
func New(sess *session.Session, cfg config.Config, sessionID string, party Party) *Federation {
	maxMessageSize := cfg.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = config.DefaultMessageMaxSize
	}
	return &Federation{
		sess:           sess,
		sessionID:      sessionID,
		party:          party,
		maxMessageSize: maxMessageSize,
		meta:           newMetaManager(cfg.DataRoot, sessionID),
	}
}

// Destroy sweeps every table under the federation's session namespace.
func (f *Federation) Destroy() error {
	if err := f.meta.close(); err != nil {
		log.ForSession(f.sessionID).Debug().Err(err).Msg("federation: close meta envs failed")
	}
	return f.sess.Cleanup("*", f.sessionID)
}

func (f *Federation) federationKey(name, tag string, src, dst Party) string {
	return fmt.Sprintf("%s-%s-%s-%s-%s-%s-%s", f.sessionID, name, tag, src.Role, src.ID, dst.Role, dst.ID)
}

// splitIndexKey encodes a chunk index as a 4-byte big-endian key, so the
// byte order of a split-object table's keys matches numeric chunk order;
// joinSplitTable still sorts Collect()'s pairs on the decoded index.
func splitIndexKey(i int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(i))
	return k
}

func splitBytes(v []byte, maxMessageSize int) []funcreg.Pair {
	numSlices := (len(v)-1)/maxMessageSize + 1
	pairs := make([]funcreg.Pair, 0, numSlices)
	for i := 0; i < numSlices; i++ {
		start := i * maxMessageSize
		end := start + maxMessageSize
		if end > len(v) {
			end = len(v)
		}
		pairs = append(pairs, funcreg.Pair{Key: splitIndexKey(i), Value: v[start:end]})
	}
	return pairs
}

// Remote ships v to every party in parties under (name, tag). A Table value
// is federated by copying it under a fresh name so the receiver owns an
// independent handle; a plain-bytes value over maxMessageSize is split across
// a throwaway single-partition table instead of one oversized status record.
func (f *Federation) Remote(ctx context.Context, v Value, name, tag string, parties []Party) error {
	if v.Table == nil && v.Bytes == nil {
		return fmt.Errorf("federation: remote %s.%s: nil value", name, tag)
	}

	dtype := DataTypeObject
	payloadTable := v.Table
	var splitTable *table.Table

	if payloadTable == nil {
		splits := splitBytes(v.Bytes, f.maxMessageSize)
		if len(splits) > 1 {
			dtype = DataTypeSplitObject
			metrics.FederationSplitChunksTotal.Add(float64(len(splits)))
			t, err := f.sess.CreateTable(uuid.NewString(), f.sessionID, session.CreateTableOptions{
				Partitions:  1,
				NeedCleanup: true,
				KeySerdes:   catalog.SerdesBytes,
				ValueSerdes: catalog.SerdesBytes,
				Partitioner: funcreg.NewPartitionerRef(idSplitPartitioner),
			})
			if err != nil {
				return fmt.Errorf("federation: remote %s.%s: create split table: %w", name, tag, err)
			}
			if err := t.PutAll(splits); err != nil {
				_ = t.Close()
				return fmt.Errorf("federation: remote %s.%s: write split table: %w", name, tag, err)
			}
			payloadTable = t
			splitTable = t
		}
	} else {
		dtype = DataTypeTable
	}
	// The chunk source table only feeds the per-party copies below; each
	// receiver gets (and later destroys) its own copy.
	defer func() {
		if splitTable != nil {
			_ = splitTable.Close()
		}
	}()

	for _, party := range parties {
		taggedKey := f.federationKey(name, tag, f.party, party)
		metrics.FederationMessagesTotal.WithLabelValues("send", string(dtype)).Inc()

		if payloadTable != nil {
			saved, err := payloadTable.CopyAs(ctx, uuid.NewString(), payloadTable.Namespace(), false)
			if err != nil {
				return fmt.Errorf("federation: remote %s.%s to %s/%s: copy table: %w", name, tag, party.Role, party.ID, err)
			}
			if err := f.meta.setStatus(party, taggedKey, statusEntry{
				IsTable: true, TableName: saved.Name(), TableNamespace: saved.Namespace(), DataType: dtype,
			}); err != nil {
				return err
			}
			continue
		}

		if err := f.meta.setObject(party, taggedKey, v.Bytes); err != nil {
			return err
		}
		if err := f.meta.setStatus(party, taggedKey, statusEntry{
			IsTable: false, DataType: dtype, ObjectKey: taggedKey,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Get blocks until every party in parties has remoted a value under
// (name, tag), polling each party's status table at a fixed interval.
func (f *Federation) Get(ctx context.Context, name, tag string, parties []Party) ([]Value, error) {
	results := make([]statusEntry, len(parties))
	keys := make([]string, len(parties))
	for i, party := range parties {
		taggedKey := f.federationKey(name, tag, party, f.party)
		keys[i] = taggedKey

		timer := metrics.NewTimer()
		entry, err := f.waitStatusSet(ctx, taggedKey)
		timer.ObserveDuration(metrics.FederationGetWaitDuration)
		if err != nil {
			return nil, fmt.Errorf("federation: get %s.%s from %s/%s: %w", name, tag, party.Role, party.ID, err)
		}
		results[i] = entry
	}

	out := make([]Value, len(results))
	for i, entry := range results {
		metrics.FederationMessagesTotal.WithLabelValues("recv", string(entry.DataType)).Inc()

		if entry.IsTable {
			t, err := f.sess.Load(entry.TableName, entry.TableNamespace, true)
			if err != nil {
				return nil, fmt.Errorf("federation: get %s.%s: load table: %w", name, tag, err)
			}
			if entry.DataType == DataTypeSplitObject {
				joined, err := joinSplitTable(t)
				if err != nil {
					return nil, fmt.Errorf("federation: get %s.%s: join splits: %w", name, tag, err)
				}
				if err := t.Close(); err != nil {
					log.ForParty(f.sessionID, f.party.Role, f.party.ID).Debug().Err(err).Msg("federation: close split table failed")
				}
				out[i] = Value{Bytes: joined}
			} else {
				out[i] = Value{Table: t}
			}
		} else {
			objBytes, found, err := f.meta.getObject(f.party, entry.ObjectKey)
			if err != nil {
				return nil, fmt.Errorf("federation: get %s.%s: read object: %w", name, tag, err)
			}
			if !found {
				return nil, fmt.Errorf("federation: get %s.%s: object missing for key %q", name, tag, entry.ObjectKey)
			}
			if err := f.meta.ackObject(f.party, entry.ObjectKey); err != nil {
				log.ForParty(f.sessionID, f.party.Role, f.party.ID).Debug().Err(err).Msg("federation: ack object failed")
			}
			out[i] = Value{Bytes: objBytes}
		}

		if err := f.meta.ackStatus(f.party, keys[i]); err != nil {
			log.ForParty(f.sessionID, f.party.Role, f.party.ID).Debug().Err(err).Msg("federation: ack status failed")
		}
	}
	return out, nil
}

func (f *Federation) waitStatusSet(ctx context.Context, key string) (statusEntry, error) {
	for {
		entry, found, err := f.meta.getStatus(f.party, key)
		if err != nil {
			return statusEntry{}, err
		}
		if found {
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return statusEntry{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// joinSplitTable reassembles a split-object table's chunks back into the
// original byte slice, in ascending chunk-index order.
func joinSplitTable(t *table.Table) ([]byte, error) {
	pairs, err := t.Collect()
	if err != nil {
		return nil, err
	}
	sort.Slice(pairs, func(i, j int) bool {
		return binary.BigEndian.Uint32(pairs[i].Key) < binary.BigEndian.Uint32(pairs[j].Key)
	})
	var total int
	for _, p := range pairs {
		total += len(p.Value)
	}
	out := make([]byte, 0, total)
	for _, p := range pairs {
		out = append(out, p.Value...)
	}
	return out, nil
}
