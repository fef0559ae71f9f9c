package table

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/google/uuid"

	"github.com/cuemby/fedstandalone/pkg/funcreg"
	"github.com/cuemby/fedstandalone/pkg/metrics"
	"github.com/cuemby/fedstandalone/pkg/storage"
	"github.com/cuemby/fedstandalone/pkg/worker"
)

const (
	kindJoin          = "table.join"
	kindUnion         = "table.union"
	kindSubtractByKey = "table.subtract_by_key"

	idLeftWinsMerger = "table.left_wins_merger"
)

func init() {
	worker.RegisterExecutor(kindJoin, execJoin)
	worker.RegisterExecutor(kindUnion, execUnion)
	worker.RegisterExecutor(kindSubtractByKey, execSubtractByKey)
	funcreg.RegisterMerger(idLeftWinsMerger, leftWinsMerger)
}

// leftWinsMerger is Union's default combiner when the caller supplies none:
// the left table's value for a colliding key always wins.
func leftWinsMerger(left, _ []byte) ([]byte, error) { return left, nil }

var leftWinsMergerRef = funcreg.NewMergerRef(idLeftWinsMerger)

// binaryTask is the payload shared by join/union/subtract_by_key, each
// reading one partition of the left table against the matching partition of
// the right, already aligned by partition count by the time a task is built.
type binaryTask struct {
	Root        string
	PartitionID int

	Left   Operand
	Right  Operand
	Output Operand

	Merger funcreg.MergerRef
}

// mergeFailure carries both operand payloads alongside the merge error, so
// a failed merge is diagnosable from the raw bytes that provoked it.
type mergeFailure struct {
	Key        []byte
	LeftValue  []byte
	RightValue []byte
	Err        error
}

func (e *mergeFailure) Error() string {
	return fmt.Sprintf("table: merge failed for key %q (left=%q right=%q): %v", e.Key, e.LeftValue, e.RightValue, e.Err)
}

func (e *mergeFailure) Unwrap() error { return e.Err }

func execJoin(payload []byte) ([]byte, error) {
	var t binaryTask
	if err := decodeTask(payload, &t); err != nil {
		return nil, err
	}
	merger, err := t.Merger.Resolve()
	if err != nil {
		return nil, err
	}

	left, err := storage.Open(t.Root, t.Left.Namespace, t.Left.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer left.Close()
	right, err := storage.Open(t.Root, t.Right.Namespace, t.Right.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer right.Close()
	out, err := storage.Open(t.Root, t.Output.Namespace, t.Output.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	return nil, left.Cursor(func(c *bolt.Cursor) error {
		for k, lv := c.First(); k != nil; k, lv = c.Next() {
			rv, found, err := right.Get(k)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			merged, err := merger(lv, rv)
			if err != nil {
				return &mergeFailure{Key: append([]byte(nil), k...), LeftValue: lv, RightValue: rv, Err: err}
			}
			if err := out.Put(k, merged); err != nil {
				return err
			}
		}
		return nil
	})
}

func execUnion(payload []byte) ([]byte, error) {
	var t binaryTask
	if err := decodeTask(payload, &t); err != nil {
		return nil, err
	}
	merger, err := t.Merger.Resolve()
	if err != nil {
		return nil, err
	}

	left, err := storage.Open(t.Root, t.Left.Namespace, t.Left.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer left.Close()
	right, err := storage.Open(t.Root, t.Right.Namespace, t.Right.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer right.Close()
	out, err := storage.Open(t.Root, t.Output.Namespace, t.Output.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	leftPairs, err := readAllPairs(left)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(leftPairs))
	for _, p := range leftPairs {
		seen[string(p.Key)] = true
		rv, found, err := right.Get(p.Key)
		if err != nil {
			return nil, err
		}
		value := p.Value
		if found {
			merged, err := merger(p.Value, rv)
			if err != nil {
				return nil, &mergeFailure{Key: p.Key, LeftValue: p.Value, RightValue: rv, Err: err}
			}
			value = merged
		}
		if err := out.Put(p.Key, value); err != nil {
			return nil, err
		}
	}

	rightPairs, err := readAllPairs(right)
	if err != nil {
		return nil, err
	}
	for _, p := range rightPairs {
		if seen[string(p.Key)] {
			continue
		}
		if err := out.Put(p.Key, p.Value); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func execSubtractByKey(payload []byte) ([]byte, error) {
	var t binaryTask
	if err := decodeTask(payload, &t); err != nil {
		return nil, err
	}

	left, err := storage.Open(t.Root, t.Left.Namespace, t.Left.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer left.Close()
	right, err := storage.Open(t.Root, t.Right.Namespace, t.Right.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer right.Close()
	out, err := storage.Open(t.Root, t.Output.Namespace, t.Output.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	return nil, left.ForEach(func(k, v []byte) error {
		_, found, err := right.Get(k)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		return out.Put(k, v)
	})
}

// alignPartitions returns left/right (possibly with one side repartitioned)
// so their partition counts match, the precondition for every binary
// operation. The operand with fewer entries moves, repartitioned to the
// other side's partition count; partition count and row count are
// independent, so the decision needs an actual Count() on each side, never
// a comparison of left.partitions to right.partitions.
func alignPartitions(ctx context.Context, left, right *Table) (*Table, *Table, error) {
	if left.partitions == right.partitions {
		return left, right, nil
	}

	leftCount, err := left.Count()
	if err != nil {
		return nil, nil, fmt.Errorf("table: align partitions: count left: %w", err)
	}
	rightCount, err := right.Count()
	if err != nil {
		return nil, nil, fmt.Errorf("table: align partitions: count right: %w", err)
	}

	if rightCount > leftCount {
		aligned, err := left.Repartition(ctx, right.partitions, "", "", true)
		if err != nil {
			return nil, nil, err
		}
		return aligned, right, nil
	}
	aligned, err := right.Repartition(ctx, left.partitions, "", "", true)
	if err != nil {
		return nil, nil, err
	}
	return left, aligned, nil
}

func (t *Table) binaryOp(ctx context.Context, kind string, other *Table, merger funcreg.MergerRef, outputNamespace, outputName string) (*Table, error) {
	left, right, err := alignPartitions(ctx, t, other)
	if err != nil {
		return nil, err
	}

	if outputName == "" {
		outputName = uuid.NewString()
	}
	if outputNamespace == "" {
		outputNamespace = t.namespace
	}

	payloads := make([][]byte, left.partitions)
	for p := 0; p < left.partitions; p++ {
		payload, err := encodeTask(binaryTask{
			Root: t.root, PartitionID: p,
			Left:   left.operand(),
			Right:  right.operand(),
			Output: Operand{Namespace: outputNamespace, Name: outputName, NumPartitions: left.partitions},
			Merger: merger,
		})
		if err != nil {
			return nil, err
		}
		payloads[p] = payload
	}

	if _, err := t.pool.SubmitAll(ctx, kind, payloads); err != nil {
		metrics.TableOperationsTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	metrics.TableOperationsTotal.WithLabelValues(kind, "ok").Inc()

	opts := Options{
		Partitions: left.partitions, KeySerdes: t.keySerdes, ValueSerdes: t.valueSerdes,
		PartitionerType: t.partitionerType, Partitioner: t.partitioner, NeedCleanup: true,
	}
	return t.newOutput(outputNamespace, outputName, opts), nil
}

// Join returns the inner join of t and other, combining colliding values with
// merger. A merge failure is reported with both operand payloads attached.
func (t *Table) Join(ctx context.Context, other *Table, merger funcreg.MergerRef, outputNamespace, outputName string) (*Table, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TableOperationDuration, "join")
	return t.binaryOp(ctx, kindJoin, other, merger, outputNamespace, outputName)
}

// Union returns every key present in either t or other; colliding keys are
// combined with merger, or left-wins if merger is the zero value.
func (t *Table) Union(ctx context.Context, other *Table, merger funcreg.MergerRef, outputNamespace, outputName string) (*Table, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TableOperationDuration, "union")
	if merger.ID == "" {
		merger = leftWinsMergerRef
	}
	return t.binaryOp(ctx, kindUnion, other, merger, outputNamespace, outputName)
}

// SubtractByKey returns every entry of t whose key is absent from other.
func (t *Table) SubtractByKey(ctx context.Context, other *Table, outputNamespace, outputName string) (*Table, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TableOperationDuration, "subtract_by_key")
	return t.binaryOp(ctx, kindSubtractByKey, other, funcreg.MergerRef{}, outputNamespace, outputName)
}
