// Package store is the transactional persistence adapter consumed by
// the execution core, backed by BoltDB -- a pure-Go embedded store with
// no separate server process to operate.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kosmos-sh/execore/internal/model"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = fmt.Errorf("store: not found")

// ErrDuplicateLogDir is a configuration error: two tasks in the same
// execution were assigned the same log_dir.
type ErrDuplicateLogDir struct {
	LogDir string
}

func (e *ErrDuplicateLogDir) Error() string {
	return fmt.Sprintf("store: log_dir %q already used by another task in this execution", e.LogDir)
}

// Edge is one task_g/stage_g dependency edge: Dependent depends on
// Upstream.
type Edge struct {
	Upstream  int64 `json:"upstream"`
	Dependent int64 `json:"dependent"`
}

// Store is the bbolt-backed transactional adapter.
type Store struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram

	// BeforeDelete is a hook fired just before a cascading delete or a
	// task deletion; Open sets it to a hook that logs the deletion. It
	// is called without a nil check, so it must stay non-nil.
	BeforeDelete func(kind string, id int64)
}

// Open creates or opens a BoltDB file at path and ensures all buckets
// exist.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("execore_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("execore_store_write_ms")

	return &Store{
		db:           db,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		BeforeDelete: func(kind string, id int64) { slog.Info("store: deleting", "kind", kind, "id", id) },
	}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timeWrite(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
	return err
}

func (s *Store) timeRead(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
	return err
}

// FindExecutionByName looks up an execution by its unique name.
func (s *Store) FindExecutionByName(ctx context.Context, name string) (*model.Execution, bool, error) {
	var exec *model.Execution
	err := s.timeRead(ctx, "find_execution", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			idBytes := tx.Bucket(bucketExecutionName).Get([]byte(name))
			if idBytes == nil {
				return nil
			}
			data := tx.Bucket(bucketExecutions).Get(idBytes)
			if data == nil {
				return nil
			}
			var e model.Execution
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			exec = &e
			return nil
		})
	})
	return exec, exec != nil, err
}

// OutputDirInUse reports whether any persisted execution already claims
// dir as its output_dir, enforcing the "output_dir unique per
// execution" invariant at creation time.
func (s *Store) OutputDirInUse(ctx context.Context, dir string) (bool, error) {
	found := false
	err := s.timeRead(ctx, "output_dir_in_use", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
				var e model.Execution
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				if e.OutputDir == dir {
					found = true
				}
				return nil
			})
		})
	})
	return found, err
}

// GetExecution loads an execution by id.
func (s *Store) GetExecution(ctx context.Context, id int64) (*model.Execution, error) {
	var exec *model.Execution
	err := s.timeRead(ctx, "get_execution", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			data := tx.Bucket(bucketExecutions).Get(itob(id))
			if data == nil {
				return ErrNotFound
			}
			var e model.Execution
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			exec = &e
			return nil
		})
	})
	return exec, err
}

// GetOrCreateExecution looks up an execution by name; if absent, it
// calls build to obtain a template and persists it with a synthesized
// id, all inside a single transaction, so the created row is always
// attached and visible to the same transaction that created it.
func (s *Store) GetOrCreateExecution(ctx context.Context, name string, build func() *model.Execution) (exec *model.Execution, created bool, err error) {
	err = s.timeWrite(ctx, "get_or_create_execution", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			names := tx.Bucket(bucketExecutionName)
			execs := tx.Bucket(bucketExecutions)

			if idBytes := names.Get([]byte(name)); idBytes != nil {
				data := execs.Get(idBytes)
				var e model.Execution
				if err := json.Unmarshal(data, &e); err != nil {
					return err
				}
				exec = &e
				return nil
			}

			e := build()
			id, _ := execs.NextSequence()
			e.ID = int64(id)
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := execs.Put(itob(e.ID), data); err != nil {
				return err
			}
			if err := names.Put([]byte(name), itob(e.ID)); err != nil {
				return err
			}
			exec = e
			created = true
			return nil
		})
	})
	return exec, created, err
}

// SaveExecution persists the current state of exec. The lifecycle calls
// it when a run starts (status running) and when the run records its
// terminal status; task transitions are persisted through SaveTask.
func (s *Store) SaveExecution(ctx context.Context, exec *model.Execution) error {
	return s.timeWrite(ctx, "save_execution", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			data, err := json.Marshal(exec)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketExecutions).Put(itob(exec.ID), data)
		})
	})
}

// DeleteExecutionCascade removes an execution and every stage/task/edge/
// log_dir entry that belongs to it.
func (s *Store) DeleteExecutionCascade(ctx context.Context, execID int64, name string) error {
	return s.timeWrite(ctx, "delete_execution", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			s.BeforeDelete("execution", execID)

			prefix := []byte(fmt.Sprintf("%d:", execID))
			if err := deletePrefixed(tx.Bucket(bucketStages), prefix); err != nil {
				return err
			}
			if err := deletePrefixed(tx.Bucket(bucketTasks), prefix); err != nil {
				return err
			}
			if err := deletePrefixed(tx.Bucket(bucketLogDirs), prefix); err != nil {
				return err
			}
			if err := tx.Bucket(bucketEdges).Delete(itob(execID)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketExecutionName).Delete([]byte(name)); err != nil {
				return err
			}
			return tx.Bucket(bucketExecutions).Delete(itob(execID))
		})
	})
}

func deletePrefixed(bucket *bbolt.Bucket, prefix []byte) error {
	c := bucket.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// InsertStage persists a new stage, assigning its id.
func (s *Store) InsertStage(ctx context.Context, stage *model.Stage) error {
	return s.timeWrite(ctx, "insert_stage", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(bucketStages)
			id, _ := bucket.NextSequence()
			stage.ID = int64(id)
			data, err := json.Marshal(stage)
			if err != nil {
				return err
			}
			return bucket.Put(stageKey(stage.ExecutionID, stage.ID), data)
		})
	})
}

func stageKey(execID, id int64) []byte {
	return []byte(fmt.Sprintf("%d:%020d", execID, id))
}

func taskKey(execID, id int64) []byte {
	return []byte(fmt.Sprintf("%d:%020d", execID, id))
}

func logDirKey(execID int64, logDir string) []byte {
	return []byte(fmt.Sprintf("%d:%s", execID, logDir))
}

// ListStages returns all stages for an execution.
func (s *Store) ListStages(ctx context.Context, execID int64) ([]*model.Stage, error) {
	var out []*model.Stage
	err := s.timeRead(ctx, "list_stages", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			return forEachPrefixed(tx.Bucket(bucketStages), execID, func(data []byte) error {
				var st model.Stage
				if err := json.Unmarshal(data, &st); err != nil {
					return err
				}
				out = append(out, &st)
				return nil
			})
		})
	})
	return out, err
}

func forEachPrefixed(bucket *bbolt.Bucket, execID int64, fn func([]byte) error) error {
	prefix := []byte(fmt.Sprintf("%d:", execID))
	c := bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// InsertTask persists a new task, assigning its id and enforcing that
// log_dir, when set, is unique across the whole execution.
func (s *Store) InsertTask(ctx context.Context, task *model.Task) error {
	return s.timeWrite(ctx, "insert_task", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			logDirs := tx.Bucket(bucketLogDirs)
			if task.LogDir != "" {
				key := logDirKey(task.ExecutionID, task.LogDir)
				if existing := logDirs.Get(key); existing != nil {
					return &ErrDuplicateLogDir{LogDir: task.LogDir}
				}
			}

			bucket := tx.Bucket(bucketTasks)
			id, _ := bucket.NextSequence()
			task.ID = int64(id)
			data, err := json.Marshal(task)
			if err != nil {
				return err
			}
			if err := bucket.Put(taskKey(task.ExecutionID, task.ID), data); err != nil {
				return err
			}
			if task.LogDir != "" {
				if err := logDirs.Put(logDirKey(task.ExecutionID, task.LogDir), itob(task.ID)); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// SaveTask updates an already-inserted task. If log_dir was set for the
// first time on this call, the uniqueness invariant is (re)enforced.
func (s *Store) SaveTask(ctx context.Context, task *model.Task) error {
	return s.timeWrite(ctx, "save_task", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			logDirs := tx.Bucket(bucketLogDirs)
			if task.LogDir != "" {
				key := logDirKey(task.ExecutionID, task.LogDir)
				if existing := logDirs.Get(key); existing != nil && btoi(existing) != task.ID {
					return &ErrDuplicateLogDir{LogDir: task.LogDir}
				}
				if err := logDirs.Put(key, itob(task.ID)); err != nil {
					return err
				}
			}
			data, err := json.Marshal(task)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketTasks).Put(taskKey(task.ExecutionID, task.ID), data)
		})
	})
}

// ListTasks returns all tasks for an execution.
func (s *Store) ListTasks(ctx context.Context, execID int64) ([]*model.Task, error) {
	var out []*model.Task
	err := s.timeRead(ctx, "list_tasks", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			return forEachPrefixed(tx.Bucket(bucketTasks), execID, func(data []byte) error {
				var t model.Task
				if err := json.Unmarshal(data, &t); err != nil {
					return err
				}
				out = append(out, &t)
				return nil
			})
		})
	})
	return out, err
}

// DeleteNonSuccessfulTasks removes every persisted task of execID whose
// Successful is false, clearing the way for a resumed run to re-admit
// them fresh. Returns the number of tasks deleted.
func (s *Store) DeleteNonSuccessfulTasks(ctx context.Context, execID int64) (int, error) {
	deleted := 0
	err := s.timeWrite(ctx, "delete_non_successful_tasks", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(bucketTasks)
			logDirs := tx.Bucket(bucketLogDirs)

			var toDelete []struct {
				key    []byte
				logDir string
				id     int64
			}
			prefix := []byte(fmt.Sprintf("%d:", execID))
			c := bucket.Cursor()
			for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
				var t model.Task
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				if !t.Successful {
					s.BeforeDelete("task", t.ID)
					toDelete = append(toDelete, struct {
						key    []byte
						logDir string
						id     int64
					}{append([]byte(nil), k...), t.LogDir, t.ID})
				}
			}
			for _, d := range toDelete {
				if err := bucket.Delete(d.key); err != nil {
					return err
				}
				if d.logDir != "" {
					if err := logDirs.Delete(logDirKey(execID, d.logDir)); err != nil {
						return err
					}
				}
				deleted++
			}
			return nil
		})
	})
	return deleted, err
}

// WipeGraph removes every stage/task/edge/log_dir entry for execID
// while leaving the execution row and its name mapping intact -- a
// restarted run reuses the execution's id but discards all prior graph
// state.
func (s *Store) WipeGraph(ctx context.Context, execID int64) error {
	return s.timeWrite(ctx, "wipe_graph", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			prefix := []byte(fmt.Sprintf("%d:", execID))
			if err := deletePrefixed(tx.Bucket(bucketStages), prefix); err != nil {
				return err
			}
			if err := deletePrefixed(tx.Bucket(bucketTasks), prefix); err != nil {
				return err
			}
			if err := deletePrefixed(tx.Bucket(bucketLogDirs), prefix); err != nil {
				return err
			}
			return tx.Bucket(bucketEdges).Delete(itob(execID))
		})
	})
}

// SaveEdges persists task_g (or stage_g) as a JSON-encoded edge list
// under the execution's id.
func (s *Store) SaveEdges(ctx context.Context, execID int64, edges []Edge) error {
	return s.timeWrite(ctx, "save_edges", func() error {
		return s.db.Update(func(tx *bbolt.Tx) error {
			data, err := json.Marshal(edges)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketEdges).Put(itob(execID), data)
		})
	})
}

// LoadEdges loads a previously-saved edge list.
func (s *Store) LoadEdges(ctx context.Context, execID int64) ([]Edge, error) {
	var edges []Edge
	err := s.timeRead(ctx, "load_edges", func() error {
		return s.db.View(func(tx *bbolt.Tx) error {
			data := tx.Bucket(bucketEdges).Get(itob(execID))
			if data == nil {
				return nil
			}
			return json.Unmarshal(data, &edges)
		})
	})
	return edges, err
}

// ParseID is a small helper for CLI/debug surfaces that accept a decimal
// execution or task id as a string.
func ParseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
