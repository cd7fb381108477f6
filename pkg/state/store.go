package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/Sumatoshi-tech/archgen/pkg/bucket"
)

// File basenames inside a run directory.
const (
	stateBasename      = "state"
	checkpointBasename = "checkpoint"
)

// Permissions for state directories and files.
const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Store is the full persistence contract implemented by FileStore and MemoryStore.
type Store interface {
	Save(ctx context.Context, st *ProcessingState) error
	Load(ctx context.Context) (*ProcessingState, error)
	SaveCheckpoint(ctx context.Context, st *ProcessingState, buckets []*bucket.Bucket) error
	LoadCheckpoint(ctx context.Context, reader ItemReader) (*Restored, error)
	Clear(ctx context.Context) error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Options configure a FileStore.
type Options struct {
	// Compress stores files LZ4-compressed.
	Compress bool
	// RunID is recorded in every checkpoint.
	RunID string
	// Plan is recorded in every checkpoint and checked on resume.
	Plan PlanFingerprint
}

// FileStore persists run state under <BaseDir>/<RunKey(root)>/.
type FileStore struct {
	BaseDir string
	Root    string

	opts  Options
	codec Codec
	now   func() time.Time
}

// NewFileStore creates a store for the run rooted at root.
func NewFileStore(baseDir, root string, opts Options) *FileStore {
	var codec Codec = NewJSONCodec()
	if opts.Compress {
		codec = NewLZ4Codec(nil)
	}

	return &FileStore{
		BaseDir: baseDir,
		Root:    root,
		opts:    opts,
		codec:   codec,
		now:     time.Now,
	}
}

// SetRunID changes the run ID recorded in subsequent checkpoints.
func (s *FileStore) SetRunID(id string) {
	s.opts.RunID = id
}

// Dir returns the directory holding this run's files.
func (s *FileStore) Dir() string {
	return filepath.Join(s.BaseDir, RunKey(s.Root))
}

// StatePath returns the path of the processing state file.
func (s *FileStore) StatePath() string {
	return filepath.Join(s.Dir(), stateBasename+s.codec.Extension())
}

// CheckpointPath returns the path of the checkpoint file.
func (s *FileStore) CheckpointPath() string {
	return filepath.Join(s.Dir(), checkpointBasename+s.codec.Extension())
}

// Exists reports whether a checkpoint is stored for this run.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.CheckpointPath())

	return err == nil
}

// Save writes the processing state.
func (s *FileStore) Save(ctx context.Context, st *ProcessingState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.write(s.StatePath(), st)
}

// Load reads the processing state. It returns nil, nil when none is stored.
func (s *FileStore) Load(ctx context.Context) (*ProcessingState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var st ProcessingState

	found, err := s.read(s.StatePath(), &st)
	if err != nil || !found {
		return nil, err
	}

	return &st, nil
}

// SaveCheckpoint writes a content-free checkpoint of st and buckets.
func (s *FileStore) SaveCheckpoint(ctx context.Context, st *ProcessingState, buckets []*bucket.Bucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cp := Checkpoint{
		Version:   CheckpointVersion,
		RunID:     s.opts.RunID,
		Root:      s.Root,
		Plan:      s.opts.Plan,
		State:     *st,
		Buckets:   recordBuckets(buckets),
		Timestamp: s.now().UTC(),
	}

	return s.write(s.CheckpointPath(), &cp)
}

// LoadMetadata reads the stored checkpoint without restoring item content.
// It returns nil, nil when no checkpoint is stored and ErrCorruptCheckpoint
// when the file does not match the checkpoint schema.
func (s *FileStore) LoadMetadata(ctx context.Context) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw json.RawMessage

	found, err := s.read(s.CheckpointPath(), &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}

	if !found {
		return nil, nil
	}

	schemaErr := validateSchema(raw)
	if schemaErr != nil {
		return nil, schemaErr
	}

	var cp Checkpoint

	unmarshalErr := json.Unmarshal(raw, &cp)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, unmarshalErr)
	}

	return &cp, nil
}

// LoadCheckpoint reads the stored checkpoint and re-reads every recorded item
// through reader. It returns nil, nil when no checkpoint is stored.
func (s *FileStore) LoadCheckpoint(ctx context.Context, reader ItemReader) (*Restored, error) {
	cp, err := s.LoadMetadata(ctx)
	if err != nil || cp == nil {
		return nil, err
	}

	return restore(ctx, cp, reader), nil
}

func restore(ctx context.Context, cp *Checkpoint, reader ItemReader) *Restored {
	buckets, warnings := restoreBuckets(ctx, cp.Buckets, reader)
	st := cp.State.Clone()
	st.TotalBuckets = len(buckets)

	return &Restored{
		Checkpoint: cp,
		State:      st,
		Buckets:    buckets,
		Warnings:   warnings,
	}
}

// Clear removes every file stored for this run.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := s.Dir()

	_, statErr := os.Stat(dir)
	if os.IsNotExist(statErr) {
		return nil
	}

	err := os.RemoveAll(dir)
	if err != nil {
		return fmt.Errorf("remove state dir: %w", err)
	}

	return nil
}

// write encodes v into a temporary file next to path and renames it into place.
func (s *FileStore) write(path string, v any) error {
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var buf bytes.Buffer

	encodeErr := s.codec.Encode(&buf, v)
	if encodeErr != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), encodeErr)
	}

	return WriteFileAtomic(path, buf.Bytes())
}

// read decodes path into v. It reports false when the file does not exist.
func (s *FileStore) read(path string, v any) (bool, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	decodeErr := s.codec.Decode(file, v)
	if decodeErr != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), decodeErr)
	}

	return true, nil
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	if writeErr != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("write temp file: %w", writeErr)
	}

	closeErr := tmp.Close()
	if closeErr != nil {
		os.Remove(tmpName)

		return fmt.Errorf("close temp file: %w", closeErr)
	}

	chmodErr := os.Chmod(tmpName, filePerm)
	if chmodErr != nil {
		os.Remove(tmpName)

		return fmt.Errorf("chmod temp file: %w", chmodErr)
	}

	renameErr := os.Rename(tmpName, path)
	if renameErr != nil {
		os.Remove(tmpName)

		return fmt.Errorf("rename temp file: %w", renameErr)
	}

	return nil
}
