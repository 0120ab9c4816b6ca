package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hlogdb/hlogdb/lib/address"
	"github.com/hlogdb/hlogdb/lib/index"
)

// Metadata is everything a recovery needs to reconstruct the store's
// state as of one checkpoint, short of the index entries themselves
// (kept in a companion index.<IndexSnapshotID> file so a future
// incremental-checkpoint variant can reuse an unchanged index snapshot
// across several log checkpoints without rewriting it).
type Metadata struct {
	ID              uuid.UUID
	Kind            Kind
	Cut             address.Address
	BeginAddress    address.Address
	IndexSnapshotID uuid.UUID
	// SnapshotID is uuid.Nil for a KindFuzzy checkpoint; for KindSnapshot
	// it names the side file holding the raw mutable-region capture
	// (see RawRecord / MetadataStore.SaveSnapshot).
	SnapshotID uuid.UUID
	// CaptureFrom is the ReadOnlyAddress in effect when the raw capture
	// began - the low end of the [CaptureFrom, Cut) range RawRecord
	// entries under SnapshotID cover. Meaningless when SnapshotID is
	// uuid.Nil.
	CaptureFrom   address.Address
	Version       int
	CreatedAtUnix int64
}

// latestPointerFile names the small file recording which checkpoint is
// current, the same role RocksDB's CURRENT file or a WAL's "last good
// segment" pointer plays: written last, after both the index and
// metadata files it refers to are already durably renamed into place,
// so a crash can never leave it pointing at a half-written checkpoint.
const latestPointerFile = "LATEST"

// MetadataStore persists checkpoint metadata and index snapshots to a
// directory as gob-encoded files, using the write-to-temp-then-rename
// pattern for crash-atomicity: a reader never observes a partially
// written file because os.Rename only ever exposes the fully-written
// temp file under its final name.
type MetadataStore struct {
	dir string
}

// NewMetadataStore creates a MetadataStore rooted at dir, creating dir
// if it does not already exist.
func NewMetadataStore(dir string) (*MetadataStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: creating metadata dir %s: %w", dir, err)
	}
	return &MetadataStore{dir: dir}, nil
}

func (s *MetadataStore) checkpointPath(id uuid.UUID) string {
	return filepath.Join(s.dir, "checkpoint."+id.String())
}

func (s *MetadataStore) indexPath(id uuid.UUID) string {
	return filepath.Join(s.dir, "index."+id.String())
}

func (s *MetadataStore) latestPath() string {
	return filepath.Join(s.dir, latestPointerFile)
}

func (s *MetadataStore) snapshotPath(id uuid.UUID) string {
	return filepath.Join(s.dir, "snapshot."+id.String())
}

// SaveSnapshot persists a KindSnapshot checkpoint's raw mutable-region
// capture under id (Metadata.SnapshotID).
func (s *MetadataStore) SaveSnapshot(id uuid.UUID, records []RawRecord) error {
	return writeGobAtomic(s.snapshotPath(id), records)
}

// LoadSnapshot reads back a previously saved raw mutable-region capture.
func (s *MetadataStore) LoadSnapshot(id uuid.UUID) ([]RawRecord, error) {
	var records []RawRecord
	if err := readGob(s.snapshotPath(id), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func writeGobAtomic(path string, v interface{}) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: encoding %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// Save persists entries under meta.IndexSnapshotID and meta itself
// under meta.ID, then advances the LATEST pointer to meta.ID. The index
// file is written (and renamed into place) before the metadata file, and
// the metadata file before the pointer update, so a crash mid-Save
// never advances LATEST to a checkpoint whose dependent files aren't
// both already durable.
func (s *MetadataStore) Save(meta Metadata, entries []index.Entry) error {
	if err := writeGobAtomic(s.indexPath(meta.IndexSnapshotID), entries); err != nil {
		return err
	}
	if err := writeGobAtomic(s.checkpointPath(meta.ID), meta); err != nil {
		return err
	}
	return writeGobAtomic(s.latestPath(), meta.ID.String())
}

// Load reads back the metadata and index entries for checkpoint id.
func (s *MetadataStore) Load(id uuid.UUID) (Metadata, []index.Entry, error) {
	var meta Metadata
	if err := readGob(s.checkpointPath(id), &meta); err != nil {
		return Metadata{}, nil, err
	}
	var entries []index.Entry
	if err := readGob(s.indexPath(meta.IndexSnapshotID), &entries); err != nil {
		return Metadata{}, nil, err
	}
	return meta, entries, nil
}

// LoadLatest reads the checkpoint LATEST currently points at. Returns
// ErrNoCheckpoint if no checkpoint has ever completed.
func (s *MetadataStore) LoadLatest() (Metadata, []index.Entry, error) {
	var idStr string
	if err := readGob(s.latestPath(), &idStr); err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, nil, ErrNoCheckpoint
		}
		return Metadata{}, nil, err
	}
	id, err := uuid.Parse(strings.TrimSpace(idStr))
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("checkpoint: parsing LATEST pointer %q: %w", idStr, err)
	}
	return s.Load(id)
}

func readGob(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}
