package diskmgr

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vortexdata/spillway/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const indexFile = "spillway.db"

var (
	bucketFiles   = []byte("files")
	bucketBuffers = []byte("buffers")
)

// Slot is a buffer's reserved region of a physical spill file.
type Slot struct {
	Path   string
	Offset int64
	Length int64
}

// BufferInfo describes one indexed buffer for inspection tooling.
type BufferInfo struct {
	ID   types.BufferID
	Slot Slot
}

// FileInfo describes one physical spill file and its reference count.
type FileInfo struct {
	Path     string
	Refs     uint32
	WriteOff int64
}

// Manager assigns deterministic spill file paths and reference-counts the
// physical files behind them. Buffers with a share group append into one
// communal file at increasing offsets; exclusive buffers get a file each.
// The index lives in a bbolt database inside the spill directory so the
// inspector can read it offline and orphaned files survive restarts only
// until the next sweep.
type Manager struct {
	root   string
	db     *bbolt.DB
	logger *zap.Logger
}

func New(root string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(root, "shared"), 0755); err != nil {
		return nil, fmt.Errorf("creating spill dir %s: %w", root, err)
	}
	db, err := bbolt.Open(filepath.Join(root, indexFile), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening spill index: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBuffers)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing spill index: %w", err)
	}
	return &Manager{root: root, db: db, logger: logger}, nil
}

// Open opens an existing spill directory read-write without creating it,
// for inspection tooling.
func Open(root string, logger *zap.Logger) (*Manager, error) {
	if _, err := os.Stat(filepath.Join(root, indexFile)); err != nil {
		return nil, fmt.Errorf("no spill index in %s: %w", root, err)
	}
	return New(root, logger)
}

// PathFor deterministically maps a buffer id to its spill file.
func (m *Manager) PathFor(id types.BufferID) string {
	if id.ShareDiskPaths() {
		return filepath.Join(m.root, "shared", id.ShareGroup+".bin")
	}
	return filepath.Join(m.root, fmt.Sprintf("buf-%d-%d.bin", id.ID, id.Generation))
}

// Allocate reserves a slot for a buffer about to be written. For shared
// paths the slot starts at the file's current append offset; the path's
// reference count goes up either way.
func (m *Manager) Allocate(id types.BufferID, size int64) (Slot, error) {
	path := m.PathFor(id)
	var slot Slot
	err := m.db.Update(func(tx *bbolt.Tx) error {
		buffers := tx.Bucket(bucketBuffers)
		if buffers.Get(idKey(id)) != nil {
			return fmt.Errorf("buffer %s already has a disk slot", id)
		}

		files := tx.Bucket(bucketFiles)
		refs, woff := decodeFileEntry(files.Get([]byte(path)))

		slot = Slot{Path: path, Offset: woff, Length: size}
		if !id.ShareDiskPaths() && refs > 0 {
			return fmt.Errorf("exclusive path %s already referenced", path)
		}

		if err := files.Put([]byte(path), encodeFileEntry(refs+1, woff+size)); err != nil {
			return err
		}
		return buffers.Put(idKey(id), encodeSlot(slot))
	})
	if err != nil {
		return Slot{}, fmt.Errorf("allocating disk slot for %s: %w", id, err)
	}
	return slot, nil
}

// Lookup returns the slot recorded for a buffer, if any.
func (m *Manager) Lookup(id types.BufferID) (Slot, bool, error) {
	var slot Slot
	var found bool
	err := m.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBuffers).Get(idKey(id))
		if raw == nil {
			return nil
		}
		s, err := decodeSlot(raw)
		if err != nil {
			return err
		}
		slot, found = s, true
		return nil
	})
	return slot, found, err
}

// Release drops a buffer's slot and decrements its path's reference count,
// unlinking the physical file once no buffer references it. Returns whether
// the file was removed.
func (m *Manager) Release(id types.BufferID) (bool, error) {
	var removeFile string
	err := m.db.Update(func(tx *bbolt.Tx) error {
		buffers := tx.Bucket(bucketBuffers)
		raw := buffers.Get(idKey(id))
		if raw == nil {
			return nil // already released
		}
		slot, err := decodeSlot(raw)
		if err != nil {
			return err
		}
		if err := buffers.Delete(idKey(id)); err != nil {
			return err
		}

		files := tx.Bucket(bucketFiles)
		refs, woff := decodeFileEntry(files.Get([]byte(slot.Path)))
		if refs <= 1 {
			removeFile = slot.Path
			return files.Delete([]byte(slot.Path))
		}
		return files.Put([]byte(slot.Path), encodeFileEntry(refs-1, woff))
	})
	if err != nil {
		return false, fmt.Errorf("releasing disk slot for %s: %w", id, err)
	}
	if removeFile == "" {
		return false, nil
	}
	if err := os.Remove(removeFile); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("removing spill file %s: %w", removeFile, err)
	}
	m.logger.Debug("spill file removed", zap.String("path", removeFile))
	return true, nil
}

// Reset drops every indexed slot and file entry, returning the number of
// slots dropped. Spill space holds no durable data, so a fresh engine
// start resets the index before sweeping; slots left behind by a crash
// would otherwise keep their files referenced forever. The physical files
// stay on disk until the following Sweep.
func (m *Manager) Reset() (int, error) {
	dropped := 0
	err := m.db.Update(func(tx *bbolt.Tx) error {
		buffers := tx.Bucket(bucketBuffers)
		if err := buffers.ForEach(func(k, _ []byte) error {
			dropped++
			return nil
		}); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketBuffers, bucketFiles} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("resetting spill index: %w", err)
	}
	if dropped > 0 {
		m.logger.Info("dropped stale spill slots", zap.Int("count", dropped))
	}
	return dropped, nil
}

// Sweep removes spill files on disk that the index no longer references.
// Run at startup before any writes.
func (m *Manager) Sweep() (int, error) {
	indexed := make(map[string]bool)
	if err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, _ []byte) error {
			indexed[string(k)] = true
			return nil
		})
	}); err != nil {
		return 0, err
	}

	removed := 0
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".bin" || indexed[path] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing orphan %s: %w", path, err)
		}
		m.logger.Info("removed orphan spill file", zap.String("path", path))
		removed++
		return nil
	})
	return removed, err
}

// Buffers lists every indexed buffer slot.
func (m *Manager) Buffers() ([]BufferInfo, error) {
	var out []BufferInfo
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBuffers).ForEach(func(k, v []byte) error {
			slot, err := decodeSlot(v)
			if err != nil {
				return err
			}
			out = append(out, BufferInfo{ID: decodeIDKey(k), Slot: slot})
			return nil
		})
	})
	return out, err
}

// Files lists every physical spill file known to the index.
func (m *Manager) Files() ([]FileInfo, error) {
	var out []FileInfo
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			refs, woff := decodeFileEntry(v)
			out = append(out, FileInfo{Path: string(k), Refs: refs, WriteOff: woff})
			return nil
		})
	})
	return out, err
}

func (m *Manager) Root() string { return m.root }

func (m *Manager) Ping() error {
	return m.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketBuffers) == nil {
			return fmt.Errorf("spill index missing buffers bucket")
		}
		return nil
	})
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// idKey packs (ID, Generation, ShareGroup) into a stable bolt key. The
// share group is part of the key so inspection can reconstruct the path
// policy without guessing.
func idKey(id types.BufferID) []byte {
	key := make([]byte, 12+len(id.ShareGroup))
	binary.BigEndian.PutUint64(key[0:8], id.ID)
	binary.BigEndian.PutUint32(key[8:12], id.Generation)
	copy(key[12:], id.ShareGroup)
	return key
}

func decodeIDKey(key []byte) types.BufferID {
	return types.BufferID{
		ID:         binary.BigEndian.Uint64(key[0:8]),
		Generation: binary.BigEndian.Uint32(key[8:12]),
		ShareGroup: string(key[12:]),
	}
}

func encodeFileEntry(refs uint32, woff int64) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], refs)
	binary.BigEndian.PutUint64(out[4:12], uint64(woff))
	return out
}

func decodeFileEntry(raw []byte) (refs uint32, woff int64) {
	if len(raw) != 12 {
		return 0, 0
	}
	return binary.BigEndian.Uint32(raw[0:4]), int64(binary.BigEndian.Uint64(raw[4:12]))
}

func encodeSlot(s Slot) []byte {
	out := make([]byte, 16+len(s.Path))
	binary.BigEndian.PutUint64(out[0:8], uint64(s.Offset))
	binary.BigEndian.PutUint64(out[8:16], uint64(s.Length))
	copy(out[16:], s.Path)
	return out
}

func decodeSlot(raw []byte) (Slot, error) {
	if len(raw) < 16 {
		return Slot{}, fmt.Errorf("corrupt slot entry: %d bytes", len(raw))
	}
	return Slot{
		Offset: int64(binary.BigEndian.Uint64(raw[0:8])),
		Length: int64(binary.BigEndian.Uint64(raw[8:16])),
		Path:   string(raw[16:]),
	}, nil
}
