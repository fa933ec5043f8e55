package btree

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pastra-db/pastra/internal/blockcache"
	"github.com/pastra-db/pastra/internal/container"
	"github.com/pastra-db/pastra/internal/engineerr"
	"github.com/pastra-db/pastra/internal/value"
)

const (
	metaFileSuffix = ".btree.meta.json"
	metaVersion    = 1
)

// diskMeta is the JSON sidecar persisting the allocator state that doesn't
// fit naturally inside the node container itself.
type diskMeta struct {
	Version  int      `json:"version"`
	Root     NodeID   `json:"root"`
	Height   int      `json:"height"`
	NextID   NodeID   `json:"next_id"`
	FreeList []NodeID `json:"free_list,omitempty"`
}

type containerStore struct {
	c        container.Container
	itemSize int
}

func (s *containerStore) RetrieveItems(first, count int, buf []byte) error {
	offset := uint64(first) * uint64(s.itemSize)
	size := s.c.Size()
	if offset >= size {
		clear(buf)
		return nil
	}
	avail := size - offset
	if avail >= uint64(len(buf)) {
		return s.c.ReadAt(offset, buf)
	}
	clear(buf)
	return s.c.ReadAt(offset, buf[:avail])
}

func (s *containerStore) StoreItems(first, count int, buf []byte) error {
	offset := uint64(first) * uint64(s.itemSize)
	size := s.c.Size()
	if offset > size {
		if err := s.c.WriteAt(size, make([]byte, offset-size)); err != nil {
			return err
		}
	}
	return s.c.WriteAt(offset, buf)
}

// Manager owns one index's container, node cache and id allocator (spec
// §4.5's "node manager contract").
type Manager struct {
	mu sync.Mutex

	keyType     value.Type
	nodeRawSize int
	store       *containerStore
	cache       *blockcache.Cache

	root     NodeID
	height   int
	nextID   NodeID
	freeList []NodeID

	metaPath string
}

// OpenManager attaches a Manager to c, sizing its node cache to maxCached
// nodes of nodeRawSize bytes each, and loading/ creating the JSON sidecar
// meta file at metaPath (empty disables persistence, used by purely
// in-memory temporal indices).
func OpenManager(c container.Container, keyType value.Type, nodeRawSize, maxCached int, metaPath string) (*Manager, error) {
	if nodeRawSize&(nodeRawSize-1) != 0 {
		return nil, engineerr.New(engineerr.InvalidParameters, "btree: node raw size %d is not a power of two", nodeRawSize)
	}
	store := &containerStore{c: c, itemSize: nodeRawSize}
	cache, err := blockcache.New(store, nodeRawSize, 1, maxCached)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		keyType:     keyType,
		nodeRawSize: nodeRawSize,
		store:       store,
		cache:       cache,
		root:        NilNode,
		nextID:      0,
		metaPath:    metaPath,
	}

	meta, found, err := m.loadMeta()
	if err != nil {
		return nil, err
	}
	if found {
		m.root, m.height, m.nextID, m.freeList = meta.Root, meta.Height, meta.NextID, meta.FreeList
	}
	return m, nil
}

func (m *Manager) NodeRawSize() int { return m.nodeRawSize }
func (m *Manager) RootID() NodeID   { return m.root }
func (m *Manager) SetRootID(id NodeID) { m.root = id }
func (m *Manager) Height() int      { return m.height }
func (m *Manager) SetHeight(h int)  { m.height = h }

// AllocateNode returns an id for a fresh node, reusing a freed id when
// available.
func (m *Manager) AllocateNode() NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freeList); n > 0 {
		id := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return id
	}
	id := m.nextID
	m.nextID++
	return id
}

func (m *Manager) FreeNode(id NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeList = append(m.freeList, id)
}

// LoadNode pins and returns node id. The caller must call Release when done.
func (m *Manager) LoadNode(id NodeID) (*Node, error) {
	ref, err := m.cache.Retrieve(int(id))
	if err != nil {
		return nil, err
	}
	return &Node{ref: ref, id: id, keyType: m.keyType, nodeRawSize: m.nodeRawSize}, nil
}

// NewLeaf allocates and zero-initializes a fresh leaf node.
func (m *Manager) NewLeaf() (*Node, error) {
	id := m.AllocateNode()
	n, err := m.LoadNode(id)
	if err != nil {
		return nil, err
	}
	clear(n.Raw())
	n.SetLeaf(true)
	n.setNumKeys(0)
	n.SetPrevLeaf(NilNode)
	n.SetNextLeaf(NilNode)
	m.SaveNode(n)
	return n, nil
}

// NewInternal allocates and zero-initializes a fresh internal node.
func (m *Manager) NewInternal() (*Node, error) {
	id := m.AllocateNode()
	n, err := m.LoadNode(id)
	if err != nil {
		return nil, err
	}
	clear(n.Raw())
	n.SetLeaf(false)
	n.setNumKeys(0)
	m.SaveNode(n)
	return n, nil
}

// SaveNode marks a loaded node dirty; it remains pinned until ReleaseNode.
func (m *Manager) SaveNode(n *Node) { n.ref.MarkDirty() }

// ReleaseNode unpins a node previously returned by LoadNode/NewLeaf/NewInternal.
func (m *Manager) ReleaseNode(n *Node) { n.ref.Release() }

// MaxCachedNodes reports the node cache's block-count budget.
func (m *Manager) MaxCachedNodes() int { return m.cache.BlockCount() }

// Flush writes every dirty node and the sidecar meta file.
func (m *Manager) Flush() error {
	if err := m.cache.Flush(); err != nil {
		return err
	}
	return m.saveMeta()
}

func (m *Manager) loadMeta() (diskMeta, bool, error) {
	if m.metaPath == "" {
		return diskMeta{}, false, nil
	}
	data, err := os.ReadFile(m.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return diskMeta{}, false, nil
		}
		return diskMeta{}, false, engineerr.Wrap(engineerr.FileOSIOError, err, "btree: read meta %s", m.metaPath)
	}
	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return diskMeta{}, false, engineerr.Wrap(engineerr.TableInconsistency, err, "btree: corrupt meta %s", m.metaPath)
	}
	if meta.Root == 0 && meta.NextID == 0 {
		meta.Root = NilNode
	}
	return meta, true, nil
}

func (m *Manager) saveMeta() error {
	if m.metaPath == "" {
		return nil
	}
	meta := diskMeta{
		Version:  metaVersion,
		Root:     m.root,
		Height:   m.height,
		NextID:   m.nextID,
		FreeList: m.freeList,
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.metaPath), 0o755); err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "btree: mkdir for meta")
	}
	if err := writeFileAtomic(m.metaPath, data, 0o644); err != nil {
		return err
	}
	slog.Debug("btree.meta.saved", "path", m.metaPath, "root", meta.Root, "height", meta.Height)
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "btree: create temp meta file")
	}
	tmpName := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "btree: write temp meta file")
	}
	if err := tmp.Chmod(perm); err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "btree: chmod temp meta file")
	}
	if err := tmp.Sync(); err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "btree: fsync temp meta file")
	}
	if err := tmp.Close(); err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "btree: close temp meta file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "btree: rename %s", tmpName)
	}
	ok = true
	return nil
}
