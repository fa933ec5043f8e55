package blockcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is a trivial BackingStore over a flat in-memory byte slice, used
// only to exercise Cache's paging behaviour in isolation.
type memStore struct {
	itemSize int
	data     []byte
}

func newMemStore(itemSize, items int) *memStore {
	return &memStore{itemSize: itemSize, data: make([]byte, itemSize*items)}
}

func (m *memStore) StoreItems(first, count int, buf []byte) error {
	off := first * m.itemSize
	copy(m.data[off:off+count*m.itemSize], buf)
	return nil
}

func (m *memStore) RetrieveItems(first, count int, buf []byte) error {
	off := first * m.itemSize
	copy(buf, m.data[off:off+count*m.itemSize])
	return nil
}

func TestCacheRetrieveWriteFlush(t *testing.T) {
	store := newMemStore(8, 64)
	c, err := New(store, 8, 4, 2) // 2 blocks of 4 items each
	require.NoError(t, err)

	ref, err := c.Retrieve(5)
	require.NoError(t, err)
	copy(ref.Bytes(), []byte("itemfive"))
	ref.MarkDirty()
	ref.Release()

	require.NoError(t, c.Flush())

	got := make([]byte, 8)
	require.NoError(t, store.RetrieveItems(5, 1, got))
	require.Equal(t, "itemfive", string(got))
}

func TestCacheEvictsWhenFull(t *testing.T) {
	store := newMemStore(4, 64)
	c, err := New(store, 4, 1, 2) // 2 one-item blocks: forces eviction fast
	require.NoError(t, err)

	r0, err := c.Retrieve(0)
	require.NoError(t, err)
	copy(r0.Bytes(), []byte("aaaa"))
	r0.MarkDirty()
	r0.Release()

	r1, err := c.Retrieve(1)
	require.NoError(t, err)
	copy(r1.Bytes(), []byte("bbbb"))
	r1.MarkDirty()
	r1.Release()

	// A third distinct block forces eviction of one of the first two.
	r2, err := c.Retrieve(2)
	require.NoError(t, err)
	copy(r2.Bytes(), []byte("cccc"))
	r2.MarkDirty()
	r2.Release()

	require.NoError(t, c.Flush())

	out := make([]byte, 4)
	require.NoError(t, store.RetrieveItems(0, 1, out))
	require.Equal(t, "aaaa", string(out))
	require.NoError(t, store.RetrieveItems(2, 1, out))
	require.Equal(t, "cccc", string(out))
}

func TestFlushItemOnlyFlushesThatBlock(t *testing.T) {
	store := newMemStore(4, 8)
	c, err := New(store, 4, 2, 2)
	require.NoError(t, err)

	ref, err := c.Retrieve(0)
	require.NoError(t, err)
	copy(ref.Bytes(), []byte("xxxx"))
	ref.MarkDirty()
	ref.Release()

	// Item 2 lives in block 1, which stays dirty and unflushed.
	other, err := c.Retrieve(2)
	require.NoError(t, err)
	copy(other.Bytes(), []byte("yyyy"))
	other.MarkDirty()
	other.Release()

	require.NoError(t, c.FlushItem(0))

	out := make([]byte, 4)
	require.NoError(t, store.RetrieveItems(0, 1, out))
	require.Equal(t, "xxxx", string(out))
	require.NoError(t, store.RetrieveItems(2, 1, out))
	require.Equal(t, []byte{0, 0, 0, 0}, out)
}

func TestRefreshItemDropsCachedCopy(t *testing.T) {
	store := newMemStore(4, 8)
	c, err := New(store, 4, 2, 2)
	require.NoError(t, err)

	ref, err := c.Retrieve(0)
	require.NoError(t, err)
	copy(ref.Bytes(), []byte("orig"))
	ref.Release() // not marked dirty

	// Mutate the backing store behind the cache's back, then refresh.
	require.NoError(t, store.StoreItems(0, 1, []byte("new!")))
	require.NoError(t, c.RefreshItem(0))

	ref2, err := c.Retrieve(0)
	require.NoError(t, err)
	require.Equal(t, "new!", string(ref2.Bytes()))
	ref2.Release()
}
