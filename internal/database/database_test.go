package database

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMalloc_ZeroFilledAndAligned(t *testing.T) {
	db := OpenInMemory()

	p, err := db.Malloc(20)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(p), ChunkSize, "records never live in the header chunk")
	assert.Equal(t, 0, int(p-BlockHeaderSize)%BlockSizeDelta)

	for i := Ptr(0); i < 20; i++ {
		b, err := db.GetByte(p + i)
		require.NoError(t, err)
		assert.Zero(t, b)
	}
	assert.True(t, db.IsAllocated(p))
	assert.Equal(t, uint64(roundBlock(20)), db.UsedBytes())
}

func TestMalloc_ReusesFreedBlock(t *testing.T) {
	db := OpenInMemory()

	a, err := db.Malloc(32)
	require.NoError(t, err)
	require.NoError(t, db.PutInt(a, 0xdeadbeef))
	require.NoError(t, db.Free(a))
	assert.False(t, db.IsAllocated(a))
	assert.Zero(t, db.UsedBytes())

	b, err := db.Malloc(32)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same size class should hand back the freed block")

	v, err := db.GetInt(b)
	require.NoError(t, err)
	assert.Zero(t, v, "reused block must be zero-filled")
}

func TestMalloc_SplitsAndGrows(t *testing.T) {
	db := OpenInMemory()
	assert.Equal(t, 1, db.ChunkCount())

	// Fill one chunk with many small blocks; they all come from the first split.
	seen := map[Ptr]bool{}
	for range 100 {
		p, err := db.Malloc(12)
		require.NoError(t, err)
		require.False(t, seen[p], "allocator returned overlapping block %d", p)
		seen[p] = true
	}
	assert.Equal(t, 2, db.ChunkCount())

	big, err := db.Malloc(MaxMallocSize)
	require.NoError(t, err)
	assert.Equal(t, 3, db.ChunkCount())
	assert.Equal(t, 0, int(big-BlockHeaderSize)%ChunkSize)

	_, err = db.Malloc(MaxMallocSize + 1)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFree_Faults(t *testing.T) {
	db := OpenInMemory()

	p, err := db.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, db.Free(p))

	assert.ErrorIs(t, db.Free(p), ErrStorageFault, "double free")
	assert.ErrorIs(t, db.Free(Null), ErrStorageFault)
	assert.ErrorIs(t, db.Free(p+1), ErrStorageFault, "misaligned")
	assert.ErrorIs(t, db.Free(Ptr(100*ChunkSize)), ErrStorageFault, "beyond store")
}

func TestAccess_Faults(t *testing.T) {
	db := OpenInMemory()

	_, err := db.GetInt(Null)
	assert.ErrorIs(t, err, ErrStorageFault)

	_, err = db.GetLong(Ptr(ChunkSize * 4))
	assert.ErrorIs(t, err, ErrStorageFault)

	_, err = db.GetInt(Ptr(ChunkSize - 2))
	assert.ErrorIs(t, err, ErrStorageFault, "read crossing a chunk boundary")
}

func TestAccess_UnallocatedFaults(t *testing.T) {
	db := OpenInMemory()
	p, err := db.Malloc(16)
	require.NoError(t, err)

	_, err = db.GetInt(p + 1024)
	assert.ErrorIs(t, err, ErrStorageFault, "never allocated")
	assert.ErrorIs(t, db.PutInt(p+1024, 1), ErrStorageFault)
	_, err = db.GetLong(p + 16)
	assert.ErrorIs(t, err, ErrStorageFault, "read running past the block")
	_, err = db.GetInt(Ptr(offFreeLists))
	assert.ErrorIs(t, err, ErrStorageFault, "allocator bookkeeping")

	require.NoError(t, db.Free(p))
	_, err = db.GetInt(p)
	assert.ErrorIs(t, err, ErrStorageFault, "freed")
}

func TestTypedAccess(t *testing.T) {
	db := OpenInMemory()
	p, err := db.Malloc(16)
	require.NoError(t, err)

	require.NoError(t, db.PutByte(p, 7))
	require.NoError(t, db.PutInt(p+4, 1234567))
	require.NoError(t, db.PutLong(p+8, -42))

	b, err := db.GetByte(p)
	require.NoError(t, err)
	assert.Equal(t, byte(7), b)

	i, err := db.GetInt(p + 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234567), i)

	l, err := db.GetLong(p + 8)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), l)
}

func TestStrings(t *testing.T) {
	db := OpenInMemory()

	cases := map[string]string{
		"empty": "",
		"short": "src/a.c",
		"edge":  strings.Repeat("x", maxShortString),
		"long":  strings.Repeat("0123456789", 1500),
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := db.NewString(s)
			require.NoError(t, err)

			got, err := db.GetString(p)
			require.NoError(t, err)
			assert.Equal(t, s, got)

			c, err := db.CompareString(p, s)
			require.NoError(t, err)
			assert.Zero(t, c)
		})
	}
}

func TestStrings_FreeReleasesChain(t *testing.T) {
	db := OpenInMemory()

	p, err := db.NewString(strings.Repeat("y", 3*ChunkSize))
	require.NoError(t, err)
	assert.NotZero(t, db.UsedBytes())

	require.NoError(t, db.FreeString(p))
	assert.Zero(t, db.UsedBytes())
}

func TestStrings_FreedFaults(t *testing.T) {
	db := OpenInMemory()

	p, err := db.NewString("hello")
	require.NoError(t, err)
	require.NoError(t, db.FreeString(p))

	_, err = db.GetString(p)
	assert.ErrorIs(t, err, ErrStorageFault)
	assert.ErrorIs(t, db.FreeString(p), ErrStorageFault)

	long, err := db.NewString(strings.Repeat("z", 2*ChunkSize))
	require.NoError(t, err)
	next, err := db.GetPtr(long + 4)
	require.NoError(t, err)
	require.NoError(t, db.Free(next))
	_, err = db.GetString(long)
	assert.ErrorIs(t, err, ErrStorageFault, "freed continuation block")
}

func TestStrings_NoDedup(t *testing.T) {
	db := OpenInMemory()

	a, err := db.NewString("same")
	require.NoError(t, err)
	b, err := db.NewString("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	c, err := db.CompareStrings(a, b)
	require.NoError(t, err)
	assert.Zero(t, c)

	z, err := db.NewString("zzz")
	require.NoError(t, err)
	c, err = db.CompareStrings(a, z)
	require.NoError(t, err)
	assert.Negative(t, c)
	c, err = db.CompareStrings(z, a)
	require.NoError(t, err)
	assert.Positive(t, c)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.pdom")

	db, err := Open(path)
	require.NoError(t, err)

	s, err := db.NewString("persisted")
	require.NoError(t, err)
	require.NoError(t, db.PutPtr(RootSlot(0), s))
	db.SetNeedsRebuild(true)
	gen := db.IncrementGeneration()
	require.NoError(t, db.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2*ChunkSize), info.Size())

	db, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	root, err := db.GetPtr(RootSlot(0))
	require.NoError(t, err)
	got, err := db.GetString(root)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got)
	assert.True(t, db.NeedsRebuild())
	assert.Equal(t, gen, db.Generation())
	assert.True(t, db.IsAllocated(s), "allocated blocks are found again on open")
	_, err = db.GetInt(s + 64)
	assert.ErrorIs(t, err, ErrStorageFault)
}

func TestOpen_RejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.pdom")
	require.NoError(t, os.WriteFile(bad, make([]byte, ChunkSize), 0o644))
	_, err := Open(bad)
	assert.Error(t, err)

	old := filepath.Join(dir, "old.pdom")
	hdr := make([]byte, ChunkSize)
	writeHeader(hdr, &Header{Magic: Magic, Version: Version - 1, ChunkCount: 1})
	require.NoError(t, os.WriteFile(old, hdr, 0o644))
	_, err = Open(old)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestClear_TruncatesOnFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.pdom")
	db, err := Open(path)
	require.NoError(t, err)

	for range 3 {
		_, err := db.Malloc(MaxMallocSize)
		require.NoError(t, err)
	}
	require.NoError(t, db.Flush())
	gen := db.Generation()

	require.NoError(t, db.Clear())
	assert.Equal(t, 1, db.ChunkCount())
	assert.Zero(t, db.UsedBytes())
	assert.Greater(t, db.Generation(), gen)
	require.NoError(t, db.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(ChunkSize), info.Size())
}

func TestClosed(t *testing.T) {
	db := OpenInMemory()
	require.NoError(t, db.Close())

	_, err := db.Malloc(8)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.GetInt(Ptr(ChunkSize))
	assert.ErrorIs(t, err, ErrClosed)
}
