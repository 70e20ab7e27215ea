package dir_test

import (
	"testing"

	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/dir"
	"github.com/rhelmot/candyfs/inode"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type DirTest struct {
	suite.Suite
}

func TestDirSuite(t *testing.T) {
	suite.Run(t, new(DirTest))
}

func (t *DirTest) freshStore(nblocks int64, ilistSize int) *dir.Store {
	dev := device.NewMemDevice(nblocks, block.BlockSize)
	require.NoError(t.T(), block.Mkfs(dev, ilistSize))
	bs, err := block.Open(dev)
	require.NoError(t.T(), err)
	return dir.NewStore(inode.NewStore(bs))
}

func (t *DirTest) TestCreateHasDotAndDotDot() {
	s := t.freshStore(64, 1)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)

	sub, err := s.Create(root, 1000, 100)
	require.NoError(t.T(), err)

	self, err := s.Lookup(sub, ".")
	require.NoError(t.T(), err)
	t.Equal(sub, self)

	parent, err := s.Lookup(sub, "..")
	require.NoError(t.T(), err)
	t.Equal(root, parent)
}

func (t *DirTest) TestInsertLookupRemove() {
	s := t.freshStore(64, 1)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)

	require.NoError(t.T(), s.Insert(root, "hello.txt", 42))
	ino, err := s.Lookup(root, "hello.txt")
	require.NoError(t.T(), err)
	t.EqualValues(42, ino)

	removed, err := s.Remove(root, "hello.txt")
	require.NoError(t.T(), err)
	t.EqualValues(42, removed)

	_, err = s.Lookup(root, "hello.txt")
	t.Error(err)
}

func (t *DirTest) TestInsertRejectsDuplicate() {
	s := t.freshStore(64, 1)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)

	require.NoError(t.T(), s.Insert(root, "x", 1))
	err = s.Insert(root, "x", 2)
	t.Error(err)
}

func (t *DirTest) TestRemoveRefusesDotAndDotDot() {
	s := t.freshStore(64, 1)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)
	sub, err := s.Create(root, 0, 0)
	require.NoError(t.T(), err)

	_, err = s.Remove(sub, ".")
	t.Error(err)
	_, err = s.Remove(sub, "..")
	t.Error(err)
}

func (t *DirTest) TestEnumerateFindsAllEntries() {
	s := t.freshStore(64, 1)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)

	names := []string{"a", "b", "c"}
	for i, n := range names {
		require.NoError(t.T(), s.Insert(root, n, int64(i+100)))
	}

	seen := map[string]bool{}
	var offset int64
	for {
		next, _, name, err := s.Enumerate(root, offset)
		require.NoError(t.T(), err)
		if next == 0 {
			break
		}
		seen[name] = true
		offset = next
	}

	for _, n := range append(names, ".", "..") {
		t.True(seen[n], "missing entry %q", n)
	}
}

func (t *DirTest) TestManyEntriesSpanMultipleBlocks() {
	s := t.freshStore(512, 4)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)

	for i := 0; i < 40; i++ {
		name := string(rune('a'+i%26)) + string(rune('A'+i/26))
		require.NoError(t.T(), s.Insert(root, name, int64(i+1)))
	}

	count := 0
	var offset int64
	for {
		next, _, _, err := s.Enumerate(root, offset)
		require.NoError(t.T(), err)
		if next == 0 {
			break
		}
		count++
		offset = next
	}
	t.Equal(42, count) // 40 inserted + "." + ".."
}

func (t *DirTest) TestDestroyRejectsNonEmpty() {
	s := t.freshStore(64, 1)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)
	require.NoError(t.T(), s.Insert(root, "x", 1))

	err = s.Destroy(root)
	t.Error(err)
}

func (t *DirTest) TestDestroyAcceptsEmpty() {
	s := t.freshStore(64, 1)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)
	sub, err := s.Create(root, 0, 0)
	require.NoError(t.T(), err)

	require.NoError(t.T(), s.Destroy(sub))
}

func (t *DirTest) TestReparent() {
	s := t.freshStore(64, 1)
	root, err := s.Create(0, 0, 0)
	require.NoError(t.T(), err)
	a, err := s.Create(root, 0, 0)
	require.NoError(t.T(), err)
	b, err := s.Create(root, 0, 0)
	require.NoError(t.T(), err)

	require.NoError(t.T(), s.Reparent(a, b))
	parent, err := s.Lookup(a, "..")
	require.NoError(t.T(), err)
	t.Equal(b, parent)
}
