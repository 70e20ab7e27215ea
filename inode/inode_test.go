package inode_test

import (
	"testing"

	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/inode"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type InodeTest struct {
	suite.Suite
}

func TestInodeSuite(t *testing.T) {
	suite.Run(t, new(InodeTest))
}

func (t *InodeTest) freshStore(nblocks int64, ilistSize int) *inode.Store {
	dev := device.NewMemDevice(nblocks, block.BlockSize)
	require.NoError(t.T(), block.Mkfs(dev, ilistSize))
	bs, err := block.Open(dev)
	require.NoError(t.T(), err)
	return inode.NewStore(bs)
}

func (t *InodeTest) TestAllocateGetInfoDefaults() {
	s := t.freshStore(64, 1)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	info, err := s.GetInfo(inum)
	require.NoError(t.T(), err)
	t.EqualValues(0777, info.Mode)
	t.EqualValues(0, info.Nlinks)
	t.EqualValues(0, info.Size)
	t.Equal(info.Created, info.LastAccess)
	t.Equal(info.Created, info.LastChange)
	t.Equal(info.Created, info.LastStatchange)
}

func (t *InodeTest) TestWriteReadRoundTrip() {
	s := t.freshStore(512, 2)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := s.Write(inum, 0, int64(len(data)), data)
	require.NoError(t.T(), err)
	t.EqualValues(100, n)

	out := make([]byte, 100)
	n, err = s.Read(inum, 0, out)
	require.NoError(t.T(), err)
	t.EqualValues(100, n)
	t.Equal(data, out)

	info, err := s.GetInfo(inum)
	require.NoError(t.T(), err)
	t.EqualValues(100, info.Size)
}

func (t *InodeTest) TestWriteCrossesDirectToSingleIndirectBoundary() {
	// 49 direct slots * 512 bytes puts the boundary at offset 25088;
	// write a chunk straddling it.
	s := t.freshStore(4096, 4)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	const boundary = 49 * 512
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err = s.Write(inum, boundary-512, int64(len(data)), data)
	require.NoError(t.T(), err)

	out := make([]byte, len(data))
	_, err = s.Read(inum, boundary-512, out)
	require.NoError(t.T(), err)
	t.Equal(data, out)
}

func (t *InodeTest) TestSparseWriteZeroFillsGap() {
	s := t.freshStore(512, 2)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	tail := []byte("tail-data")
	_, err = s.Write(inum, 2000, int64(len(tail)), tail)
	require.NoError(t.T(), err)

	gap := make([]byte, 2000)
	_, err = s.Read(inum, 0, gap)
	require.NoError(t.T(), err)
	for i, b := range gap {
		t.Equalf(byte(0), b, "gap byte %d should be zero", i)
	}

	out := make([]byte, len(tail))
	_, err = s.Read(inum, 2000, out)
	require.NoError(t.T(), err)
	t.Equal(tail, out)
}

func (t *InodeTest) TestTruncateGrowZeroFillsAndShrinkKeepsPrefix() {
	s := t.freshStore(512, 2)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	content := []byte("hello, candyfs")
	_, err = s.Write(inum, 0, int64(len(content)), content)
	require.NoError(t.T(), err)

	newSize, err := s.Truncate(inum, 4096)
	require.NoError(t.T(), err)
	t.EqualValues(4096, newSize)

	tail := make([]byte, 100)
	_, err = s.Read(inum, 4000, tail)
	require.NoError(t.T(), err)
	for _, b := range tail {
		t.Equal(byte(0), b)
	}

	newSize, err = s.Truncate(inum, 5)
	require.NoError(t.T(), err)
	t.EqualValues(5, newSize)

	out := make([]byte, 5)
	_, err = s.Read(inum, 0, out)
	require.NoError(t.T(), err)
	t.Equal([]byte("hello"), out)
}

func (t *InodeTest) TestFreeRestoresBlocksToFreeList() {
	s := t.freshStore(64, 1)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	_, err = s.Write(inum, 0, 4096, make([]byte, 4096))
	require.NoError(t.T(), err)

	require.NoError(t.T(), s.Free(inum))

	// Reallocating should succeed and produce a fresh, zero-length inode;
	// if Free leaked blocks this would eventually fail with ENOSPC.
	inum2, err := s.Allocate()
	require.NoError(t.T(), err)
	info, err := s.GetInfo(inum2)
	require.NoError(t.T(), err)
	t.EqualValues(0, info.Size)
}

func (t *InodeTest) TestFreeRefusesWithRemainingLinks() {
	s := t.freshStore(64, 1)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)
	_, err = s.Link(inum)
	require.NoError(t.T(), err)

	err = s.Free(inum)
	t.Error(err)
}

func (t *InodeTest) TestChmodChownBumpCtimeOnly() {
	s := t.freshStore(64, 1)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)
	before, err := s.GetInfo(inum)
	require.NoError(t.T(), err)

	require.NoError(t.T(), s.Chmod(inum, 0644))
	require.NoError(t.T(), s.Chown(inum, 1000, inode.NoChange))

	after, err := s.GetInfo(inum)
	require.NoError(t.T(), err)
	t.EqualValues(0644, after.Mode)
	t.EqualValues(1000, after.Owner)
	t.EqualValues(0, after.Group)
	t.Equal(before.LastAccess, after.LastAccess)
	t.Equal(before.LastChange, after.LastChange)
}

func (t *InodeTest) TestUtimeOmitLeavesTimestampAlone() {
	s := t.freshStore(64, 1)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)
	before, err := s.GetInfo(inum)
	require.NoError(t.T(), err)

	omit := &inode.Timespec{Nsec: inode.UtimeOmit}
	explicit := &inode.Timespec{Sec: 12345, Nsec: 0}
	require.NoError(t.T(), s.Utime(inum, omit, explicit))

	after, err := s.GetInfo(inum)
	require.NoError(t.T(), err)
	t.Equal(before.LastAccess, after.LastAccess)
	t.Equal(int64(12345), after.LastChange.Sec)
	// ctime bumps unconditionally, even though atime was omitted.
	t.NotEqual(before.LastStatchange, after.LastStatchange)
}

func (t *InodeTest) TestLinkUnlinkCounts() {
	s := t.freshStore(64, 1)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	n, err := s.Link(inum)
	require.NoError(t.T(), err)
	t.EqualValues(1, n)

	n, err = s.Link(inum)
	require.NoError(t.T(), err)
	t.EqualValues(2, n)

	n, err = s.Unlink(inum)
	require.NoError(t.T(), err)
	t.EqualValues(1, n)
}

func (t *InodeTest) TestWriteRunsOutOfSpacePartway() {
	// A tiny device: allocation of the inode itself consumes one data
	// block, leaving very little for growth.
	s := t.freshStore(6, 1)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	n, err := s.Write(inum, 0, 1<<20, make([]byte, 1<<20))
	require.NoError(t.T(), err)
	t.Less(n, int64(1<<20))

	info, err := s.GetInfo(inum)
	require.NoError(t.T(), err)
	t.Equal(n, info.Size)
}
