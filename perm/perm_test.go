package perm_test

import (
	"testing"

	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/inode"
	"github.com/rhelmot/candyfs/perm"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type PermTest struct {
	suite.Suite
}

func TestPermSuite(t *testing.T) {
	suite.Run(t, new(PermTest))
}

func (t *PermTest) freshInode() (*inode.Store, int64) {
	dev := device.NewMemDevice(64, block.BlockSize)
	require.NoError(t.T(), block.Mkfs(dev, 1))
	bs, err := block.Open(dev)
	require.NoError(t.T(), err)
	s := inode.NewStore(bs)
	inum, err := s.Allocate()
	require.NoError(t.T(), err)
	require.NoError(t.T(), s.Chown(inum, 1000, 100))
	require.NoError(t.T(), s.Chmod(inum, 0640))
	return s, inum
}

func (t *PermTest) TestRootAlwaysPasses() {
	s, inum := t.freshInode()
	ok, err := perm.Check(s, inum, perm.Read|perm.Write|perm.Exec, 0, 0)
	require.NoError(t.T(), err)
	t.True(ok)
}

func (t *PermTest) TestOwnerUsesOwnerBits() {
	s, inum := t.freshInode()
	ok, err := perm.Check(s, inum, perm.Read|perm.Write, 1000, 999)
	require.NoError(t.T(), err)
	t.True(ok)

	ok, err = perm.Check(s, inum, perm.Exec, 1000, 999)
	require.NoError(t.T(), err)
	t.False(ok)
}

func (t *PermTest) TestGroupUsesGroupBits() {
	s, inum := t.freshInode()
	ok, err := perm.Check(s, inum, perm.Read, 2000, 100)
	require.NoError(t.T(), err)
	t.True(ok)

	ok, err = perm.Check(s, inum, perm.Write, 2000, 100)
	require.NoError(t.T(), err)
	t.False(ok)
}

func (t *PermTest) TestOtherUsesOtherBits() {
	s, inum := t.freshInode()
	ok, err := perm.Check(s, inum, perm.Read, 2000, 500)
	require.NoError(t.T(), err)
	t.False(ok)
}

func (t *PermTest) TestChmodRequiresOwnerOrRoot() {
	s, inum := t.freshInode()
	err := perm.Chmod(s, inum, 0777, 1000)
	require.NoError(t.T(), err)

	err = perm.Chmod(s, inum, 0755, 2000)
	t.Error(err)
}

func (t *PermTest) TestChmodRejectsBitsOutsideRange() {
	s, inum := t.freshInode()
	err := perm.Chmod(s, inum, 0170000, 0)
	t.Error(err)
}

func (t *PermTest) TestCheckUtimeOwnerAlwaysPasses() {
	s, inum := t.freshInode()

	// Mode is 0640: the owner has no exec bit, but utime is not gated on
	// any mode bit for the owner.
	ok, err := perm.CheckUtime(s, inum, 1000, 999)
	require.NoError(t.T(), err)
	t.True(ok)

	// A stranger needs write access, which 0640 denies.
	ok, err = perm.CheckUtime(s, inum, 2000, 500)
	require.NoError(t.T(), err)
	t.False(ok)

	// A group member has write denied too (group bits are r--).
	ok, err = perm.CheckUtime(s, inum, 2000, 100)
	require.NoError(t.T(), err)
	t.False(ok)
}

func (t *PermTest) TestChownRequiresRoot() {
	s, inum := t.freshInode()
	err := perm.Chown(s, inum, 1000, 1001, inode.NoChange)
	t.Error(err)

	err = perm.Chown(s, inum, 0, 1001, inode.NoChange)
	require.NoError(t.T(), err)
	info, err := s.GetInfo(inum)
	require.NoError(t.T(), err)
	t.EqualValues(1001, info.Owner)
	t.EqualValues(100, info.Group)
}
