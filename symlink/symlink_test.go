package symlink_test

import (
	"strings"
	"testing"

	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/inode"
	"github.com/rhelmot/candyfs/symlink"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SymlinkTest struct {
	suite.Suite
}

func TestSymlinkSuite(t *testing.T) {
	suite.Run(t, new(SymlinkTest))
}

func (t *SymlinkTest) freshStore() *inode.Store {
	dev := device.NewMemDevice(64, block.BlockSize)
	require.NoError(t.T(), block.Mkfs(dev, 1))
	bs, err := block.Open(dev)
	require.NoError(t.T(), err)
	return inode.NewStore(bs)
}

func (t *SymlinkTest) TestCreateRead() {
	s := t.freshStore()
	link, err := symlink.Create(s, "/etc/passwd")
	require.NoError(t.T(), err)

	target, err := symlink.Read(s, link, 4096)
	require.NoError(t.T(), err)
	t.Equal("/etc/passwd", target)
}

func (t *SymlinkTest) TestCreateRejectsEmptyOrTooLong() {
	s := t.freshStore()
	_, err := symlink.Create(s, "")
	t.Error(err)

	_, err = symlink.Create(s, strings.Repeat("a", 5000))
	t.Error(err)
}

func (t *SymlinkTest) TestReadRefusesNonSymlink() {
	s := t.freshStore()
	inum, err := s.Allocate()
	require.NoError(t.T(), err)

	_, err = symlink.Read(s, inum, 4096)
	t.Error(err)
}
