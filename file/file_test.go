package file_test

import (
	"testing"

	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/file"
	"github.com/rhelmot/candyfs/inode"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type FileTest struct {
	suite.Suite
}

func TestFileSuite(t *testing.T) {
	suite.Run(t, new(FileTest))
}

func (t *FileTest) freshStore() *inode.Store {
	dev := device.NewMemDevice(64, block.BlockSize)
	require.NoError(t.T(), block.Mkfs(dev, 1))
	bs, err := block.Open(dev)
	require.NoError(t.T(), err)
	return inode.NewStore(bs)
}

func (t *FileTest) TestCreateWriteRead() {
	s := t.freshStore()
	f, err := file.Create(s)
	require.NoError(t.T(), err)

	content := []byte("hello")
	n, err := file.Write(s, f, 0, int64(len(content)), content)
	require.NoError(t.T(), err)
	t.EqualValues(len(content), n)

	out := make([]byte, len(content))
	n, err = file.Read(s, f, 0, out)
	require.NoError(t.T(), err)
	t.EqualValues(len(content), n)
	t.Equal(content, out)
}

func (t *FileTest) TestTruncate() {
	s := t.freshStore()
	f, err := file.Create(s)
	require.NoError(t.T(), err)

	size, err := file.Truncate(s, f, 10)
	require.NoError(t.T(), err)
	t.EqualValues(10, size)
}

func (t *FileTest) TestOperationsRefuseNonRegularInode() {
	s := t.freshStore()
	dirInode, err := s.Allocate()
	require.NoError(t.T(), err)
	require.NoError(t.T(), s.Chmod(dirInode, 0040755))

	_, err = file.Read(s, dirInode, 0, make([]byte, 10))
	t.Error(err)
	_, err = file.Write(s, dirInode, 0, 10, make([]byte, 10))
	t.Error(err)
	_, err = file.Truncate(s, dirInode, 10)
	t.Error(err)
}
