package fs

import (
	"context"
	"os"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/dir"
	"github.com/rhelmot/candyfs/inode"
	"github.com/rhelmot/candyfs/path"
	"github.com/rhelmot/candyfs/refs"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type FsTest struct {
	suite.Suite
	fs  *fileSystem
	ctx context.Context
}

func TestFsSuite(t *testing.T) {
	suite.Run(t, new(FsTest))
}

const rootID = fuseops.RootInodeID

func (t *FsTest) SetupTest() {
	// A 4 MiB volume: big enough for the sparse-write scenario's ~2200
	// zero-filled blocks.
	dev := device.NewMemDevice(8192, block.BlockSize)
	require.NoError(t.T(), block.Mkfs(dev, 50))

	blocks, err := block.Open(dev)
	require.NoError(t.T(), err)
	inodes := inode.NewStore(blocks)
	dirs := dir.NewStore(inodes)
	refsTable := refs.NewTable(inodes, dirs)
	require.NoError(t.T(), path.MkfsPath(inodes, dirs, refsTable, 0, 0))

	t.fs, err = newFileSystem(&ServerConfig{Device: dev, Uid: 0, Gid: 0})
	require.NoError(t.T(), err)
	t.ctx = context.Background()
}

func (t *FsTest) create(parent fuseops.InodeID, name string) (fuseops.InodeID, fuseops.HandleID) {
	op := &fuseops.CreateFileOp{Parent: parent, Name: name, Mode: 0644}
	require.NoError(t.T(), t.fs.CreateFile(t.ctx, op))
	return op.Entry.Child, op.Handle
}

func (t *FsTest) write(handle fuseops.HandleID, offset int64, data []byte) {
	op := &fuseops.WriteFileOp{Handle: handle, Offset: offset, Data: data}
	require.NoError(t.T(), t.fs.WriteFile(t.ctx, op))
}

func (t *FsTest) read(handle fuseops.HandleID, offset int64, size int) []byte {
	op := &fuseops.ReadFileOp{Handle: handle, Offset: offset, Dst: make([]byte, size)}
	require.NoError(t.T(), t.fs.ReadFile(t.ctx, op))
	return op.Dst[:op.BytesRead]
}

func (t *FsTest) getattr(id fuseops.InodeID) (fuseops.InodeAttributes, error) {
	op := &fuseops.GetInodeAttributesOp{Inode: id}
	err := t.fs.GetInodeAttributes(t.ctx, op)
	return op.Attributes, err
}

func (t *FsTest) lookup(parent fuseops.InodeID, name string) (fuseops.InodeID, error) {
	op := &fuseops.LookUpInodeOp{Parent: parent, Name: name}
	if err := t.fs.LookUpInode(t.ctx, op); err != nil {
		return 0, err
	}
	return op.Entry.Child, nil
}

func (t *FsTest) release(handle fuseops.HandleID) {
	require.NoError(t.T(), t.fs.ReleaseFileHandle(t.ctx, &fuseops.ReleaseFileHandleOp{Handle: handle}))
}

func (t *FsTest) forget(id fuseops.InodeID, n uint64) {
	require.NoError(t.T(), t.fs.ForgetInode(t.ctx, &fuseops.ForgetInodeOp{Inode: id, N: n}))
}

func (t *FsTest) TestCreateWriteReadUnlink() {
	child, handle := t.create(rootID, "a")

	t.write(handle, 0, []byte("Hello"))
	t.Equal([]byte("Hello"), t.read(handle, 0, 5))

	attrs, err := t.getattr(child)
	require.NoError(t.T(), err)
	t.EqualValues(5, attrs.Size)
	t.EqualValues(1, attrs.Nlink)

	require.NoError(t.T(), t.fs.Unlink(t.ctx, &fuseops.UnlinkOp{Parent: rootID, Name: "a"}))
	_, err = t.lookup(rootID, "a")
	t.ErrorIs(err, unix.ENOENT)

	// The open handle keeps the unlinked file readable.
	t.Equal([]byte("Hello"), t.read(handle, 0, 5))

	t.release(handle)
	t.forget(child, 1)

	_, err = t.getattr(child)
	t.ErrorIs(err, unix.ENOENT)
}

func (t *FsTest) TestMkdirRmdir() {
	mkdirOp := &fuseops.MkDirOp{Parent: rootID, Name: "d", Mode: 0755}
	require.NoError(t.T(), t.fs.MkDir(t.ctx, mkdirOp))
	d := mkdirOp.Entry.Child

	x, handle := t.create(d, "x")
	t.release(handle)

	err := t.fs.RmDir(t.ctx, &fuseops.RmDirOp{Parent: rootID, Name: "d"})
	t.ErrorIs(err, unix.ENOTEMPTY)

	require.NoError(t.T(), t.fs.Unlink(t.ctx, &fuseops.UnlinkOp{Parent: d, Name: "x"}))
	t.forget(x, 1)

	require.NoError(t.T(), t.fs.RmDir(t.ctx, &fuseops.RmDirOp{Parent: rootID, Name: "d"}))
	t.forget(d, 1)

	_, err = t.lookup(rootID, "d")
	t.ErrorIs(err, unix.ENOENT)
}

func (t *FsTest) TestSymlink() {
	symlinkOp := &fuseops.CreateSymlinkOp{Parent: rootID, Name: "l", Target: "/tgt"}
	require.NoError(t.T(), t.fs.CreateSymlink(t.ctx, symlinkOp))

	readlinkOp := &fuseops.ReadSymlinkOp{Inode: symlinkOp.Entry.Child}
	require.NoError(t.T(), t.fs.ReadSymlink(t.ctx, readlinkOp))
	t.Equal("/tgt", readlinkOp.Target)

	// The kernel dereferences for us: following the target by hand and
	// writing through it must modify /tgt.
	tgt, handle := t.create(rootID, "tgt")
	t.write(handle, 0, []byte("via link"))
	t.release(handle)

	resolved, err := t.lookup(rootID, "tgt")
	require.NoError(t.T(), err)
	t.Equal(tgt, resolved)

	openOp := &fuseops.OpenFileOp{Inode: resolved}
	require.NoError(t.T(), t.fs.OpenFile(t.ctx, openOp))
	t.Equal([]byte("via link"), t.read(openOp.Handle, 0, 8))
	t.release(openOp.Handle)
}

func (t *FsTest) TestSparseWrite() {
	const gap = 1000000
	const size = 100000

	child, handle := t.create(rootID, "a")

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	t.write(handle, gap, data)

	attrs, err := t.getattr(child)
	require.NoError(t.T(), err)
	t.EqualValues(gap+size, attrs.Size)

	// The hole reads back as zeros.
	hole := t.read(handle, 500000, 1000)
	for _, b := range hole {
		if b != 0 {
			t.Fail("hole byte is nonzero")
			break
		}
	}
	t.Equal(data[:1000], t.read(handle, gap, 1000))

	t.release(handle)
}

func (t *FsTest) TestHardLink() {
	a, handle := t.create(rootID, "a")
	t.write(handle, 0, []byte("shared"))

	linkOp := &fuseops.CreateLinkOp{Parent: rootID, Name: "b", Target: a}
	require.NoError(t.T(), t.fs.CreateLink(t.ctx, linkOp))
	t.Equal(a, linkOp.Entry.Child)

	attrs, err := t.getattr(a)
	require.NoError(t.T(), err)
	t.EqualValues(2, attrs.Nlink)

	require.NoError(t.T(), t.fs.Unlink(t.ctx, &fuseops.UnlinkOp{Parent: rootID, Name: "a"}))

	attrs, err = t.getattr(a)
	require.NoError(t.T(), err)
	t.EqualValues(1, attrs.Nlink)

	b, err := t.lookup(rootID, "b")
	require.NoError(t.T(), err)
	t.Equal(a, b)
	t.Equal([]byte("shared"), t.read(handle, 0, 6))

	t.release(handle)
}

func (t *FsTest) TestRenameOntoSelfIsNoop() {
	a, handle := t.create(rootID, "a")
	t.release(handle)

	require.NoError(t.T(), t.fs.Rename(t.ctx, &fuseops.RenameOp{
		OldParent: rootID, OldName: "a",
		NewParent: rootID, NewName: "a",
	}))

	got, err := t.lookup(rootID, "a")
	require.NoError(t.T(), err)
	t.Equal(a, got)
}

func (t *FsTest) TestRenameFile() {
	a, handle := t.create(rootID, "a")
	t.release(handle)

	require.NoError(t.T(), t.fs.Rename(t.ctx, &fuseops.RenameOp{
		OldParent: rootID, OldName: "a",
		NewParent: rootID, NewName: "b",
	}))

	_, err := t.lookup(rootID, "a")
	t.ErrorIs(err, unix.ENOENT)
	got, err := t.lookup(rootID, "b")
	require.NoError(t.T(), err)
	t.Equal(a, got)
}

func (t *FsTest) TestRenameOntoNonEmptyDirFails() {
	mkdirOp := &fuseops.MkDirOp{Parent: rootID, Name: "src", Mode: 0755}
	require.NoError(t.T(), t.fs.MkDir(t.ctx, mkdirOp))

	mkdirOp = &fuseops.MkDirOp{Parent: rootID, Name: "other", Mode: 0755}
	require.NoError(t.T(), t.fs.MkDir(t.ctx, mkdirOp))
	other := mkdirOp.Entry.Child

	_, handle := t.create(other, "occupant")
	t.release(handle)

	err := t.fs.Rename(t.ctx, &fuseops.RenameOp{
		OldParent: rootID, OldName: "src",
		NewParent: rootID, NewName: "other",
	})
	t.ErrorIs(err, unix.ENOTEMPTY)
}

func (t *FsTest) TestReadDir() {
	names := []string{"one", "two", "three"}
	for _, name := range names {
		_, handle := t.create(rootID, name)
		t.release(handle)
	}

	openOp := &fuseops.OpenDirOp{Inode: rootID}
	require.NoError(t.T(), t.fs.OpenDir(t.ctx, openOp))

	readOp := &fuseops.ReadDirOp{
		Handle: openOp.Handle,
		Dst:    make([]byte, 4096),
	}
	require.NoError(t.T(), t.fs.ReadDir(t.ctx, readOp))
	t.Positive(readOp.BytesRead)

	// The raw dirent stream should contain every created name plus the
	// directory's own "." and ".." entries.
	payload := string(readOp.Dst[:readOp.BytesRead])
	for _, name := range append([]string{".", ".."}, names...) {
		t.Contains(payload, name)
	}

	require.NoError(t.T(), t.fs.ReleaseDirHandle(t.ctx, &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}))
}

func (t *FsTest) TestSetAttributesTruncateAndChmod() {
	child, handle := t.create(rootID, "a")
	t.write(handle, 0, []byte("truncate me"))
	t.release(handle)

	size := uint64(4)
	setOp := &fuseops.SetInodeAttributesOp{Inode: child, Size: &size}
	require.NoError(t.T(), t.fs.SetInodeAttributes(t.ctx, setOp))
	t.EqualValues(4, setOp.Attributes.Size)

	mode := os.FileMode(0600)
	setOp = &fuseops.SetInodeAttributesOp{Inode: child, Mode: &mode}
	require.NoError(t.T(), t.fs.SetInodeAttributes(t.ctx, setOp))
	t.EqualValues(0600, setOp.Attributes.Mode.Perm())
}

func (t *FsTest) TestStatFS() {
	op := &fuseops.StatFSOp{}
	require.NoError(t.T(), t.fs.StatFS(t.ctx, op))
	t.EqualValues(block.BlockSize, op.BlockSize)
	t.EqualValues(8192, op.Blocks)
	t.Positive(op.BlocksFree)
	t.Positive(op.InodesFree)

	before := op.BlocksFree

	child, handle := t.create(rootID, "hog")
	t.write(handle, 0, make([]byte, 64*1024))
	t.release(handle)

	require.NoError(t.T(), t.fs.StatFS(t.ctx, op))
	t.Less(op.BlocksFree, before)

	require.NoError(t.T(), t.fs.Unlink(t.ctx, &fuseops.UnlinkOp{Parent: rootID, Name: "hog"}))
	t.forget(child, 1)

	require.NoError(t.T(), t.fs.StatFS(t.ctx, op))
	t.EqualValues(before, op.BlocksFree)
}
