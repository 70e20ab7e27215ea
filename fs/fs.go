// Package fs is the bridge between the kernel's FUSE protocol and the
// CandyFS storage engine: a fuseutil.FileSystem whose every method
// translates one fuseops request into calls against the path, directory,
// reference, inode, and block layers. The kernel resolves paths itself and
// hands us (parent inode, name) pairs, so the bridge drives the open-path
// table through OpenAt rather than namei; namei still serves path-string
// callers (tests, tooling).
//
// FUSE inode IDs are CandyFS inumbers shifted up by one, since the kernel
// reserves ID 1 for the root and CandyFS puts its root at inumber 0.
// The kernel's per-inode lookup count maps directly onto the reference
// layer: every lookup-like reply holds one refs.Table reference, and
// ForgetInode releases N of them, which is also what finally frees an
// unlinked-but-cached inode.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/candyerr"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/dir"
	"github.com/rhelmot/candyfs/file"
	"github.com/rhelmot/candyfs/inode"
	"github.com/rhelmot/candyfs/logger"
	"github.com/rhelmot/candyfs/path"
	"github.com/rhelmot/candyfs/perm"
	"github.com/rhelmot/candyfs/refs"
	"github.com/rhelmot/candyfs/symlink"
	"golang.org/x/sys/unix"
)

// ServerConfig is everything NewServer needs to stand up a filesystem.
type ServerConfig struct {
	// The formatted device to serve.
	Device device.Device

	// A clock used for inode timestamps. Defaults to the real clock.
	Clock timeutil.Clock

	// The uid/gid that owns inodes created through this mount, and the
	// identity every permission check inside the engine runs as. The
	// kernel-side check (default_permissions) is the authoritative one.
	Uid uint32
	Gid uint32
}

// How long the kernel may cache entries and attributes. The device is this
// process's exclusive resource and every mutation flows through the
// kernel, so it always knows when its cache went stale.
const cacheTTL = time.Hour

// Longest symlink target returned to the kernel.
const maxSymlinkTarget = 4096

// NewServer creates a fuse.Server serving the CandyFS filesystem on an
// already-formatted device.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs, err := newFileSystem(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(fs), nil
}

func newFileSystem(cfg *ServerConfig) (*fileSystem, error) {
	blocks, err := block.Open(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("fs: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	inodes := inode.NewStoreWithClock(blocks, clock)
	dirs := dir.NewStore(inodes)
	refsTable := refs.NewTable(inodes, dirs)

	fs := &fileSystem{
		mountID:     uuid.New(),
		clock:       clock,
		uid:         cfg.Uid,
		gid:         cfg.Gid,
		blocks:      blocks,
		inodes:      inodes,
		dirs:        dirs,
		refs:        refsTable,
		paths:       path.NewTable(inodes, dirs, refsTable),
		dirHandles:  make(map[fuseops.HandleID]int64),
		fileHandles: make(map[fuseops.HandleID]int64),
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	logger.Infof("fs: serving mount session %s as uid %d gid %d", fs.mountID, fs.uid, fs.gid)
	return fs, nil
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	mountID uuid.UUID
	clock   timeutil.Clock
	uid     uint32
	gid     uint32

	blocks *block.Store
	inodes *inode.Store
	dirs   *dir.Store
	refs   *refs.Table
	paths  *path.Table

	// The storage engine below is single-writer by design, so one coarse
	// lock serialises every op rather than gcsfuse-style per-inode locks.
	mu syncutil.InvariantMutex

	nextHandle  fuseops.HandleID
	dirHandles  map[fuseops.HandleID]int64 // GUARDED_BY(mu)
	fileHandles map[fuseops.HandleID]int64 // GUARDED_BY(mu)
}

const rootInum int64 = 0

func (fs *fileSystem) checkInvariants() {
	for h, inum := range fs.dirHandles {
		if inum < 0 {
			panic(fmt.Sprintf("fs: dir handle %d holds negative inumber %d", h, inum))
		}
	}
	for h, inum := range fs.fileHandles {
		if inum < 0 {
			panic(fmt.Sprintf("fs: file handle %d holds negative inumber %d", h, inum))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// The kernel reserves inode ID 1 for the root; CandyFS's root is inumber 0.
func fuseID(inum int64) fuseops.InodeID {
	return fuseops.InodeID(inum + 1)
}

func inumOf(id fuseops.InodeID) int64 {
	return int64(id) - 1
}

// asErrno flattens a storage-engine error into the bare errno the kernel
// wants back.
func asErrno(err error) error {
	if err == nil {
		return nil
	}
	return candyerr.Errno(err)
}

func timespecToTime(ts inode.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

// modeToOS converts CandyFS's raw S_IF* mode word into an os.FileMode.
func modeToOS(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		m |= os.ModeDir
	case unix.S_IFLNK:
		m |= os.ModeSymlink
	}
	if mode&unix.S_ISUID != 0 {
		m |= os.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		m |= os.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		m |= os.ModeSticky
	}
	return m
}

// permBits extracts the chmod-able bits of an os.FileMode as a raw mode
// word.
func permBits(m os.FileMode) uint32 {
	bits := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		bits |= unix.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		bits |= unix.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		bits |= unix.S_ISVTX
	}
	return bits
}

func (fs *fileSystem) attributes(info inode.Info) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   uint64(info.Size),
		Nlink:  info.Nlinks,
		Mode:   modeToOS(info.Mode),
		Atime:  timespecToTime(info.LastAccess),
		Mtime:  timespecToTime(info.LastChange),
		Ctime:  timespecToTime(info.LastStatchange),
		Crtime: timespecToTime(info.Created),
		Uid:    info.Owner,
		Gid:    info.Group,
	}
}

func (fs *fileSystem) childEntry(inum int64, info inode.Info) fuseops.ChildInodeEntry {
	expiry := fs.clock.Now().Add(cacheTTL)
	return fuseops.ChildInodeEntry{
		Child:                fuseID(inum),
		Attributes:           fs.attributes(info),
		AttributesExpiration: expiry,
		EntryExpiration:      expiry,
	}
}

// closePath releases a path handle, logging rather than failing the op if
// the release itself goes wrong (the op's real result is already decided
// by then).
func (fs *fileSystem) closePath(h path.Handle) {
	if err := fs.paths.Close(h); err != nil {
		logger.Errorf("fs: closing path handle %d: %v", h, err)
	}
}

func (fs *fileSystem) allocHandle(table map[fuseops.HandleID]int64, inum int64) fuseops.HandleID {
	h := fs.nextHandle
	fs.nextHandle++
	table[h] = inum
	return h
}

func direntType(mode uint32) fuseutil.DirentType {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return fuseutil.DT_Directory
	case unix.S_IFLNK:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

////////////////////////////////////////////////////////////////////////
// Inodes and attributes
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// The opened reference becomes the kernel's lookup count for this
	// entry; ForgetInode drops it.
	child, err := fs.refs.DirLookupOpen(inumOf(op.Parent), op.Name)
	if err != nil {
		return asErrno(err)
	}

	info, err := fs.inodes.GetInfo(child)
	if err != nil {
		_ = fs.refs.Close(child)
		return asErrno(err)
	}

	op.Entry = fs.childEntry(child, info)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, err := fs.inodes.GetInfo(inumOf(op.Inode))
	if err != nil {
		return asErrno(err)
	}

	op.Attributes = fs.attributes(info)
	op.AttributesExpiration = fs.clock.Now().Add(cacheTTL)
	return nil
}

func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum := inumOf(op.Inode)

	if op.Size != nil {
		if _, err := file.Truncate(fs.inodes, inum, int64(*op.Size)); err != nil {
			return asErrno(err)
		}
	}

	if op.Mode != nil {
		if err := perm.Chmod(fs.inodes, inum, permBits(*op.Mode), fs.uid); err != nil {
			return asErrno(err)
		}
	}

	if op.Atime != nil || op.Mtime != nil {
		ok, err := perm.CheckUtime(fs.inodes, inum, fs.uid, fs.gid)
		if err != nil {
			return asErrno(err)
		}
		if !ok {
			return unix.EACCES
		}

		atime := inode.Timespec{Nsec: inode.UtimeOmit}
		mtime := inode.Timespec{Nsec: inode.UtimeOmit}
		if op.Atime != nil {
			atime = inode.Timespec{Sec: op.Atime.Unix(), Nsec: int64(op.Atime.Nanosecond())}
		}
		if op.Mtime != nil {
			mtime = inode.Timespec{Sec: op.Mtime.Unix(), Nsec: int64(op.Mtime.Nanosecond())}
		}
		if err := fs.inodes.Utime(inum, &atime, &mtime); err != nil {
			return asErrno(err)
		}
	}

	info, err := fs.inodes.GetInfo(inum)
	if err != nil {
		return asErrno(err)
	}
	op.Attributes = fs.attributes(info)
	op.AttributesExpiration = fs.clock.Now().Add(cacheTTL)
	return nil
}

func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.forget(inumOf(op.Inode), op.N)
	return nil
}

func (fs *fileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, entry := range op.Entries {
		fs.forget(inumOf(entry.Inode), entry.N)
	}
	return nil
}

// forget drops n of the kernel's lookup references. Errors are logged but
// never fail the op: by the time the kernel forgets an inode there is
// nobody left to report a destroy failure to.
func (fs *fileSystem) forget(inum int64, n uint64) {
	if inum == rootInum {
		// The root was never looked up, so there is nothing to drop.
		return
	}
	for i := uint64(0); i < n; i++ {
		if err := fs.refs.Close(inum); err != nil {
			logger.Warnf("fs: forgetting inode %d: %v", inum, err)
			return
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Structural operations
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent := inumOf(op.Parent)
	h, err := fs.paths.OpenAt(parent, op.Name, path.NoBlock)
	if err != nil {
		return asErrno(err)
	}
	defer fs.closePath(h)

	if err := fs.paths.Mkdir(h, permBits(op.Mode), fs.uid, fs.gid); err != nil {
		return asErrno(err)
	}

	child, err := fs.refs.DirLookupOpen(parent, op.Name)
	if err != nil {
		return asErrno(err)
	}
	info, err := fs.inodes.GetInfo(child)
	if err != nil {
		_ = fs.refs.Close(child)
		return asErrno(err)
	}

	op.Entry = fs.childEntry(child, info)
	return nil
}

// createFile allocates a fresh regular file inode owned by the mount
// identity and links it at (parent, name), returning it with one open
// reference held for the kernel's lookup count.
func (fs *fileSystem) createFile(parent int64, name string, mode os.FileMode) (int64, inode.Info, error) {
	h, err := fs.paths.OpenAt(parent, name, path.NoBlock)
	if err != nil {
		return 0, inode.Info{}, err
	}
	defer fs.closePath(h)

	f, err := file.Create(fs.inodes)
	if err != nil {
		return 0, inode.Info{}, err
	}
	if err := fs.refs.Open(f); err != nil {
		return 0, inode.Info{}, err
	}

	// Not yet linked: any failure below closes the reference and the
	// zero-link inode is reclaimed on the spot.
	if err := perm.Chown(fs.inodes, f, 0, fs.uid, fs.gid); err != nil {
		_ = fs.refs.Close(f)
		return 0, inode.Info{}, err
	}
	if err := perm.Chmod(fs.inodes, f, permBits(mode), 0); err != nil {
		_ = fs.refs.Close(f)
		return 0, inode.Info{}, err
	}
	if err := fs.paths.Link(h, f, fs.uid, fs.gid); err != nil {
		_ = fs.refs.Close(f)
		return 0, inode.Info{}, err
	}

	info, err := fs.inodes.GetInfo(f)
	if err != nil {
		_ = fs.refs.Close(f)
		return 0, inode.Info{}, err
	}
	return f, info, nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, info, err := fs.createFile(inumOf(op.Parent), op.Name, op.Mode)
	if err != nil {
		return asErrno(err)
	}

	// One more reference for the file handle create() leaves open.
	if err := fs.refs.Open(f); err != nil {
		_ = fs.refs.Close(f)
		return asErrno(err)
	}

	op.Entry = fs.childEntry(f, info)
	op.Handle = fs.allocHandle(fs.fileHandles, f)
	return nil
}

func (fs *fileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Only plain files; device nodes and fifos are out of scope.
	if op.Mode&os.ModeType != 0 {
		return unix.EINVAL
	}

	f, info, err := fs.createFile(inumOf(op.Parent), op.Name, op.Mode)
	if err != nil {
		return asErrno(err)
	}

	op.Entry = fs.childEntry(f, info)
	return nil
}

func (fs *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	h, err := fs.paths.OpenAt(inumOf(op.Parent), op.Name, path.NoBlock)
	if err != nil {
		return asErrno(err)
	}
	defer fs.closePath(h)

	link, err := symlink.Create(fs.inodes, op.Target)
	if err != nil {
		return asErrno(err)
	}
	if err := fs.refs.Open(link); err != nil {
		return asErrno(err)
	}
	if err := perm.Chown(fs.inodes, link, 0, fs.uid, fs.gid); err != nil {
		_ = fs.refs.Close(link)
		return asErrno(err)
	}
	if err := fs.paths.Link(h, link, fs.uid, fs.gid); err != nil {
		_ = fs.refs.Close(link)
		return asErrno(err)
	}

	info, err := fs.inodes.GetInfo(link)
	if err != nil {
		_ = fs.refs.Close(link)
		return asErrno(err)
	}
	op.Entry = fs.childEntry(link, info)
	return nil
}

func (fs *fileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	h, err := fs.paths.OpenAt(inumOf(op.Parent), op.Name, path.NoBlock)
	if err != nil {
		return asErrno(err)
	}
	defer fs.closePath(h)

	target := inumOf(op.Target)
	if err := fs.refs.Open(target); err != nil {
		return asErrno(err)
	}
	if err := fs.paths.Link(h, target, fs.uid, fs.gid); err != nil {
		_ = fs.refs.Close(target)
		return asErrno(err)
	}

	info, err := fs.inodes.GetInfo(target)
	if err != nil {
		_ = fs.refs.Close(target)
		return asErrno(err)
	}
	op.Entry = fs.childEntry(target, info)
	return nil
}

func (fs *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dstH, err := fs.paths.OpenAt(inumOf(op.NewParent), op.NewName, path.NoBlock)
	if err != nil {
		return asErrno(err)
	}
	defer fs.closePath(dstH)

	srcH, err := fs.paths.OpenAt(inumOf(op.OldParent), op.OldName, dstH)
	if err != nil {
		// The source names the same (parent, basename) as the destination:
		// renaming a path onto itself is a successful no-op.
		if errors.Is(err, candyerr.ErrWouldBlock) {
			return nil
		}
		return asErrno(err)
	}
	defer fs.closePath(srcH)

	return asErrno(fs.paths.Rename(dstH, srcH, fs.uid, fs.gid))
}

func (fs *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	h, err := fs.paths.OpenAt(inumOf(op.Parent), op.Name, path.NoBlock)
	if err != nil {
		return asErrno(err)
	}
	defer fs.closePath(h)

	return asErrno(fs.paths.Rmdir(h, fs.uid, fs.gid))
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	h, err := fs.paths.OpenAt(inumOf(op.Parent), op.Name, path.NoBlock)
	if err != nil {
		return asErrno(err)
	}
	defer fs.closePath(h)

	return asErrno(fs.paths.Unlink(h, fs.uid, fs.gid))
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum := inumOf(op.Inode)
	info, err := fs.inodes.GetInfo(inum)
	if err != nil {
		return asErrno(err)
	}
	if info.Mode&unix.S_IFMT != unix.S_IFDIR {
		return unix.ENOTDIR
	}

	if err := fs.refs.Open(inum); err != nil {
		return asErrno(err)
	}
	op.Handle = fs.allocHandle(fs.dirHandles, inum)
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, ok := fs.dirHandles[op.Handle]
	if !ok {
		return unix.EINVAL
	}

	// dir.Enumerate's opaque offsets are exactly what the kernel replays
	// back: 0 to start, the returned cursor thereafter. No entry buffering
	// is needed the way a paginated listing would need it.
	offset := int64(op.Offset)
	for {
		next, child, name, err := fs.dirs.Enumerate(inum, offset)
		if err != nil {
			return asErrno(err)
		}
		if next == 0 {
			break
		}

		entryType := fuseutil.DT_Unknown
		if childInfo, err := fs.inodes.GetInfo(child); err == nil {
			entryType = direntType(childInfo.Mode)
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(next),
			Inode:  fuseID(child),
			Name:   name,
			Type:   entryType,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
		offset = next
	}
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, ok := fs.dirHandles[op.Handle]
	if !ok {
		return unix.EINVAL
	}
	delete(fs.dirHandles, op.Handle)
	return asErrno(fs.refs.Close(inum))
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum := inumOf(op.Inode)
	info, err := fs.inodes.GetInfo(inum)
	if err != nil {
		return asErrno(err)
	}
	if info.Mode&unix.S_IFMT == unix.S_IFDIR {
		return unix.EISDIR
	}
	if info.Mode&unix.S_IFMT != unix.S_IFREG {
		return unix.EINVAL
	}

	if err := fs.refs.Open(inum); err != nil {
		return asErrno(err)
	}
	op.Handle = fs.allocHandle(fs.fileHandles, inum)
	return nil
}

func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, ok := fs.fileHandles[op.Handle]
	if !ok {
		return unix.EINVAL
	}

	n, err := file.Read(fs.inodes, inum, op.Offset, op.Dst)
	if err != nil {
		return asErrno(err)
	}
	op.BytesRead = int(n)
	return nil
}

func (fs *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, ok := fs.fileHandles[op.Handle]
	if !ok {
		return unix.EINVAL
	}

	n, err := file.Write(fs.inodes, inum, op.Offset, int64(len(op.Data)), op.Data)
	if err != nil {
		return asErrno(err)
	}
	// The FUSE write reply has no short-write form; an incomplete commit
	// means the device is out of space.
	if n < int64(len(op.Data)) {
		return unix.ENOSPC
	}
	return nil
}

// Every write already hit the device before its op returned, so sync and
// flush have nothing left to do.
func (fs *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inum, ok := fs.fileHandles[op.Handle]
	if !ok {
		return unix.EINVAL
	}
	delete(fs.fileHandles, op.Handle)
	return asErrno(fs.refs.Close(inum))
}

////////////////////////////////////////////////////////////////////////
// The rest
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	target, err := symlink.Read(fs.inodes, inumOf(op.Inode), maxSymlinkTarget)
	if err != nil {
		return asErrno(err)
	}
	op.Target = target
	return nil
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	freeBlocks, err := fs.blocks.FreeBlockCount()
	if err != nil {
		return asErrno(err)
	}
	freeInums, err := fs.blocks.FreeInumCount()
	if err != nil {
		return asErrno(err)
	}
	ilistSize, err := fs.blocks.IlistSize()
	if err != nil {
		return asErrno(err)
	}

	op.BlockSize = block.BlockSize
	op.IoSize = block.BlockSize
	op.Blocks = uint64(fs.blocks.Device().BlockCount())
	op.BlocksFree = uint64(freeBlocks)
	op.BlocksAvailable = uint64(freeBlocks)
	op.Inodes = uint64(ilistSize) * (block.BlockSize / 8)
	op.InodesFree = uint64(freeInums)
	return nil
}

func (fs *fileSystem) Destroy() {
	logger.Infof("fs: mount session %s destroyed", fs.mountID)
}
