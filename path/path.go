// Package path implements path name resolution and the open-path table
// sitting above the directory, reference, file, and symlink layers: namei
// translates a textual path into an inode, dereferencing up to eight
// levels of symlinks, and the open-path table lets a caller hold a handle
// onto a (parent directory, basename) pair across several operations so
// that link, unlink, mkdir, rmdir, and rename all act against the exact
// name a caller already resolved. Every operation here closes whatever
// references it opened before returning, success or failure; a leaked
// reference would pin an unlinked inode's storage forever.
package path

import (
	"fmt"
	"strings"

	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/candyerr"
	"github.com/rhelmot/candyfs/dir"
	"github.com/rhelmot/candyfs/inode"
	"github.com/rhelmot/candyfs/perm"
	"github.com/rhelmot/candyfs/refs"
	"github.com/rhelmot/candyfs/symlink"
	"golang.org/x/sys/unix"
)

// maxPathLen mirrors PATH_MAX on Linux; it bounds symlink targets read
// during dereferencing.
const maxPathLen = 4096

// maxLoopLevel is the deepest chain of symlink dereferences namei will
// follow before giving up.
const maxLoopLevel = 8

// Handle identifies an entry in the open-path table.
type Handle int64

// Sentinel values accepted as the noblock argument to Open.
const (
	Block   Handle = -1
	NoBlock Handle = -2
)

// MaxOpenPaths bounds the number of simultaneously open path handles.
const MaxOpenPaths = 1024

// rootIno is the inumber of the filesystem root, always allocated first
// by MkfsPath.
const rootIno int64 = 0

type openPathNode struct {
	refs      int
	parentDir int64
	name      string
}

// Table is the open-path table sitting above the reference, directory,
// and inode layers.
type Table struct {
	inodes *inode.Store
	dirs   *dir.Store
	refs   *refs.Table
	paths  [MaxOpenPaths]openPathNode
}

// NewTable wraps already-open lower layers.
func NewTable(inodes *inode.Store, dirs *dir.Store, refsTable *refs.Table) *Table {
	return &Table{inodes: inodes, dirs: dirs, refs: refsTable}
}

func isDir(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFDIR
}

func isLnk(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFLNK
}

// namei translates path into an inode, following the usual path
// resolution rules (see path_resolution(7)). It returns the resolved
// target with an open reference already held, or block.EOF if traversal
// succeeded in locating every directory component but the final
// component does not exist (or the final lookup otherwise failed) — the
// shape a caller like Open wants when it needs to know where a
// not-yet-existing name could be created. parentDir is always returned
// with an open reference of its own, held independently of target,
// naming the last directory in the chain before the final lookup.
func (t *Table) namei(path string, deref bool, user, group uint32) (target int64, parentDir int64, err error) {
	if err := t.refs.Open(rootIno); err != nil {
		return 0, 0, err
	}
	curdir := rootIno
	if err := t.refs.Open(curdir); err != nil {
		_ = t.refs.Close(rootIno)
		return 0, 0, err
	}

	target, err = t.nameiRec(path, &curdir, deref, user, group, 0)
	if closeErr := t.refs.Close(rootIno); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, 0, err
	}
	return target, curdir, nil
}

// nameiRec does one recursive traversal of path, starting from *curdir
// and dereferencing symlinks (according to deref, for the final
// component only) along the way. On success *curdir holds the last
// directory traversed, with an independently-held open reference.
func (t *Table) nameiRec(path string, curdir *int64, deref bool, user, group uint32, level int) (int64, error) {
	if level > maxLoopLevel {
		return 0, fmt.Errorf("path: %w", candyerr.ErrLoop)
	}

	current := *curdir
	if err := t.refs.Open(current); err != nil {
		return 0, err
	}

	token := path
	if len(token) > 0 && token[0] == '/' {
		if err := t.refs.Close(current); err != nil {
			return 0, err
		}
		if err := t.refs.Close(*curdir); err != nil {
			return 0, err
		}
		current = rootIno
		*curdir = rootIno
		if err := t.refs.Open(current); err != nil {
			return 0, err
		}
		if err := t.refs.Open(*curdir); err != nil {
			return 0, err
		}
		token = token[1:]
	}

	i := 0
	for {
		slash := strings.IndexByte(token[i:], '/')
		if slash < 0 {
			break
		}
		end := i + slash
		if end == i {
			i = end + 1
			continue
		}
		comp := token[i:end]

		if err := t.refs.Close(*curdir); err != nil {
			return 0, err
		}
		*curdir = current

		next, info, err := t.nameiInternalSingle(comp, curdir, user, group, true, &level)
		if err != nil {
			_ = t.refs.Close(*curdir)
			return 0, err
		}
		if !isDir(info.Mode) {
			_ = t.refs.Close(*curdir)
			return 0, fmt.Errorf("path: %w", candyerr.ErrNotDir)
		}
		current = next
		i = end + 1
	}

	remaining := token[i:]
	if remaining != "" {
		if err := t.refs.Close(*curdir); err != nil {
			return 0, err
		}
		*curdir = current

		next, _, err := t.nameiInternalSingle(remaining, curdir, user, group, deref, &level)
		if err != nil {
			return block.EOF, nil
		}
		current = next
	}

	return current, nil
}

// nameiInternalSingle does a single (possibly symlink-dereferencing)
// lookup of token within *curdir, requiring search permission on
// *curdir first.
func (t *Table) nameiInternalSingle(token string, curdir *int64, user, group uint32, deref bool, level *int) (int64, inode.Info, error) {
	ok, err := perm.Check(t.inodes, *curdir, perm.Exec, user, group)
	if err != nil {
		return 0, inode.Info{}, err
	}
	if !ok {
		return 0, inode.Info{}, fmt.Errorf("path: %w", candyerr.ErrAccess)
	}

	current, err := t.refs.DirLookupOpen(*curdir, token)
	if err != nil {
		return 0, inode.Info{}, err
	}

	info, err := t.inodes.GetInfo(current)
	if err != nil {
		return 0, inode.Info{}, err
	}

	if deref && isLnk(info.Mode) {
		linkTarget, err := symlink.Read(t.inodes, current, maxPathLen)
		if err != nil {
			return 0, inode.Info{}, err
		}
		if err := t.refs.Close(current); err != nil {
			return 0, inode.Info{}, err
		}
		*level++
		current, err = t.nameiRec(linkTarget, curdir, true, user, group, *level)
		if err != nil {
			return 0, inode.Info{}, err
		}
		if current == block.EOF {
			return 0, inode.Info{}, fmt.Errorf("path: dereference %q: %w", linkTarget, candyerr.ErrNotFound)
		}
		info, err = t.inodes.GetInfo(current)
		if err != nil {
			return 0, inode.Info{}, err
		}
	}
	return current, info, nil
}

// Resolve is the shortcut form of Open, Get, Close: it translates path
// directly into an inode with an open reference, or an error if no such
// path exists.
func (t *Table) Resolve(path string, deref bool, user, group uint32) (int64, error) {
	target, parentDir, err := t.namei(path, deref, user, group)
	if err != nil {
		return 0, err
	}
	if err := t.refs.Close(parentDir); err != nil {
		return 0, err
	}
	if target == block.EOF {
		return 0, fmt.Errorf("path: resolve %q: %w", path, candyerr.ErrNotFound)
	}
	return target, nil
}

func basename(path string) (string, error) {
	trimmed := strings.TrimRight(path, "/")
	var token string
	if trimmed == "" {
		token = "."
	} else if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		token = trimmed[idx+1:]
	} else {
		token = trimmed
	}
	if len(token) > 255 {
		return "", fmt.Errorf("path: %w", candyerr.ErrNameTooLong)
	}
	return token, nil
}

// Open resolves path down to its containing directory and final
// component, opening a handle that later calls can use to link, unlink,
// or look up whatever sits (or could come to sit) at that name. The
// target itself need not exist yet — Open succeeds as long as every
// directory component up to it does.
//
// noblock controls what happens if another open handle already names the
// same (parent, basename) pair: Block deadlocks (this filesystem runs
// single-threaded, so there is no second goroutine that will ever close
// the conflicting handle — ConflictingOpenPath panics rather than hang),
// NoBlock returns ErrWouldBlock immediately, and any other handle value
// behaves like NoBlock only when the conflicting handle matches it.
func (t *Table) Open(path string, deref bool, user, group uint32, noblock Handle) (Handle, error) {
	target, curdir, err := t.namei(path, deref, user, group)
	if err != nil {
		return 0, err
	}
	if target != block.EOF {
		if err := t.refs.Close(target); err != nil {
			return 0, err
		}
	}

	token, err := basename(path)
	if err != nil {
		_ = t.refs.Close(curdir)
		return 0, err
	}

	return t.insertEntry(curdir, token, noblock)
}

// OpenAt opens a handle onto (parent, name) directly, for callers that
// already hold the parent directory's inumber — the inode-addressed FUSE
// bridge, which receives parents pre-resolved by the kernel and so never
// has a path string to hand namei. The same conflict and table-exhaustion
// rules as Open apply.
func (t *Table) OpenAt(parent int64, name string, noblock Handle) (Handle, error) {
	if len(name) > 255 {
		return 0, fmt.Errorf("path: %w", candyerr.ErrNameTooLong)
	}
	if err := t.refs.Open(parent); err != nil {
		return 0, err
	}
	return t.insertEntry(parent, name, noblock)
}

// insertEntry claims a free slot for (curdir, token), consuming the
// caller's reference on curdir (released again on failure).
func (t *Table) insertEntry(curdir int64, token string, noblock Handle) (Handle, error) {
	chosen := Handle(-1)
	for h := Handle(0); h < MaxOpenPaths; h++ {
		node := &t.paths[h]
		if node.refs == 0 {
			chosen = h
		} else if node.parentDir == curdir && node.name == token {
			if noblock == h || noblock == NoBlock {
				_ = t.refs.Close(curdir)
				return 0, candyerr.WouldBlock()
			}
			candyerr.ConflictingOpenPath(curdir, token)
		}
	}

	if chosen == -1 {
		_ = t.refs.Close(curdir)
		return 0, fmt.Errorf("path: open %q: %w", token, candyerr.ErrNoMem)
	}

	t.paths[chosen] = openPathNode{refs: 1, parentDir: curdir, name: token}
	return chosen, nil
}

func (t *Table) lookupHandle(path Handle) (*openPathNode, error) {
	if path < 0 || int(path) >= MaxOpenPaths || t.paths[path].refs == 0 {
		return nil, fmt.Errorf("path: %d: %w", path, candyerr.ErrInvalid)
	}
	return &t.paths[path], nil
}

// Close releases a handle obtained from Open.
func (t *Table) Close(path Handle) error {
	node, err := t.lookupHandle(path)
	if err != nil {
		return err
	}

	node.refs--
	if node.refs == 0 {
		return t.refs.Close(node.parentDir)
	}
	panic("path: close: multiple references to a path handle in single-threaded program")
}

// Get looks up the inode currently sitting at path's name, opening a
// reference to it. It fails with ErrNotFound if nothing sits there.
func (t *Table) Get(path Handle) (int64, error) {
	node, err := t.lookupHandle(path)
	if err != nil {
		return 0, err
	}
	return t.refs.DirLookupOpen(node.parentDir, node.name)
}

// Link inserts inum, which must already be open and must not be a
// directory, under path's name.
func (t *Table) Link(path Handle, inum int64, user, group uint32) error {
	node, err := t.lookupHandle(path)
	if err != nil {
		return err
	}

	info, err := t.inodes.GetInfo(inum)
	if err != nil {
		return err
	}
	if isDir(info.Mode) {
		return fmt.Errorf("path: link: %w", candyerr.ErrPerm)
	}

	ok, err := perm.Check(t.inodes, node.parentDir, perm.Write, user, group)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("path: link: %w", candyerr.ErrAccess)
	}

	if err := t.dirs.Insert(node.parentDir, node.name, inum); err != nil {
		return err
	}
	if _, err := t.refs.Link(inum); err != nil {
		return err
	}
	return nil
}

// Unlink removes the entry at path's name, which must not be a
// directory.
func (t *Table) Unlink(path Handle, user, group uint32) error {
	node, err := t.lookupHandle(path)
	if err != nil {
		return err
	}

	inum, err := t.Get(path)
	if err != nil {
		return fmt.Errorf("path: unlink: %w", candyerr.ErrNotFound)
	}

	info, err := t.inodes.GetInfo(inum)
	if err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if isDir(info.Mode) {
		_ = t.refs.Close(inum)
		return fmt.Errorf("path: unlink: %w", candyerr.ErrPerm)
	}

	ok, err := perm.Check(t.inodes, node.parentDir, perm.Write, user, group)
	if err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if !ok {
		_ = t.refs.Close(inum)
		return fmt.Errorf("path: unlink: %w", candyerr.ErrAccess)
	}

	if _, err := t.dirs.Remove(node.parentDir, node.name); err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if _, err := t.refs.Unlink(inum); err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	return t.refs.Close(inum)
}

// Mkdir creates a new, empty directory at path's name.
func (t *Table) Mkdir(path Handle, mode uint32, user, group uint32) error {
	node, err := t.lookupHandle(path)
	if err != nil {
		return err
	}

	ok, err := perm.Check(t.inodes, node.parentDir, perm.Write, user, group)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("path: mkdir: %w", candyerr.ErrAccess)
	}

	directory, err := t.dirs.Create(node.parentDir, user, group)
	if err != nil {
		return err
	}
	if err := t.refs.Open(directory); err != nil {
		return err
	}

	if err := perm.Chown(t.inodes, directory, 0, user, group); err != nil {
		_ = t.refs.Close(directory)
		return err
	}
	if err := perm.Chmod(t.inodes, directory, mode, user); err != nil {
		_ = t.refs.Close(directory)
		return err
	}

	if err := t.dirs.Insert(node.parentDir, node.name, directory); err != nil {
		_ = t.refs.Close(directory)
		return err
	}
	if _, err := t.refs.Link(directory); err != nil {
		_ = t.refs.Close(directory)
		return err
	}
	return t.refs.Close(directory)
}

// Rmdir removes the empty directory at path's name.
func (t *Table) Rmdir(path Handle, user, group uint32) error {
	node, err := t.lookupHandle(path)
	if err != nil {
		return err
	}

	inum, err := t.Get(path)
	if err != nil {
		return fmt.Errorf("path: rmdir: %w", candyerr.ErrNotFound)
	}

	ok, err := perm.Check(t.inodes, node.parentDir, perm.Write, user, group)
	if err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if !ok {
		_ = t.refs.Close(inum)
		return fmt.Errorf("path: rmdir: %w", candyerr.ErrAccess)
	}

	if err := t.dirs.Destroy(inum); err != nil {
		_ = t.refs.Close(inum)
		return err
	}

	if _, err := t.dirs.Remove(node.parentDir, node.name); err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if _, err := t.refs.Unlink(inum); err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	return t.refs.Close(inum)
}

// Rename moves the entry at srcpath's name to dstpath's name, unlinking
// whatever previously sat at dstpath's name. It fails if exactly one of
// the source and any preexisting destination is a directory.
func (t *Table) Rename(dstpath, srcpath Handle, user, group uint32) error {
	dstNode, err := t.lookupHandle(dstpath)
	if err != nil {
		return err
	}
	srcNode, err := t.lookupHandle(srcpath)
	if err != nil {
		return err
	}

	inum, err := t.Get(srcpath)
	if err != nil {
		return fmt.Errorf("path: rename: %w", candyerr.ErrNotFound)
	}

	ok, err := perm.Check(t.inodes, dstNode.parentDir, perm.Write, user, group)
	if err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if !ok {
		_ = t.refs.Close(inum)
		return fmt.Errorf("path: rename: %w", candyerr.ErrAccess)
	}
	ok, err = perm.Check(t.inodes, srcNode.parentDir, perm.Write, user, group)
	if err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if !ok {
		_ = t.refs.Close(inum)
		return fmt.Errorf("path: rename: %w", candyerr.ErrAccess)
	}

	info, err := t.inodes.GetInfo(inum)
	if err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	srcIsDir := isDir(info.Mode)

	current, currentErr := t.Get(dstpath)
	if currentErr == nil {
		curInfo, err := t.inodes.GetInfo(current)
		if err != nil {
			_ = t.refs.Close(inum)
			_ = t.refs.Close(current)
			return err
		}
		if isDir(curInfo.Mode) {
			if !srcIsDir {
				_ = t.refs.Close(inum)
				_ = t.refs.Close(current)
				return fmt.Errorf("path: rename: %w", candyerr.ErrIsDir)
			}
			if err := t.dirs.Destroy(current); err != nil {
				_ = t.refs.Close(inum)
				_ = t.refs.Close(current)
				return err
			}
		} else if srcIsDir {
			_ = t.refs.Close(inum)
			_ = t.refs.Close(current)
			return fmt.Errorf("path: rename: %w", candyerr.ErrNotDir)
		}

		if _, err := t.dirs.Remove(dstNode.parentDir, dstNode.name); err != nil {
			_ = t.refs.Close(inum)
			_ = t.refs.Close(current)
			return err
		}
		if _, err := t.refs.Unlink(current); err != nil {
			_ = t.refs.Close(inum)
			_ = t.refs.Close(current)
			return err
		}
		if err := t.refs.Close(current); err != nil {
			_ = t.refs.Close(inum)
			return err
		}
	}

	if err := t.dirs.Insert(dstNode.parentDir, dstNode.name, inum); err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if _, err := t.dirs.Remove(srcNode.parentDir, srcNode.name); err != nil {
		_ = t.refs.Close(inum)
		return err
	}
	if srcIsDir {
		if err := t.dirs.Reparent(inum, dstNode.parentDir); err != nil {
			_ = t.refs.Close(inum)
			return err
		}
	}
	return t.refs.Close(inum)
}

// MkfsPath lays down the root directory (inumber 0) of a freshly
// formatted filesystem, owned by owner/group with mode 0755.
func MkfsPath(inodes *inode.Store, dirs *dir.Store, refsTable *refs.Table, owner, group uint32) error {
	root, err := dirs.Create(0, owner, group)
	if err != nil {
		return err
	}
	if root != rootIno {
		panic("path: mkfs: root directory did not receive inumber 0")
	}
	if err := refsTable.Open(root); err != nil {
		return err
	}
	if _, err := refsTable.Link(root); err != nil {
		_ = refsTable.Close(root)
		return err
	}
	if err := perm.Chown(inodes, root, 0, owner, group); err != nil {
		_ = refsTable.Close(root)
		return err
	}
	if err := perm.Chmod(inodes, root, 0755, owner); err != nil {
		_ = refsTable.Close(root)
		return err
	}
	return refsTable.Close(root)
}
