// Package refs implements the open-inode reference table: the layer that
// tracks, for every inode currently open by some caller, both its
// kernel-style open refcount and a cached copy of its link count, so that
// an unlinked-but-still-open inode survives until the last reference
// drops. The cached link count is refreshed by Link/Unlink and consulted
// only at the final Close, which is the single point an inode is ever
// actually freed.
package refs

import (
	"fmt"

	"github.com/rhelmot/candyfs/candyerr"
	"github.com/rhelmot/candyfs/dir"
	"github.com/rhelmot/candyfs/inode"
)

type openFileNode struct {
	refcount uint32
	nlinks   uint32
}

// Table is the open-inode reference table sitting above the inode and
// directory layers.
type Table struct {
	inodes *inode.Store
	dirs   *dir.Store
	nodes  map[int64]*openFileNode
}

// NewTable wraps already-open inode and directory layers.
func NewTable(inodes *inode.Store, dirs *dir.Store) *Table {
	return &Table{inodes: inodes, dirs: dirs, nodes: make(map[int64]*openFileNode)}
}

// Open registers a new reference to inumber, caching its current link
// count the first time it is opened.
func (t *Table) Open(inum int64) error {
	if n, ok := t.nodes[inum]; ok {
		n.refcount++
		return nil
	}

	info, err := t.inodes.GetInfo(inum)
	if err != nil {
		return err
	}
	t.nodes[inum] = &openFileNode{refcount: 1, nlinks: info.Nlinks}
	return nil
}

// Close drops a reference to inumber. Once the refcount reaches zero and
// the cached link count is also zero, the inode is actually freed.
func (t *Table) Close(inum int64) error {
	n, ok := t.nodes[inum]
	if !ok {
		return fmt.Errorf("refs: close %d: not open: %w", inum, candyerr.ErrInvalid)
	}

	n.refcount--
	if n.refcount <= 0 {
		nlinks := n.nlinks
		delete(t.nodes, inum)
		if nlinks == 0 {
			return t.inodes.Free(inum)
		}
	}
	return nil
}

// Link bumps inumber's on-disk link count and refreshes the cached copy,
// requiring the inode be open.
func (t *Table) Link(inum int64) (uint32, error) {
	n, ok := t.nodes[inum]
	if !ok {
		return 0, fmt.Errorf("refs: link %d: not open: %w", inum, candyerr.ErrInvalid)
	}
	nlinks, err := t.inodes.Link(inum)
	if err != nil {
		return 0, err
	}
	n.nlinks = nlinks
	return nlinks, nil
}

// Unlink drops inumber's on-disk link count and refreshes the cached
// copy, requiring the inode be open. It does not itself free the inode
// even if the count reaches zero — that only happens once the refcount
// also reaches zero, in Close.
func (t *Table) Unlink(inum int64) (uint32, error) {
	n, ok := t.nodes[inum]
	if !ok {
		return 0, fmt.Errorf("refs: unlink %d: not open: %w", inum, candyerr.ErrInvalid)
	}
	nlinks, err := t.inodes.Unlink(inum)
	if err != nil {
		return 0, err
	}
	n.nlinks = nlinks
	return nlinks, nil
}

// DirLookupOpen looks up name in directory and opens a reference to the
// inumber it finds in one atomic step.
func (t *Table) DirLookupOpen(directory int64, name string) (int64, error) {
	out, err := t.dirs.Lookup(directory, name)
	if err != nil {
		return 0, err
	}
	if err := t.Open(out); err != nil {
		return 0, err
	}
	return out, nil
}
