// Package dir implements directory storage on top of an inode: each
// directory is a file holding fixed-size blocks of parallel inumber/name
// arrays, densely packed and compacted on removal. An EOF sentinel in a
// block's number array terminates that block's entries; a block never has
// holes before its sentinel.
package dir

import (
	"fmt"

	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/candyerr"
	"github.com/rhelmot/candyfs/inode"
	"golang.org/x/sys/unix"
)

const (
	entriesPerDirBlock   = block.BlockSize / 4 / 8
	namespacePerDirBlock = block.BlockSize / 4 * 3
	dirBlockBytes        = entriesPerDirBlock*8 + namespacePerDirBlock
)

func init() {
	if dirBlockBytes != block.BlockSize {
		panic("dir: dir block layout does not add up to one block")
	}
	if entriesPerDirBlock < 2 {
		panic("dir: not enough entries per directory block")
	}
	if namespacePerDirBlock <= 255 {
		panic("dir: not enough name space per directory block")
	}
}

type dirBlock struct {
	numbers [entriesPerDirBlock]int64
	names   [namespacePerDirBlock]byte
}

func decodeDirBlock(buf []byte) dirBlock {
	var b dirBlock
	for i := 0; i < entriesPerDirBlock; i++ {
		off := i * 8
		var u uint64
		for j := 0; j < 8; j++ {
			u |= uint64(buf[off+j]) << (8 * j)
		}
		b.numbers[i] = int64(u)
	}
	copy(b.names[:], buf[entriesPerDirBlock*8:])
	return b
}

func encodeDirBlock(b dirBlock) []byte {
	buf := make([]byte, dirBlockBytes)
	for i := 0; i < entriesPerDirBlock; i++ {
		off := i * 8
		u := uint64(b.numbers[i])
		for j := 0; j < 8; j++ {
			buf[off+j] = byte(u >> (8 * j))
		}
	}
	copy(buf[entriesPerDirBlock*8:], b.names[:])
	return buf
}

// cstrLen returns the length of the null-terminated string starting at
// buf[0], not including the terminator.
func cstrLen(buf []byte) int {
	for i, c := range buf {
		if c == 0 {
			return i
		}
	}
	return len(buf)
}

func isDir(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFDIR
}

// Store is the directory layer sitting on top of an inode.Store.
type Store struct {
	inodes *inode.Store
}

// NewStore wraps an already-open inode.Store.
func NewStore(inodes *inode.Store) *Store {
	return &Store{inodes: inodes}
}

// Create allocates a new, empty directory inode under parent, owned by
// owner/group, populated with "." and ".." entries, and returns its
// inumber.
func (s *Store) Create(parent int64, owner, group uint32) (int64, error) {
	directory, err := s.inodes.Allocate()
	if err != nil {
		return 0, err
	}
	if err := s.inodes.Chmod(directory, unix.S_IFDIR|0755); err != nil {
		return 0, err
	}
	if err := s.inodes.Chown(directory, owner, group); err != nil {
		return 0, err
	}

	var blk dirBlock
	blk.numbers[0] = parent
	blk.numbers[1] = directory
	copy(blk.names[0:], "..\x00")
	copy(blk.names[3:], ".\x00")
	for i := 2; i < entriesPerDirBlock; i++ {
		blk.numbers[i] = block.EOF
	}

	buf := encodeDirBlock(blk)
	n, err := s.inodes.Write(directory, 0, int64(len(buf)), buf)
	if err == nil && n != int64(len(buf)) {
		err = fmt.Errorf("dir: create: short write of initial block: %w", candyerr.ErrNoSpace)
	}
	if err != nil {
		_ = s.inodes.Free(directory)
		return 0, err
	}
	return directory, nil
}

// Destroy validates that directory holds nothing but its "." and ".."
// entries. It does not itself free the inode — the caller unlinks and
// frees it the same way any other inode is freed once empty.
func (s *Store) Destroy(directory int64) error {
	info, err := s.inodes.GetInfo(directory)
	if err != nil {
		return err
	}
	if !isDir(info.Mode) {
		return fmt.Errorf("dir: destroy: %w", candyerr.ErrNotDir)
	}
	// This requires that compaction on Remove works correctly.
	if info.Size > int64(dirBlockBytes) {
		return fmt.Errorf("dir: destroy: %w", candyerr.ErrNotEmpty)
	}

	buf := make([]byte, dirBlockBytes)
	if _, err := s.inodes.Read(directory, 0, buf); err != nil {
		return err
	}
	blk := decodeDirBlock(buf)
	if blk.numbers[2] != block.EOF {
		return fmt.Errorf("dir: destroy: %w", candyerr.ErrNotEmpty)
	}
	return nil
}

// Reparent overwrites the ".." entry in place.
func (s *Store) Reparent(directory, newParent int64) error {
	info, err := s.inodes.GetInfo(directory)
	if err != nil {
		return err
	}
	if !isDir(info.Mode) {
		return fmt.Errorf("dir: reparent: %w", candyerr.ErrNotDir)
	}

	buf := make([]byte, dirBlockBytes)
	if _, err := s.inodes.Read(directory, 0, buf); err != nil {
		return err
	}
	blk := decodeDirBlock(buf)
	if blk.numbers[1] != directory {
		panic("dir: reparent: self-entry does not match directory's own inumber")
	}
	blk.numbers[0] = newParent
	out := encodeDirBlock(blk)
	if _, err := s.inodes.Write(directory, 0, int64(len(out)), out); err != nil {
		return err
	}
	return nil
}

// Lookup returns the inumber named name within directory.
func (s *Store) Lookup(directory int64, name string) (int64, error) {
	info, err := s.inodes.GetInfo(directory)
	if err != nil {
		return 0, err
	}
	if !isDir(info.Mode) {
		return 0, fmt.Errorf("dir: lookup: %w", candyerr.ErrNotDir)
	}
	if len(name) > 255 {
		return 0, fmt.Errorf("dir: lookup: %w", candyerr.ErrNameTooLong)
	}

	buf := make([]byte, dirBlockBytes)
	var pos int64
	for {
		n, err := s.inodes.Read(directory, pos, buf)
		if err != nil {
			return 0, err
		}
		if n != int64(dirBlockBytes) {
			break
		}
		blk := decodeDirBlock(buf)
		nameoff := 0
		for i := 0; i < entriesPerDirBlock && blk.numbers[i] != block.EOF; i++ {
			curlen := cstrLen(blk.names[nameoff:])
			if curlen == len(name) && string(blk.names[nameoff:nameoff+curlen]) == name {
				return blk.numbers[i], nil
			}
			nameoff += curlen + 1
		}
		pos += int64(dirBlockBytes)
	}

	return 0, fmt.Errorf("dir: lookup %q: %w", name, candyerr.ErrNotFound)
}

// Insert adds a new (name, target) entry to directory, choosing the
// fullest existing block (the most name space already used) that still
// has room for it, or appending a new block if none does. A block that
// holds no names is never chosen.
func (s *Store) Insert(directory int64, name string, target int64) error {
	info, err := s.inodes.GetInfo(directory)
	if err != nil {
		return err
	}
	if !isDir(info.Mode) {
		return fmt.Errorf("dir: insert: %w", candyerr.ErrNotDir)
	}
	if len(name) > 255 {
		return fmt.Errorf("dir: insert: %w", candyerr.ErrNameTooLong)
	}

	buf := make([]byte, dirBlockBytes)
	var pos int64
	var bestblock dirBlock
	bestpos := int64(-1)
	bestnameoff := 0
	besti := 0

	for {
		n, err := s.inodes.Read(directory, pos, buf)
		if err != nil {
			return err
		}
		if n != int64(dirBlockBytes) {
			break
		}
		blk := decodeDirBlock(buf)
		nameoff := 0
		i := 0
		for ; i < entriesPerDirBlock && blk.numbers[i] != block.EOF; i++ {
			curlen := cstrLen(blk.names[nameoff:])
			if curlen == len(name) && string(blk.names[nameoff:nameoff+curlen]) == name {
				return fmt.Errorf("dir: insert %q: %w", name, candyerr.ErrExist)
			}
			nameoff += curlen + 1
		}

		if i < entriesPerDirBlock && namespacePerDirBlock-nameoff > len(name) && nameoff > bestnameoff {
			bestblock = blk
			bestpos = pos
			bestnameoff = nameoff
			besti = i
		}
		pos += int64(dirBlockBytes)
	}

	if bestpos == -1 {
		bestpos = pos
		bestnameoff = 0
		besti = 0
		for i := 0; i < entriesPerDirBlock; i++ {
			bestblock.numbers[i] = block.EOF
		}
	}

	copy(bestblock.names[bestnameoff:], name)
	bestblock.numbers[besti] = target

	out := encodeDirBlock(bestblock)
	n, err := s.inodes.Write(directory, bestpos, int64(len(out)), out)
	if err != nil {
		return err
	}
	if n != int64(len(out)) {
		return fmt.Errorf("dir: insert %q: short write: %w", name, candyerr.ErrNoSpace)
	}
	return nil
}

// Remove deletes the entry named name from directory and returns the
// inumber it pointed to. It refuses to remove "." or "..".
func (s *Store) Remove(directory int64, name string) (int64, error) {
	info, err := s.inodes.GetInfo(directory)
	if err != nil {
		return 0, err
	}
	if !isDir(info.Mode) {
		return 0, fmt.Errorf("dir: remove: %w", candyerr.ErrNotDir)
	}
	if len(name) > 255 {
		return 0, fmt.Errorf("dir: remove: %w", candyerr.ErrNameTooLong)
	}
	if name == "." || name == ".." {
		return 0, fmt.Errorf("dir: remove %q: %w", name, candyerr.ErrInvalid)
	}

	buf := make([]byte, dirBlockBytes)
	var pos int64
	emptyCount := int64(0)

	for {
		n, err := s.inodes.Read(directory, pos, buf)
		if err != nil {
			return 0, err
		}
		if n != int64(dirBlockBytes) {
			break
		}
		blk := decodeDirBlock(buf)
		nameoff := 0
		for i := 0; i < entriesPerDirBlock && blk.numbers[i] != block.EOF; i++ {
			curlen := cstrLen(blk.names[nameoff:])
			if curlen == len(name) && string(blk.names[nameoff:nameoff+curlen]) == name {
				res := blk.numbers[i]

				if i == 0 && blk.numbers[1] == block.EOF && pos+int64(dirBlockBytes) == info.Size {
					if _, err := s.inodes.Truncate(directory, pos-emptyCount*int64(dirBlockBytes)); err != nil {
						return 0, err
					}
				} else {
					copy(blk.numbers[i:], blk.numbers[i+1:])
					copy(blk.names[nameoff:], blk.names[nameoff+curlen+1:])
					blk.numbers[entriesPerDirBlock-1] = block.EOF
					for j := namespacePerDirBlock - curlen - 1; j < namespacePerDirBlock; j++ {
						blk.names[j] = 0
					}
					out := encodeDirBlock(blk)
					if _, err := s.inodes.Write(directory, pos, int64(len(out)), out); err != nil {
						return 0, err
					}
				}
				return res, nil
			}
			nameoff += curlen + 1
			emptyCount = -1
		}

		pos += int64(dirBlockBytes)
		emptyCount++
	}

	return 0, fmt.Errorf("dir: remove %q: %w", name, candyerr.ErrNotFound)
}

// Enumerate returns the offset to pass in next time, followed by the
// inumber and name of the entry at offset. It returns offset 0 once there
// is nothing left to enumerate.
func (s *Store) Enumerate(directory int64, offset int64) (int64, int64, string, error) {
	info, err := s.inodes.GetInfo(directory)
	if err != nil {
		return 0, 0, "", err
	}
	if !isDir(info.Mode) {
		return 0, 0, "", fmt.Errorf("dir: enumerate: %w", candyerr.ErrNotDir)
	}

	pos := (offset / entriesPerDirBlock) * int64(dirBlockBytes)
	idx := int(offset % entriesPerDirBlock)

	buf := make([]byte, dirBlockBytes)
	var blk dirBlock
	for {
		n, err := s.inodes.Read(directory, pos, buf)
		if err != nil {
			return 0, 0, "", err
		}
		if n != int64(dirBlockBytes) {
			return 0, 0, "", nil
		}
		blk = decodeDirBlock(buf)
		if blk.numbers[idx] != block.EOF {
			break
		}
		pos += int64(dirBlockBytes)
		idx = 0
	}

	nameoff := 0
	for i := 0; i < idx; i++ {
		nameoff += cstrLen(blk.names[nameoff:]) + 1
	}
	namelen := cstrLen(blk.names[nameoff:])
	name := string(blk.names[nameoff : nameoff+namelen])
	ino := blk.numbers[idx]

	next := int64(idx) + (pos/int64(dirBlockBytes))*entriesPerDirBlock + 1
	return next, ino, name, nil
}
