// Package inode implements the third storage layer: fixed-size inodes
// with a direct/single/double/triple-indirect block-pointer tree, grown
// and shrunk in place as files change size. The indirection arithmetic
// and the recursive grow/shrink walks are the single most failure-prone
// part of the whole filesystem to get subtly wrong; every helper here is
// deliberately parameterised the same way (destination slot, first block
// index covered, indirection level, block-count range) so the three walks
// stay comparable side by side.
package inode

import (
	"fmt"

	"github.com/jacobsa/timeutil"
	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/candyerr"
)

const (
	blockSize  = block.BlockSize
	inodeMagic = 0xCA4140DE

	// On-disk inode header layout: magic, mode, owner, group, nlinks,
	// size, then four (sec, nsec) timestamp pairs.
	headerSize = 4 + 4 + 4 + 4 + 4 + 8 + 4*16

	numBlockSlots = (blockSize - headerSize) / 8

	numSingleIndirectSlots = 1
	numDoubleIndirectSlots = 1
	numTripleIndirectSlots = 1
	numDirectSlots         = numBlockSlots - numSingleIndirectSlots - numDoubleIndirectSlots - numTripleIndirectSlots

	firstSingleIndirectSlot = numDirectSlots
	firstDoubleIndirectSlot = firstSingleIndirectSlot + numSingleIndirectSlots
	firstTripleIndirectSlot = firstDoubleIndirectSlot + numDoubleIndirectSlots
	firstUnreachableSlot    = firstTripleIndirectSlot + numTripleIndirectSlots

	// pointers per indirect block: the whole block is an array of int64s.
	singleIndirectCount = blockSize / 8
	doubleIndirectCount = singleIndirectCount * singleIndirectCount
	tripleIndirectCount = singleIndirectCount * singleIndirectCount * singleIndirectCount

	firstSingleIndirectBlock = int64(numDirectSlots)
	firstDoubleIndirectBlock = firstSingleIndirectBlock + singleIndirectCount
	firstTripleIndirectBlock = firstDoubleIndirectBlock + doubleIndirectCount
	firstUnreachableBlock    = firstTripleIndirectBlock + tripleIndirectCount

	// MaxFilesize is the largest size, in bytes, any single file on this
	// filesystem can grow to.
	MaxFilesize = firstUnreachableBlock * blockSize

	// UtimeNow, passed as a Timespec's Nsec field, requests "set to the
	// current time" from Utime — the Go analogue of UTIME_NOW.
	UtimeNow int64 = -1
	// UtimeOmit requests "leave this timestamp alone" from Utime — the Go
	// analogue of UTIME_OMIT.
	UtimeOmit int64 = -2

	// NoChange is Chown's "leave this field alone" sentinel, the Go
	// analogue of passing (unsigned int)~0 as owner or group.
	NoChange uint32 = ^uint32(0)
)

func init() {
	if firstUnreachableSlot != numBlockSlots {
		panic("inode: block slot accounting is wrong")
	}
}

// Timespec mirrors struct timespec: a count of whole seconds plus a
// nanosecond remainder.
type Timespec struct {
	Sec  int64
	Nsec int64
}

func (s *Store) now() Timespec {
	t := s.clock.Now()
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Info is the fixed-size metadata portion of an inode.
type Info struct {
	Mode           uint32
	Owner          uint32
	Group          uint32
	Nlinks         uint32
	Size           int64
	Created        Timespec
	LastAccess     Timespec // atime
	LastChange     Timespec // mtime
	LastStatchange Timespec // ctime
}

type onDiskInode struct {
	Info
	Blocks []int64
}

func newEmptyInode(ts Timespec) onDiskInode {
	blocks := make([]int64, numBlockSlots)
	for i := range blocks {
		blocks[i] = block.EOF
	}
	return onDiskInode{
		Info: Info{
			Mode:           0777,
			Owner:          0,
			Group:          0,
			Nlinks:         0,
			Size:           0,
			Created:        ts,
			LastAccess:     ts,
			LastChange:     ts,
			LastStatchange: ts,
		},
		Blocks: blocks,
	}
}

func putUint32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func getUint32(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func putInt64(buf []byte, off int, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(u >> (8 * i))
	}
}

func getInt64(buf []byte, off int) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(buf[off+i]) << (8 * i)
	}
	return int64(u)
}

func putTimespec(buf []byte, off int, ts Timespec) {
	putInt64(buf, off, ts.Sec)
	putInt64(buf, off+8, ts.Nsec)
}

func getTimespec(buf []byte, off int) Timespec {
	return Timespec{Sec: getInt64(buf, off), Nsec: getInt64(buf, off+8)}
}

func encodeInode(nd onDiskInode) []byte {
	buf := make([]byte, blockSize)
	putUint32(buf, 0, inodeMagic)
	putUint32(buf, 4, nd.Mode)
	putUint32(buf, 8, nd.Owner)
	putUint32(buf, 12, nd.Group)
	putUint32(buf, 16, nd.Nlinks)
	putInt64(buf, 20, nd.Size)
	putTimespec(buf, 28, nd.Created)
	putTimespec(buf, 44, nd.LastAccess)
	putTimespec(buf, 60, nd.LastChange)
	putTimespec(buf, 76, nd.LastStatchange)
	for i, v := range nd.Blocks {
		putInt64(buf, headerSize+i*8, v)
	}
	return buf
}

func decodeInode(buf []byte) (onDiskInode, error) {
	magic := getUint32(buf, 0)
	if magic != inodeMagic {
		return onDiskInode{}, fmt.Errorf("inode: bad inode magic %#x: %w", magic, candyerr.ErrBadMagic)
	}
	nd := onDiskInode{
		Info: Info{
			Mode:           getUint32(buf, 4),
			Owner:          getUint32(buf, 8),
			Group:          getUint32(buf, 12),
			Nlinks:         getUint32(buf, 16),
			Size:           getInt64(buf, 20),
			Created:        getTimespec(buf, 28),
			LastAccess:     getTimespec(buf, 44),
			LastChange:     getTimespec(buf, 60),
			LastStatchange: getTimespec(buf, 76),
		},
		Blocks: make([]int64, numBlockSlots),
	}
	for i := range nd.Blocks {
		nd.Blocks[i] = getInt64(buf, headerSize+i*8)
	}
	return nd, nil
}

func encodeIndirectBlock(slots []int64) []byte {
	buf := make([]byte, blockSize)
	for i, v := range slots {
		putInt64(buf, i*8, v)
	}
	return buf
}

func decodeIndirectBlock(buf []byte) []int64 {
	out := make([]int64, singleIndirectCount)
	for i := range out {
		out[i] = getInt64(buf, i*8)
	}
	return out
}

// offset2blockidx returns the block index a byte offset falls within.
func offset2blockidx(off int64) int64 {
	return off / blockSize
}

// offset2blockcount returns the number of blocks needed to hold size
// bytes.
func offset2blockcount(size int64) int64 {
	n := size / blockSize
	if size%blockSize != 0 {
		n++
	}
	return n
}

// indirectionLevel returns the indirection level under which a data block
// index is buried: 0 direct, 1 single, 2 double, 3 triple, -1 out of
// range.
func indirectionLevel(blockidx int64) int {
	switch {
	case blockidx < firstSingleIndirectBlock:
		return 0
	case blockidx < firstDoubleIndirectBlock:
		return 1
	case blockidx < firstTripleIndirectBlock:
		return 2
	case blockidx < firstUnreachableBlock:
		return 3
	default:
		return -1
	}
}

func blockSlotIndirectionLevel(slot int) int {
	switch {
	case slot < firstSingleIndirectSlot:
		return 0
	case slot < firstDoubleIndirectSlot:
		return 1
	case slot < firstTripleIndirectSlot:
		return 2
	case slot < firstUnreachableSlot:
		return 3
	default:
		return -1
	}
}

// indirectCount returns how many data blocks a single block at the given
// indirection level represents.
func indirectCount(level int) int64 {
	switch level {
	case 0:
		return 1
	case 1:
		return singleIndirectCount
	case 2:
		return doubleIndirectCount
	case 3:
		return tripleIndirectCount
	default:
		return 0
	}
}

// blockidx2blockslot returns the inode block slot that holds (directly or
// indirectly) the given data block index.
func blockidx2blockslot(blockidx int64) int {
	switch indirectionLevel(blockidx) {
	case 0:
		return int(blockidx)
	case 1:
		return firstSingleIndirectSlot + int((blockidx-firstSingleIndirectBlock)/singleIndirectCount)
	case 2:
		return firstDoubleIndirectSlot + int((blockidx-firstDoubleIndirectBlock)/doubleIndirectCount)
	case 3:
		return firstTripleIndirectSlot + int((blockidx-firstTripleIndirectBlock)/tripleIndirectCount)
	default:
		return -1
	}
}

// blockslot2firstblockidx returns the first data block index reachable
// through the given inode block slot.
func blockslot2firstblockidx(slot int) int64 {
	switch blockSlotIndirectionLevel(slot) {
	case 0:
		return int64(slot)
	case 1:
		return firstSingleIndirectBlock + int64(slot-firstSingleIndirectSlot)*singleIndirectCount
	case 2:
		return firstDoubleIndirectBlock + int64(slot-firstDoubleIndirectSlot)*doubleIndirectCount
	case 3:
		return firstTripleIndirectBlock + int64(slot-firstTripleIndirectSlot)*tripleIndirectCount
	default:
		return -1
	}
}

// Store is the inode layer sitting on top of the ilist/freelist layer.
type Store struct {
	blocks *block.Store
	clock  timeutil.Clock
}

// NewStore wraps an already-open block.Store, stamping timestamps from the
// real system clock.
func NewStore(blocks *block.Store) *Store {
	return NewStoreWithClock(blocks, timeutil.RealClock())
}

// NewStoreWithClock is NewStore with an injected clock, for callers (the
// FUSE bridge, tests) that want control over inode timestamps.
func NewStoreWithClock(blocks *block.Store, clock timeutil.Clock) *Store {
	return &Store{blocks: blocks, clock: clock}
}

func (s *Store) readRawInode(blockno int64) (onDiskInode, error) {
	buf := make([]byte, blockSize)
	if err := s.blocks.Device().ReadBlock(blockno, buf); err != nil {
		return onDiskInode{}, fmt.Errorf("inode: read block %d: %w", blockno, err)
	}
	return decodeInode(buf)
}

// readInode loads the inode for inumber, returning the data block it
// lives in along with the decoded contents.
func (s *Store) readInode(inum int64) (int64, onDiskInode, error) {
	blockno, err := s.blocks.InoGet(inum)
	if err != nil {
		return 0, onDiskInode{}, err
	}
	if blockno < 0 {
		return 0, onDiskInode{}, fmt.Errorf("inode: inumber %d is not allocated: %w", inum, candyerr.ErrNotFound)
	}
	nd, err := s.readRawInode(blockno)
	if err != nil {
		return 0, onDiskInode{}, err
	}
	return blockno, nd, nil
}

func (s *Store) writeInode(blockno int64, nd onDiskInode) error {
	if err := s.blocks.Device().WriteBlock(blockno, encodeInode(nd)); err != nil {
		return fmt.Errorf("inode: write block %d: %w", blockno, err)
	}
	return nil
}

func (s *Store) readIndirectBlock(blockno int64) ([]int64, error) {
	buf := make([]byte, blockSize)
	if err := s.blocks.Device().ReadBlock(blockno, buf); err != nil {
		return nil, fmt.Errorf("inode: read indirect block %d: %w", blockno, err)
	}
	return decodeIndirectBlock(buf), nil
}

func (s *Store) writeIndirectBlock(blockno int64, slots []int64) error {
	if err := s.blocks.Device().WriteBlock(blockno, encodeIndirectBlock(slots)); err != nil {
		return fmt.Errorf("inode: write indirect block %d: %w", blockno, err)
	}
	return nil
}

func (s *Store) readDataBlock(blockno int64) ([]byte, error) {
	buf := make([]byte, blockSize)
	if err := s.blocks.Device().ReadBlock(blockno, buf); err != nil {
		return nil, fmt.Errorf("inode: read data block %d: %w", blockno, err)
	}
	return buf, nil
}

func (s *Store) writeDataBlock(blockno int64, buf []byte) error {
	if err := s.blocks.Device().WriteBlock(blockno, buf); err != nil {
		return fmt.Errorf("inode: write data block %d: %w", blockno, err)
	}
	return nil
}

// indirectGrow allocates (or loads) the block pointed to by *dest and, for
// indirect blocks, recurses into exactly the children needed to extend
// allocation from oldBlockcount to newBlockcount data blocks. It reports
// how many data blocks it actually managed to allocate, and false if it
// hit the end of the device partway through.
func (s *Store) indirectGrow(dest *int64, curblock int64, indirection int, oldBlockcount, newBlockcount int64) (int64, bool, error) {
	blockno := *dest
	var indirectData []int64

	if blockno == block.EOF {
		newBlockno, err := s.blocks.BlockAllocate()
		if err != nil {
			return 0, false, err
		}
		if newBlockno == block.EOF {
			return 0, false, nil
		}
		blockno = newBlockno
		*dest = blockno

		if indirection != 0 {
			indirectData = make([]int64, singleIndirectCount)
			for i := range indirectData {
				indirectData[i] = block.EOF
			}
		}
	} else {
		if indirection == 0 {
			panic("inode: indirect_grow: asked to load a data block as if it were indirect")
		}
		var err error
		indirectData, err = s.readIndirectBlock(blockno)
		if err != nil {
			return 0, false, err
		}
	}

	if indirection == 0 {
		return 1, true, nil
	}

	subCount := indirectCount(indirection - 1)
	endblock := curblock + singleIndirectCount*subCount
	startIdx := 0
	endIdx := singleIndirectCount - 1
	if curblock < oldBlockcount {
		startIdx += int((oldBlockcount - curblock) / subCount)
	}
	if endblock > newBlockcount {
		endIdx -= int((endblock - newBlockcount) / subCount)
	}

	var sum int64
	success := true
	for i := startIdx; i <= endIdx && success; i++ {
		added, ok, err := s.indirectGrow(&indirectData[i], curblock+subCount*int64(i), indirection-1, oldBlockcount, newBlockcount)
		if err != nil {
			return 0, false, err
		}
		success = ok
		sum += added
	}

	if !success && startIdx == 0 && sum == 0 {
		// Newly allocated but wholly empty indirect block: free it and
		// clear the pointer, or it would be excluded from the size the
		// caller settles on yet survive as a dangling allocation.
		if err := s.blocks.BlockFree(blockno); err != nil {
			return 0, false, err
		}
		*dest = block.EOF
		return 0, false, nil
	}

	if err := s.writeIndirectBlock(blockno, indirectData); err != nil {
		return 0, false, err
	}
	return sum, success, nil
}

// indirectShrink is the mirror image of indirectGrow: it frees exactly the
// children needed to shrink allocation from oldBlockcount down to
// newBlockcount data blocks.
func (s *Store) indirectShrink(dest *int64, curblock int64, indirection int, oldBlockcount, newBlockcount int64) (int64, error) {
	blockno := *dest
	if blockno == block.EOF {
		panic("inode: indirect_shrink: block pointer already empty")
	}

	if indirection == 0 {
		if err := s.blocks.BlockFree(blockno); err != nil {
			return 0, err
		}
		*dest = block.EOF
		return 1, nil
	}

	indirectData, err := s.readIndirectBlock(blockno)
	if err != nil {
		return 0, err
	}

	subCount := indirectCount(indirection - 1)
	endblock := curblock + singleIndirectCount*subCount
	startIdx := 0
	endIdx := singleIndirectCount - 1
	if curblock < newBlockcount {
		startIdx += int((newBlockcount - curblock) / subCount)
	}
	if endblock > oldBlockcount {
		endIdx -= int((endblock - oldBlockcount) / subCount)
	}

	var sum int64
	for i := startIdx; i <= endIdx; i++ {
		removed, err := s.indirectShrink(&indirectData[i], curblock+int64(i)*subCount, indirection-1, oldBlockcount, newBlockcount)
		if err != nil {
			return 0, err
		}
		sum += removed
	}

	everything := true
	for i := 0; everything && i < singleIndirectCount; i++ {
		everything = indirectData[i] == block.EOF
	}
	if everything {
		if err := s.blocks.BlockFree(blockno); err != nil {
			return 0, err
		}
		*dest = block.EOF
	} else {
		if err := s.writeIndirectBlock(blockno, indirectData); err != nil {
			return 0, err
		}
	}
	return sum, nil
}

// indirectReadWrite copies bytes between a data block tree and data,
// restricted to the [pos, endpos) range, writing zeros when write is true
// and data is nil.
func (s *Store) indirectReadWrite(blockno int64, curblock int64, indirection int, pos, endpos int64, data []byte, write bool) (int64, error) {
	if blockno == block.EOF {
		panic("inode: indirect_readwrite: block pointer is empty")
	}

	if indirection == 0 {
		blockpos := curblock * blockSize
		copySize := int64(blockSize)
		var blockDelta, dataDelta int64
		if blockpos < pos {
			dataDelta = 0
			blockDelta = pos - blockpos
			copySize -= blockDelta
		} else {
			dataDelta = blockpos - pos
			blockDelta = 0
		}
		if endpos < blockpos+blockSize {
			copySize -= (blockpos + blockSize) - endpos
		}

		if !write {
			buf, err := s.readDataBlock(blockno)
			if err != nil {
				return 0, err
			}
			copy(data[dataDelta:dataDelta+copySize], buf[blockDelta:blockDelta+copySize])
		} else {
			var buf []byte
			if copySize != blockSize {
				var err error
				buf, err = s.readDataBlock(blockno)
				if err != nil {
					return 0, err
				}
			} else {
				buf = make([]byte, blockSize)
			}
			if data != nil {
				copy(buf[blockDelta:blockDelta+copySize], data[dataDelta:dataDelta+copySize])
			} else {
				for i := blockDelta; i < blockDelta+copySize; i++ {
					buf[i] = 0
				}
			}
			if err := s.writeDataBlock(blockno, buf); err != nil {
				return 0, err
			}
		}
		return copySize, nil
	}

	indirectData, err := s.readIndirectBlock(blockno)
	if err != nil {
		return 0, err
	}

	subCount := indirectCount(indirection - 1)
	endblock := curblock + singleIndirectCount*subCount - 1
	firstBlock := pos / blockSize
	lastBlock := (endpos - 1) / blockSize
	startIdx := 0
	endIdx := singleIndirectCount - 1
	if curblock < firstBlock {
		startIdx += int((firstBlock - curblock) / subCount)
	}
	if endblock > lastBlock {
		endIdx -= int((endblock - lastBlock) / subCount)
	}

	var result int64
	for i := startIdx; i <= endIdx; i++ {
		n, err := s.indirectReadWrite(indirectData[i], curblock+int64(i)*subCount, indirection-1, pos, endpos, data, write)
		if err != nil {
			return 0, err
		}
		result += n
	}
	return result, nil
}

// SetSize grows or shrinks the block-pointer tree to hold exactly size
// bytes, returning the size actually achieved: size capped at MaxFilesize,
// or less if the device ran out of space partway through growing. It
// bumps ctime and mtime on every call.
func (s *Store) SetSize(inum int64, size int64) (int64, error) {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return 0, err
	}

	if size > MaxFilesize {
		size = MaxFilesize
	}

	newBlockcount := offset2blockcount(size)
	oldBlockcount := offset2blockcount(nd.Size)

	inodeBlockcount := oldBlockcount
	success := true

	for inodeBlockcount < newBlockcount && success {
		newBlockidx := inodeBlockcount
		indirection := indirectionLevel(newBlockidx)
		slot := blockidx2blockslot(newBlockidx)
		curblock := blockslot2firstblockidx(slot)

		added, ok, err := s.indirectGrow(&nd.Blocks[slot], curblock, indirection, oldBlockcount, newBlockcount)
		if err != nil {
			return 0, err
		}
		success = ok
		inodeBlockcount += added
	}

	for inodeBlockcount > newBlockcount {
		finalBlockidx := inodeBlockcount - 1
		indirection := indirectionLevel(finalBlockidx)
		slot := blockidx2blockslot(finalBlockidx)
		curblock := blockslot2firstblockidx(slot)

		freed, err := s.indirectShrink(&nd.Blocks[slot], curblock, indirection, oldBlockcount, newBlockcount)
		if err != nil {
			return 0, err
		}
		inodeBlockcount -= freed
	}

	if inodeBlockcount == newBlockcount {
		nd.Size = size
	} else {
		nd.Size = inodeBlockcount * blockSize
	}

	ts := s.now()
	nd.LastStatchange = ts
	nd.LastChange = ts

	if err := s.writeInode(blockno, nd); err != nil {
		return 0, err
	}
	return nd.Size, nil
}

// Allocate creates a fresh, zero-length, zero-link, world-writable inode
// owned by root, returning its inumber.
func (s *Store) Allocate() (int64, error) {
	inum, err := s.blocks.InoAllocate()
	if err != nil {
		return 0, err
	}
	if inum == block.EOF {
		return 0, fmt.Errorf("inode: allocate: no free inumbers: %w", candyerr.ErrNoSpace)
	}

	blockno, err := s.blocks.BlockAllocate()
	if err != nil {
		return 0, err
	}
	if blockno == block.EOF {
		if ferr := s.blocks.InoFree(inum); ferr != nil {
			return 0, ferr
		}
		return 0, fmt.Errorf("inode: allocate: no free blocks: %w", candyerr.ErrNoSpace)
	}

	if err := s.blocks.InoSet(inum, blockno); err != nil {
		return 0, err
	}
	if err := s.writeInode(blockno, newEmptyInode(s.now())); err != nil {
		return 0, err
	}
	return inum, nil
}

// Free releases inumber's storage and returns it to the free inumber
// list. It refuses to do so while any link remains.
func (s *Store) Free(inum int64) error {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return err
	}
	if nd.Nlinks != 0 {
		return fmt.Errorf("inode: free %d: %d links remain: %w", inum, nd.Nlinks, candyerr.ErrInvalid)
	}

	if _, err := s.SetSize(inum, 0); err != nil {
		return err
	}
	if err := s.blocks.InoFree(inum); err != nil {
		return err
	}
	return s.blocks.BlockFree(blockno)
}

// GetInfo returns inumber's metadata.
func (s *Store) GetInfo(inum int64) (Info, error) {
	_, nd, err := s.readInode(inum)
	if err != nil {
		return Info{}, err
	}
	return nd.Info, nil
}

// Chmod overwrites the mode field and bumps ctime.
func (s *Store) Chmod(inum int64, mode uint32) error {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return err
	}
	nd.Mode = mode
	nd.LastStatchange = s.now()
	return s.writeInode(blockno, nd)
}

// Chown overwrites owner and/or group (skipping either one set to
// NoChange) and bumps ctime.
func (s *Store) Chown(inum int64, owner, group uint32) error {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return err
	}
	if owner != NoChange {
		nd.Owner = owner
	}
	if group != NoChange {
		nd.Group = group
	}
	nd.LastStatchange = s.now()
	return s.writeInode(blockno, nd)
}

// Utime sets atime and/or mtime following utimensat semantics: a nil
// pointer or a Timespec with Nsec == UtimeNow sets "now"; Nsec ==
// UtimeOmit leaves that timestamp untouched; anything else is used
// verbatim. ctime is always bumped to "now", even if both arguments omit
// their change.
func (s *Store) Utime(inum int64, lastAccess, lastChange *Timespec) error {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return err
	}

	statchange := s.now()
	nd.LastStatchange = statchange

	if lastAccess == nil || lastAccess.Nsec == UtimeNow {
		nd.LastAccess = statchange
	} else if lastAccess.Nsec != UtimeOmit {
		nd.LastAccess = *lastAccess
	}

	if lastChange == nil || lastChange.Nsec == UtimeNow {
		nd.LastChange = statchange
	} else if lastChange.Nsec != UtimeOmit {
		nd.LastChange = *lastChange
	}

	return s.writeInode(blockno, nd)
}

// Link bumps the link count and returns the new value.
func (s *Store) Link(inum int64) (uint32, error) {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return 0, err
	}
	nd.Nlinks++
	nd.LastStatchange = s.now()
	if err := s.writeInode(blockno, nd); err != nil {
		return 0, err
	}
	return nd.Nlinks, nil
}

// Unlink drops the link count and returns the new value. It does not free
// the inode at zero links; callers (the reference layer) decide when it
// is safe to do so.
func (s *Store) Unlink(inum int64) (uint32, error) {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return 0, err
	}
	nd.Nlinks--
	nd.LastStatchange = s.now()
	if err := s.writeInode(blockno, nd); err != nil {
		return 0, err
	}
	return nd.Nlinks, nil
}

// Write stores size bytes (zeros, if data is nil) at pos, extending the
// file and zero-filling any gap if pos+size lands past the current size.
// pos == -1 means append atomically at the current end of file. It
// returns the number of bytes actually written, which is less than size
// only if the device ran out of space while extending the file.
func (s *Store) Write(inum int64, pos int64, size int64, data []byte) (int64, error) {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return 0, err
	}

	if pos == -1 {
		pos = nd.Size
	}

	endpos := pos + size
	zeroEndpos := pos

	if endpos > nd.Size {
		if pos > nd.Size {
			zeroEndpos = pos
			pos = nd.Size
		}

		if _, err := s.SetSize(inum, endpos); err != nil {
			return 0, err
		}
		blockno, nd, err = s.readInode(inum)
		if err != nil {
			return 0, err
		}

		if endpos > nd.Size {
			endpos = nd.Size
			if zeroEndpos > nd.Size {
				zeroEndpos = nd.Size
			}
		}
	}

	if endpos <= pos {
		return 0, nil
	}

	curpos := pos
	for curpos < endpos {
		blockidx := offset2blockidx(curpos)
		indirection := indirectionLevel(blockidx)
		slot := blockidx2blockslot(blockidx)
		curblock := blockslot2firstblockidx(slot)

		var n int64
		if curpos < zeroEndpos {
			n, err = s.indirectReadWrite(nd.Blocks[slot], curblock, indirection, pos, zeroEndpos, nil, true)
		} else {
			n, err = s.indirectReadWrite(nd.Blocks[slot], curblock, indirection, zeroEndpos, endpos, data, true)
		}
		if err != nil {
			return 0, err
		}
		curpos += n
	}

	nd.LastChange = s.now()
	if err := s.writeInode(blockno, nd); err != nil {
		return 0, err
	}
	return endpos - zeroEndpos, nil
}

// Read copies up to len(data) bytes starting at pos into data, truncated
// to the file's current size, and returns the number of bytes copied.
func (s *Store) Read(inum int64, pos int64, data []byte) (int64, error) {
	blockno, nd, err := s.readInode(inum)
	if err != nil {
		return 0, err
	}

	size := int64(len(data))
	endpos := pos + size
	if endpos > nd.Size {
		endpos = nd.Size
	}
	if endpos <= pos {
		return 0, nil
	}

	curpos := pos
	for curpos < endpos {
		blockidx := offset2blockidx(curpos)
		indirection := indirectionLevel(blockidx)
		slot := blockidx2blockslot(blockidx)
		curblock := blockslot2firstblockidx(slot)

		n, err := s.indirectReadWrite(nd.Blocks[slot], curblock, indirection, pos, endpos, data, false)
		if err != nil {
			return 0, err
		}
		curpos += n
	}

	nd.LastAccess = s.now()
	if err := s.writeInode(blockno, nd); err != nil {
		return 0, err
	}
	return endpos - pos, nil
}

// Truncate is ftruncate: like SetSize, but zero-pads any newly exposed
// bytes when growing rather than leaving stale device content visible.
func (s *Store) Truncate(inum int64, size int64) (int64, error) {
	_, nd, err := s.readInode(inum)
	if err != nil {
		return 0, err
	}

	newSize, err := s.SetSize(inum, size)
	if err != nil {
		return 0, err
	}

	if newSize > nd.Size {
		if _, err := s.Write(inum, nd.Size, newSize-nd.Size, nil); err != nil {
			return 0, err
		}
	}

	return newSize, nil
}
