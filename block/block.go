// Package block implements the second storage layer: a fixed-size inode
// list and two free lists (blocks and inumbers) laid out directly on a
// device.Device.
//
// Block 0 holds the superblock. Blocks 1..ilistSize hold the ilist, one
// int64 block pointer per inumber. Everything after that is data blocks,
// threaded into a singly-linked free list of "freelist blocks" the same way
// free inumbers are threaded directly through the ilist itself.
package block

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rhelmot/candyfs/candyerr"
	"github.com/rhelmot/candyfs/device"
)

const (
	// BlockSize is the fixed block size this whole storage engine is built
	// around; every layer above assumes it.
	BlockSize = 512

	// Magic identifies a formatted candyfs device in block 0.
	Magic = 0xCA4D11F5

	// EOF terminates both the block free list and the inumber free list,
	// and also marks an inode's unallocated block-pointer slots.
	EOF int64 = math.MinInt64

	blockNumsPerFreelistBlock = BlockSize/8 - 1
	inumsPerIlistBlock        = BlockSize / 8
)

// Store is the ilist/freelist layer sitting directly on a device.Device.
type Store struct {
	dev device.Device
}

// Device exposes the underlying device for layers above (the inode layer)
// that need to read and write raw blocks outside the ilist/freelist
// bookkeeping this package owns.
func (s *Store) Device() device.Device {
	return s.dev
}

func superblockOffsets() (magic, ilistSize, freelistStart, inoFreelistStart int) {
	return 0, 4, 8, 16
}

type superblock struct {
	magic            uint32
	ilistSize        int32
	freelistStart    int64
	inoFreelistStart int64
}

func decodeSuperblock(buf []byte) superblock {
	magicOff, ilistOff, flOff, ifOff := superblockOffsets()
	return superblock{
		magic:            binary.LittleEndian.Uint32(buf[magicOff:]),
		ilistSize:        int32(binary.LittleEndian.Uint32(buf[ilistOff:])),
		freelistStart:    int64(binary.LittleEndian.Uint64(buf[flOff:])),
		inoFreelistStart: int64(binary.LittleEndian.Uint64(buf[ifOff:])),
	}
}

func encodeSuperblock(sb superblock) []byte {
	buf := make([]byte, BlockSize)
	magicOff, ilistOff, flOff, ifOff := superblockOffsets()
	binary.LittleEndian.PutUint32(buf[magicOff:], sb.magic)
	binary.LittleEndian.PutUint32(buf[ilistOff:], uint32(sb.ilistSize))
	binary.LittleEndian.PutUint64(buf[flOff:], uint64(sb.freelistStart))
	binary.LittleEndian.PutUint64(buf[ifOff:], uint64(sb.inoFreelistStart))
	return buf
}

func decodeIlistBlock(buf []byte) []int64 {
	out := make([]int64, inumsPerIlistBlock)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}

func encodeIlistBlock(slots []int64) []byte {
	buf := make([]byte, BlockSize)
	for i, v := range slots {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

type freelistBlock struct {
	next   int64
	blocks [blockNumsPerFreelistBlock]int64
}

func decodeFreelistBlock(buf []byte) freelistBlock {
	var fb freelistBlock
	fb.next = int64(binary.LittleEndian.Uint64(buf[0:]))
	for i := range fb.blocks {
		fb.blocks[i] = int64(binary.LittleEndian.Uint64(buf[8+i*8:]))
	}
	return fb
}

func encodeFreelistBlock(fb freelistBlock) []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint64(buf[0:], uint64(fb.next))
	for i, v := range fb.blocks {
		binary.LittleEndian.PutUint64(buf[8+i*8:], uint64(v))
	}
	return buf
}

// Open reads and validates the superblock of an already-formatted device.
func Open(dev device.Device) (*Store, error) {
	if dev.BlockSize() != BlockSize {
		return nil, fmt.Errorf("block: device block size %d, want %d: %w", dev.BlockSize(), BlockSize, candyerr.ErrInvalid)
	}
	s := &Store{dev: dev}
	sb, err := s.readSuperblock()
	if err != nil {
		return nil, err
	}
	if sb.magic != Magic {
		return nil, fmt.Errorf("block: bad superblock magic %#x: %w", sb.magic, candyerr.ErrBadMagic)
	}
	return s, nil
}

func (s *Store) readSuperblock() (superblock, error) {
	buf := make([]byte, BlockSize)
	if err := s.dev.ReadBlock(0, buf); err != nil {
		return superblock{}, fmt.Errorf("block: read superblock: %w", err)
	}
	return decodeSuperblock(buf), nil
}

func (s *Store) writeSuperblock(sb superblock) error {
	if err := s.dev.WriteBlock(0, encodeSuperblock(sb)); err != nil {
		return fmt.Errorf("block: write superblock: %w", err)
	}
	return nil
}

// IlistSize returns the number of ilist blocks this device was formatted
// with.
func (s *Store) IlistSize() (int, error) {
	sb, err := s.readSuperblock()
	if err != nil {
		return 0, err
	}
	return int(sb.ilistSize), nil
}

// FirstDataBlock returns the blockno of the first data block, i.e. one
// past the end of the ilist.
func (s *Store) FirstDataBlock() (int64, error) {
	ilistSize, err := s.IlistSize()
	if err != nil {
		return 0, err
	}
	return int64(ilistSize) + 1, nil
}

func ilistBlockFor(inum int64) int64 {
	return 1 + inum/inumsPerIlistBlock
}

// InoGet returns the block pointer stored for inumber.
func (s *Store) InoGet(inum int64) (int64, error) {
	buf := make([]byte, BlockSize)
	if err := s.dev.ReadBlock(ilistBlockFor(inum), buf); err != nil {
		return 0, fmt.Errorf("block: ino_get %d: %w", inum, err)
	}
	slots := decodeIlistBlock(buf)
	return slots[inum%inumsPerIlistBlock], nil
}

// InoSet stores blockno as the block pointer for inumber.
func (s *Store) InoSet(inum int64, blockno int64) error {
	blk := ilistBlockFor(inum)
	buf := make([]byte, BlockSize)
	if err := s.dev.ReadBlock(blk, buf); err != nil {
		return fmt.Errorf("block: ino_set %d: %w", inum, err)
	}
	slots := decodeIlistBlock(buf)
	slots[inum%inumsPerIlistBlock] = blockno
	return s.dev.WriteBlock(blk, encodeIlistBlock(slots))
}

// InoAllocate pops an inumber off the inumber free list, or returns EOF if
// none remain. The popped inumber's ilist slot is left holding the stale
// free-chain link; callers (the inode layer) must InoSet a real block
// pointer before the inumber is usable.
func (s *Store) InoAllocate() (int64, error) {
	sb, err := s.readSuperblock()
	if err != nil {
		return 0, err
	}
	result := sb.inoFreelistStart
	if result != EOF {
		next, err := s.InoGet(result)
		if err != nil {
			return 0, err
		}
		sb.inoFreelistStart = -next
		if err := s.writeSuperblock(sb); err != nil {
			return 0, err
		}
	}
	return result, nil
}

// InoFree pushes inumber back onto the inumber free list.
func (s *Store) InoFree(inum int64) error {
	sb, err := s.readSuperblock()
	if err != nil {
		return err
	}
	if err := s.InoSet(inum, -sb.inoFreelistStart); err != nil {
		return err
	}
	sb.inoFreelistStart = inum
	return s.writeSuperblock(sb)
}

// BlockAllocate pops a data block off the block free list, or returns EOF
// if the device is full.
func (s *Store) BlockAllocate() (int64, error) {
	sb, err := s.readSuperblock()
	if err != nil {
		return 0, err
	}
	if sb.freelistStart == EOF {
		return EOF, nil
	}

	buf := make([]byte, BlockSize)
	if err := s.dev.ReadBlock(sb.freelistStart, buf); err != nil {
		return 0, fmt.Errorf("block: block_allocate: %w", err)
	}
	fb := decodeFreelistBlock(buf)
	for i := 0; i < blockNumsPerFreelistBlock; i++ {
		candidate := fb.blocks[i]
		if candidate != EOF {
			fb.blocks[i] = EOF
			if err := s.dev.WriteBlock(sb.freelistStart, encodeFreelistBlock(fb)); err != nil {
				return 0, fmt.Errorf("block: block_allocate: %w", err)
			}
			return candidate, nil
		}
	}

	vagabond := sb.freelistStart
	sb.freelistStart = fb.next
	if err := s.writeSuperblock(sb); err != nil {
		return 0, err
	}
	return vagabond, nil
}

// BlockFree pushes blockno back onto the block free list.
func (s *Store) BlockFree(blockno int64) error {
	sb, err := s.readSuperblock()
	if err != nil {
		return err
	}

	if sb.freelistStart != EOF {
		buf := make([]byte, BlockSize)
		if err := s.dev.ReadBlock(sb.freelistStart, buf); err != nil {
			return fmt.Errorf("block: block_free: %w", err)
		}
		fb := decodeFreelistBlock(buf)
		for i := blockNumsPerFreelistBlock - 1; i >= 0; i-- {
			if fb.blocks[i] == EOF {
				fb.blocks[i] = blockno
				if err := s.dev.WriteBlock(sb.freelistStart, encodeFreelistBlock(fb)); err != nil {
					return fmt.Errorf("block: block_free: %w", err)
				}
				return nil
			}
		}
	}

	vagabond := freelistBlock{next: sb.freelistStart}
	for i := range vagabond.blocks {
		vagabond.blocks[i] = EOF
	}
	sb.freelistStart = blockno
	if err := s.writeSuperblock(sb); err != nil {
		return err
	}
	return s.dev.WriteBlock(blockno, encodeFreelistBlock(vagabond))
}

// FreeBlockCount walks the freelist chain and returns the number of data
// blocks currently available for allocation, counting both the listed
// blocks and the chain blocks themselves (which are handed out once their
// lists drain).
func (s *Store) FreeBlockCount() (int64, error) {
	sb, err := s.readSuperblock()
	if err != nil {
		return 0, err
	}

	var count int64
	buf := make([]byte, BlockSize)
	for cur := sb.freelistStart; cur != EOF; {
		if err := s.dev.ReadBlock(cur, buf); err != nil {
			return 0, fmt.Errorf("block: free_block_count: %w", err)
		}
		fb := decodeFreelistBlock(buf)
		count++
		for _, b := range fb.blocks {
			if b != EOF {
				count++
			}
		}
		cur = fb.next
	}
	return count, nil
}

// FreeInumCount walks the inumber free chain through the ilist and returns
// how many inumbers remain allocatable.
func (s *Store) FreeInumCount() (int64, error) {
	sb, err := s.readSuperblock()
	if err != nil {
		return 0, err
	}

	var count int64
	for cur := sb.inoFreelistStart; cur != EOF; {
		count++
		next, err := s.InoGet(cur)
		if err != nil {
			return 0, err
		}
		cur = -next
	}
	return count, nil
}

// Mkfs formats dev as a fresh, empty candyfs device with ilistSize ilist
// blocks: every inumber chained into the free-inumber list, every data
// block chained into maximally-filled freelist blocks.
func Mkfs(dev device.Device, ilistSize int) error {
	if dev.BlockSize() != BlockSize {
		return fmt.Errorf("block: device block size %d, want %d: %w", dev.BlockSize(), BlockSize, candyerr.ErrInvalid)
	}
	nblocks := dev.BlockCount()
	numDataBlocks := nblocks - int64(ilistSize) - 1
	firstDataBlock := int64(ilistSize) + 1
	if numDataBlocks <= 0 {
		return fmt.Errorf("block: mkfs: ilist_size %d leaves no data blocks on a %d block device: %w", ilistSize, nblocks, candyerr.ErrInvalid)
	}

	s := &Store{dev: dev}
	sb := superblock{
		magic:            Magic,
		ilistSize:        int32(ilistSize),
		freelistStart:    firstDataBlock,
		inoFreelistStart: 0,
	}
	if err := s.writeSuperblock(sb); err != nil {
		return err
	}

	for i := 0; i < ilistSize; i++ {
		slots := make([]int64, inumsPerIlistBlock)
		for j := 0; j < inumsPerIlistBlock; j++ {
			slots[j] = -(int64(j) + int64(inumsPerIlistBlock)*int64(i) + 1)
		}
		if i == ilistSize-1 {
			slots[inumsPerIlistBlock-1] = EOF
		}
		if err := dev.WriteBlock(int64(i+1), encodeIlistBlock(slots)); err != nil {
			return fmt.Errorf("block: mkfs: write ilist block %d: %w", i, err)
		}
	}

	for i := firstDataBlock; i < nblocks; i += int64(blockNumsPerFreelistBlock) + 1 {
		fb := freelistBlock{next: i + int64(blockNumsPerFreelistBlock) + 1}
		if fb.next >= nblocks {
			fb.next = EOF
		}
		for j := 0; j < blockNumsPerFreelistBlock; j++ {
			target := i + 1 + int64(j)
			if target >= nblocks {
				target = EOF
			}
			fb.blocks[j] = target
		}
		if err := dev.WriteBlock(i, encodeFreelistBlock(fb)); err != nil {
			return fmt.Errorf("block: mkfs: write freelist block at %d: %w", i, err)
		}
	}

	return nil
}
