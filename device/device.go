// Package device provides the fixed-size numbered-block read/write
// primitive that the block layer is built on: an in-memory emulated disk
// and a real file/block-device backend opened O_RDWR.
package device

import (
	"fmt"
	"io"
	"os"

	"github.com/rhelmot/candyfs/candyerr"
)

// A Device is a fixed-size, fixed-block-size, numbered block store.
type Device interface {
	BlockSize() int
	BlockCount() int64
	ReadBlock(blockno int64, buf []byte) error
	WriteBlock(blockno int64, buf []byte) error
	Close() error
}

func checkBounds(d Device, blockno int64, buf []byte) error {
	if blockno < 0 || blockno >= d.BlockCount() {
		return fmt.Errorf("device: block %d out of range [0, %d): %w", blockno, d.BlockCount(), candyerr.ErrBadBlock)
	}
	if len(buf) != d.BlockSize() {
		return fmt.Errorf("device: buffer length %d != block size %d: %w", len(buf), d.BlockSize(), candyerr.ErrInvalid)
	}
	return nil
}

// MemDevice is a single byte array standing in for a whole device, used
// for ephemeral mounts and throughout the tests.
type MemDevice struct {
	blocksize int
	data      []byte
}

// NewMemDevice allocates nblocks*blocksize bytes of zeroed storage.
func NewMemDevice(nblocks int64, blocksize int) *MemDevice {
	return &MemDevice{
		blocksize: blocksize,
		data:      make([]byte, nblocks*int64(blocksize)),
	}
}

func (d *MemDevice) BlockSize() int     { return d.blocksize }
func (d *MemDevice) BlockCount() int64  { return int64(len(d.data)) / int64(d.blocksize) }
func (d *MemDevice) Close() error       { return nil }

func (d *MemDevice) ReadBlock(blockno int64, buf []byte) error {
	if err := checkBounds(d, blockno, buf); err != nil {
		return err
	}
	off := blockno * int64(d.blocksize)
	copy(buf, d.data[off:off+int64(d.blocksize)])
	return nil
}

func (d *MemDevice) WriteBlock(blockno int64, buf []byte) error {
	if err := checkBounds(d, blockno, buf); err != nil {
		return err
	}
	off := blockno * int64(d.blocksize)
	copy(d.data[off:off+int64(d.blocksize)], buf)
	return nil
}

// FileDevice wraps an *os.File opened O_RDWR. Block size is supplied
// explicitly rather than probed with the BLKBSZGET/BLKGETSIZE64 ioctls,
// which are Linux-specific and would not work against a plain regular
// file used as a disk image; block count is derived from the file's size.
type FileDevice struct {
	f         *os.File
	blocksize int
	nblocks   int64
}

// OpenFileDevice opens path O_RDWR and computes the block count from its
// current size.
func OpenFileDevice(path string, blocksize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device: seek %s: %w", path, err)
	}
	return &FileDevice{f: f, blocksize: blocksize, nblocks: size / int64(blocksize)}, nil
}

// CreateFileDevice creates (or truncates) path to exactly nblocks*blocksize
// bytes and opens it for read/write, used by mkfscandyfs when formatting a
// plain file as a disk image.
func CreateFileDevice(path string, nblocks int64, blocksize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("device: create %s: %w", path, err)
	}
	if err := f.Truncate(nblocks * int64(blocksize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("device: truncate %s: %w", path, err)
	}
	return &FileDevice{f: f, blocksize: blocksize, nblocks: nblocks}, nil
}

func (d *FileDevice) BlockSize() int    { return d.blocksize }
func (d *FileDevice) BlockCount() int64 { return d.nblocks }
func (d *FileDevice) Close() error      { return d.f.Close() }

func (d *FileDevice) ReadBlock(blockno int64, buf []byte) error {
	if err := checkBounds(d, blockno, buf); err != nil {
		return err
	}
	n, err := d.f.ReadAt(buf, blockno*int64(d.blocksize))
	if err != nil && err != io.EOF {
		return fmt.Errorf("device: read block %d: %w", blockno, err)
	}
	if n != d.blocksize {
		return fmt.Errorf("device: short read of block %d (%d of %d bytes)", blockno, n, d.blocksize)
	}
	return nil
}

func (d *FileDevice) WriteBlock(blockno int64, buf []byte) error {
	if err := checkBounds(d, blockno, buf); err != nil {
		return err
	}
	n, err := d.f.WriteAt(buf, blockno*int64(d.blocksize))
	if err != nil {
		return fmt.Errorf("device: write block %d: %w", blockno, err)
	}
	if n != d.blocksize {
		return fmt.Errorf("device: short write of block %d (%d of %d bytes)", blockno, n, d.blocksize)
	}
	return nil
}
