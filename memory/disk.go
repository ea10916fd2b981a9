package memory

import "fmt"

// Disk is a block device kept in memory.
type Disk struct {
	storage   *Storage
	blockSize int
	numBlocks uint64
}

// NewDisk creates an in-memory disk with numBlocks blocks of blockSize bytes.
func NewDisk(blockSize int, numBlocks uint64) *Disk {
	return &Disk{
		storage: NewStorageWithUnitSize(
			uint64(blockSize)*numBlocks, uint64(blockSize)),
		blockSize: blockSize,
		numBlocks: numBlocks,
	}
}

// BlockSize returns the number of bytes in a block.
func (d *Disk) BlockSize() int {
	return d.blockSize
}

// NumBlocks returns the number of blocks on the disk.
func (d *Disk) NumBlocks() uint64 {
	return d.numBlocks
}

// ReadBlock copies block idx into buf.
func (d *Disk) ReadBlock(idx uint64, buf []byte) error {
	if err := d.checkAccess(idx, buf); err != nil {
		return err
	}

	data, err := d.storage.Read(idx*uint64(d.blockSize), uint64(d.blockSize))
	if err != nil {
		return err
	}

	copy(buf, data)

	return nil
}

// WriteBlock stores buf as block idx.
func (d *Disk) WriteBlock(idx uint64, buf []byte) error {
	if err := d.checkAccess(idx, buf); err != nil {
		return err
	}

	return d.storage.Write(idx*uint64(d.blockSize), buf)
}

func (d *Disk) checkAccess(idx uint64, buf []byte) error {
	if idx >= d.numBlocks {
		return fmt.Errorf("block %d: %w", idx, ErrOutOfCapacity)
	}

	if len(buf) != d.blockSize {
		return fmt.Errorf("buffer of %d bytes, block size is %d",
			len(buf), d.blockSize)
	}

	return nil
}
