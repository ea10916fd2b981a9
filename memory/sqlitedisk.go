package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
)

// SQLiteDisk is a block device whose blocks are rows of a SQLite table.
// Blocks that were never written read as zeros.
type SQLiteDisk struct {
	*sql.DB

	blockSize int
	numBlocks uint64
}

// NewSQLiteDisk creates a disk stored in path.sqlite3. An empty path picks a
// unique name.
func NewSQLiteDisk(
	path string,
	blockSize int,
	numBlocks uint64,
) (*SQLiteDisk, error) {
	if path == "" {
		path = "akitavm_disk_" + xid.New().String()
	}

	filename := path + ".sqlite3"

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(os.Stderr, "Disk image: %s\n", filename)

	return NewSQLiteDiskWithDB(db, blockSize, numBlocks)
}

// NewSQLiteDiskWithDB creates a disk on an opened database.
func NewSQLiteDiskWithDB(
	db *sql.DB,
	blockSize int,
	numBlocks uint64,
) (*SQLiteDisk, error) {
	db.SetMaxOpenConns(1)

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS blocks (
	idx INTEGER PRIMARY KEY,
	data BLOB NOT NULL
);`)
	if err != nil {
		return nil, err
	}

	d := &SQLiteDisk{
		DB:        db,
		blockSize: blockSize,
		numBlocks: numBlocks,
	}

	return d, nil
}

// BlockSize returns the number of bytes in a block.
func (d *SQLiteDisk) BlockSize() int {
	return d.blockSize
}

// NumBlocks returns the number of blocks on the disk.
func (d *SQLiteDisk) NumBlocks() uint64 {
	return d.numBlocks
}

// ReadBlock copies block idx into buf.
func (d *SQLiteDisk) ReadBlock(idx uint64, buf []byte) error {
	if err := d.checkAccess(idx, buf); err != nil {
		return err
	}

	var data []byte

	err := d.QueryRow("SELECT data FROM blocks WHERE idx = ?", int64(idx)).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		clear(buf)
		return nil
	}

	if err != nil {
		return err
	}

	n := copy(buf, data)
	clear(buf[n:])

	return nil
}

// WriteBlock stores buf as block idx.
func (d *SQLiteDisk) WriteBlock(idx uint64, buf []byte) error {
	if err := d.checkAccess(idx, buf); err != nil {
		return err
	}

	_, err := d.Exec(
		"INSERT OR REPLACE INTO blocks (idx, data) VALUES (?, ?)",
		int64(idx), buf)

	return err
}

func (d *SQLiteDisk) checkAccess(idx uint64, buf []byte) error {
	if idx >= d.numBlocks {
		return fmt.Errorf("block %d: %w", idx, ErrOutOfCapacity)
	}

	if len(buf) != d.blockSize {
		return fmt.Errorf("buffer of %d bytes, block size is %d",
			len(buf), d.blockSize)
	}

	return nil
}
