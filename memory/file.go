package memory

import (
	"errors"
	"io"
	"sync"
)

// File is an in-memory file. It grows when written past its end.
type File struct {
	lock sync.RWMutex
	data []byte
}

// NewFile creates a file with the given content.
func NewFile(content []byte) *File {
	data := make([]byte, len(content))
	copy(data, content)

	return &File{data: data}
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}

	f.lock.RLock()
	defer f.lock.RUnlock()

	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}

	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	end := int(off) + len(p)
	if end > len(f.data) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}

	copy(f.data[off:], p)

	return len(p), nil
}

// Size returns the length of the file.
func (f *File) Size() int64 {
	f.lock.RLock()
	defer f.lock.RUnlock()

	return int64(len(f.data))
}

// Bytes returns a copy of the content of the file.
func (f *File) Bytes() []byte {
	f.lock.RLock()
	defer f.lock.RUnlock()

	data := make([]byte, len(f.data))
	copy(data, f.data)

	return data
}
