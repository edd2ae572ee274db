package engine

import (
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"sync"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumMismatchError reports a target whose content differs from the
// bytes read from the source.
type ChecksumMismatchError struct {
	Path   string
	Source uint64
	Target uint64
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: target %016x, source %016x", e.Path, e.Target, e.Source)
}

// ChecksumReader computes the CRC64 (ISO) of everything read through it.
type ChecksumReader struct {
	src  io.Reader
	h    hash.Hash64
	read int64
}

func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{src: r, h: crc64.New(crcTable)}
}

func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.src.Read(p)
	if n > 0 {
		cr.h.Write(p[:n])
		cr.read += int64(n)
	}
	return n, err
}

// Sum is the checksum of the bytes read so far.
func (cr *ChecksumReader) Sum() uint64 {
	return cr.h.Sum64()
}

// Len is the number of bytes read so far.
func (cr *ChecksumReader) Len() int64 {
	return cr.read
}

// ChecksumPool recycles hashers for read-back verification.
type ChecksumPool struct {
	pool sync.Pool
}

func NewChecksumPool() *ChecksumPool {
	cp := &ChecksumPool{}
	cp.pool.New = func() any { return crc64.New(crcTable) }
	return cp
}

// Sum streams r through a pooled hasher using buf and returns the checksum
// and the number of bytes read.
func (cp *ChecksumPool) Sum(r io.Reader, buf []byte) (uint64, int64, error) {
	h := cp.pool.Get().(hash.Hash64)
	defer func() {
		h.Reset()
		cp.pool.Put(h)
	}()

	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return 0, n, err
	}
	return h.Sum64(), n, nil
}
