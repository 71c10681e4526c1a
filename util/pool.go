package util

import "sync"

// DefaultBufSize is the read size used when draining a remote shell
// channel (32 KiB).
const DefaultBufSize = 32 * 1024

// BufPool provides reusable read buffers for channel pumps, so that
// many concurrent sessions do not each hold a private 32 KiB slab.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	BufPool.Put(buf)
}
