package pipeline

import (
	"io"
	"os"
)

const copyBufferSize = 1 << 20

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	return io.CopyBuffer(dst, src, make([]byte, copyBufferSize))
}

// uploadReader feeds an artifact to a provider. It seeks so SDK retries can
// rewind, and reports progress only past the furthest offset read so far.
type uploadReader struct {
	f      *os.File
	cp     *checkpoint
	report func(n int64)

	pos  int64
	high int64
}

func (u *uploadReader) Read(p []byte) (int, error) {
	n, err := u.f.Read(p)
	if n > 0 {
		u.pos += int64(n)
		if u.pos > u.high {
			u.report(u.pos - u.high)
			u.high = u.pos
		}
		if cerr := u.cp.add(n); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}

func (u *uploadReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := u.f.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	u.pos = pos
	return pos, nil
}
