// Bulk memory copy between a local file and endpoint memory
package bulk

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/omnixtend/oxhost/internal/cfg"
)

// Performer is the slice of the peer API the copier needs. Satisfied by
// *session.Peer.
type Performer interface {
	ReadLen(addr uint64, lenBytes int) ([]byte, error)
	WriteLen(addr uint64, data []byte) error
	WritePartial(addr uint64, data []byte) error
}

// MapFile maps path read-only; the returned cleanup unmaps and closes.
func MapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open file %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("could not mmap file %s: %w", path, err)
	}
	cleanup := func() error {
		if err := unix.Munmap(mem); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return mem, cleanup, nil
}

// Copier fans chunked transfers across a bounded worker pool. Chunks whose
// size is a power of two go out as full writes, any other chunk (only the
// tail can be one) as a partial write.
type Copier struct {
	ChunkSize int
	Workers   int
	Log       *zap.Logger
}

func NewCopier(log *zap.Logger) *Copier {
	return &Copier{
		ChunkSize: cfg.BulkChunkSize,
		Workers:   8,
		Log:       log,
	}
}

type chunk struct {
	addr uint64
	off  int
	len  int
}

func (c *Copier) chunks(base uint64, total int) []chunk {
	var out []chunk
	for off := 0; off < total; off += c.ChunkSize {
		n := c.ChunkSize
		if off+n > total {
			n = total - off
		}
		out = append(out, chunk{addr: base + uint64(off), off: off, len: n})
	}
	return out
}

func (c *Copier) run(chunks []chunk, cancel <-chan struct{}, f func(chunk)) {
	work := make(chan chunk)
	var wg sync.WaitGroup
	for i := 0; i < c.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ch := range work {
				f(ch)
			}
		}()
	}
	for _, ch := range chunks {
		select {
		case <-cancel:
			close(work)
			wg.Wait()
			return
		case work <- ch:
		}
	}
	close(work)
	wg.Wait()
}

// WriteMem copies data to endpoint memory starting at base.
func (c *Copier) WriteMem(p Performer, base uint64, data []byte, cancel <-chan struct{}) {
	c.run(c.chunks(base, len(data)), cancel, func(ch chunk) {
		d := data[ch.off : ch.off+ch.len]
		var err error
		if ch.len&(ch.len-1) == 0 {
			err = p.WriteLen(ch.addr, d)
		} else {
			err = p.WritePartial(ch.addr, d)
		}
		if err != nil {
			c.Log.Error("failed write", zap.Uint64("addr", ch.addr), zap.Error(err))
		}
	})
}

// ReadMem copies size bytes of endpoint memory starting at base into a
// fresh buffer.
func (c *Copier) ReadMem(p Performer, base uint64, size int, cancel <-chan struct{}) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}
	c.run(c.chunks(base, size), cancel, func(ch chunk) {
		read, err := p.ReadLen(ch.addr, c.ChunkSize)
		if err != nil {
			c.Log.Error("failed fetching data", zap.Uint64("addr", ch.addr), zap.Error(err))
			return
		}
		copy(buf[ch.off:ch.off+ch.len], read)
	})
	return buf
}
