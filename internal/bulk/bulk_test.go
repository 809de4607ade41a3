package bulk

import (
	"encoding/binary"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingPeer captures which transfer type each chunk used and serves
// reads from a flat buffer.
type recordingPeer struct {
	mu       sync.Mutex
	full     map[uint64][]byte
	partial  map[uint64][]byte
	backing  []byte
	readSize int
}

func newRecordingPeer(backing []byte) *recordingPeer {
	return &recordingPeer{
		full:    make(map[uint64][]byte),
		partial: make(map[uint64][]byte),
		backing: backing,
	}
}

func (p *recordingPeer) ReadLen(addr uint64, lenBytes int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readSize = lenBytes
	out := make([]byte, lenBytes)
	if int(addr) < len(p.backing) {
		copy(out, p.backing[addr:])
	}
	return out, nil
}

func (p *recordingPeer) WriteLen(addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.full[addr] = append([]byte(nil), data...)
	return nil
}

func (p *recordingPeer) WritePartial(addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partial[addr] = append([]byte(nil), data...)
	return nil
}

func TestWriteMemSplitsChunks(t *testing.T) {
	peer := newRecordingPeer(nil)
	c := NewCopier(zap.NewNop())
	c.ChunkSize = 1024

	// 2.5 chunks: the 512 byte tail is still a power of two.
	data := make([]byte, 2*1024+512)
	for i := range data {
		data[i] = byte(i)
	}
	c.WriteMem(peer, 0x1000, data, nil)

	assert.Len(t, peer.full, 3, "1024 byte chunks and the 512 byte tail are powers of two")
	assert.Len(t, peer.partial, 0)

	// An odd tail goes out as a partial write.
	peer = newRecordingPeer(nil)
	c.WriteMem(peer, 0, make([]byte, 1024+100), nil)
	assert.Len(t, peer.full, 1)
	require.Len(t, peer.partial, 1)
	assert.Len(t, peer.partial[1024], 100)
}

func TestWriteMemAddressesAreChunkAligned(t *testing.T) {
	peer := newRecordingPeer(nil)
	c := NewCopier(zap.NewNop())
	c.ChunkSize = 256

	c.WriteMem(peer, 0x4000, make([]byte, 512), nil)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	assert.Contains(t, peer.full, uint64(0x4000))
	assert.Contains(t, peer.full, uint64(0x4100))
}

func TestReadMemReassembles(t *testing.T) {
	backing := make([]byte, 4096)
	for i := 0; i < len(backing); i += 8 {
		binary.LittleEndian.PutUint64(backing[i:], uint64(i))
	}
	peer := newRecordingPeer(backing)
	c := NewCopier(zap.NewNop())
	c.ChunkSize = 1024

	got := c.ReadMem(peer, 0, 4096, nil)
	assert.Equal(t, backing, got)
}

func TestReadMemHonorsCancel(t *testing.T) {
	peer := newRecordingPeer(make([]byte, 1<<20))
	c := NewCopier(zap.NewNop())
	cancel := make(chan struct{})
	close(cancel)

	// A cancelled copy returns without touching every chunk.
	got := c.ReadMem(peer, 0, 1<<20, cancel)
	assert.Len(t, got, 1<<20)
}

func TestMapFileRoundTrip(t *testing.T) {
	path := t.TempDir() + "/blob"
	content := []byte("omnixtend bulk payload")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	data, cleanup, err := MapFile(path)
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, content, data)
}

func TestMapFileMissing(t *testing.T) {
	_, _, err := MapFile("/does/not/exist")
	assert.Error(t, err)
}
