// Register access through a UIO-mapped window
package regs

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// UIO maps the register window exported by the endpoint's kernel driver
// and exposes it as an Accessor. Reads and writes go through the mapping
// one 64 bit word at a time.
type UIO struct {
	f   *os.File
	mem []byte
}

// OpenUIO maps size bytes of the given device node.
func OpenUIO(path string, size int) (*UIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &UIO{f: f, mem: mem}, nil
}

func (u *UIO) Read(idx uint64) (uint64, error) {
	off := idx * 8
	if off+8 > uint64(len(u.mem)) {
		return 0, fmt.Errorf("register %d outside mapped window", idx)
	}
	return binary.LittleEndian.Uint64(u.mem[off : off+8]), nil
}

func (u *UIO) Write(idx uint64, v uint64) error {
	off := idx * 8
	if off+8 > uint64(len(u.mem)) {
		return fmt.Errorf("register %d outside mapped window", idx)
	}
	binary.LittleEndian.PutUint64(u.mem[off:off+8], v)
	return nil
}

// read32 and write32 access the 32 bit configuration words of the SFP
// controller at raw byte offsets.
func (u *UIO) read32(off uint64) (uint32, error) {
	if off+4 > uint64(len(u.mem)) {
		return 0, fmt.Errorf("offset 0x%x outside mapped window", off)
	}
	return binary.LittleEndian.Uint32(u.mem[off : off+4]), nil
}

func (u *UIO) write32(off uint64, v uint32) error {
	if off+4 > uint64(len(u.mem)) {
		return fmt.Errorf("offset 0x%x outside mapped window", off)
	}
	binary.LittleEndian.PutUint32(u.mem[off:off+4], v)
	return nil
}

// Close unmaps the window.
func (u *UIO) Close() error {
	if err := unix.Munmap(u.mem); err != nil {
		u.f.Close()
		return err
	}
	return u.f.Close()
}

// EnableJumbo sets the jumbo bit in the receiver and transmitter
// configuration words of the SFP network controller window and returns the
// statistics block for display.
func EnableJumbo(u *UIO) ([]Register, error) {
	const (
		rxConfigOff = 0x404
		txConfigOff = 0x408
		jumboBit    = 1 << 30
		statsStart  = 0x200
		statsEnd    = 0x30C
	)

	for _, off := range []uint64{rxConfigOff, txConfigOff} {
		v, err := u.read32(off)
		if err != nil {
			return nil, err
		}
		if err := u.write32(off, v|jumboBit); err != nil {
			return nil, err
		}
	}

	var stats []Register
	for off := uint64(statsStart); off < statsEnd; off += 4 {
		v, err := u.read32(off)
		if err != nil {
			return nil, err
		}
		stats = append(stats, Register{Name: fmt.Sprintf("0x%x", off), Value: uint64(v)})
	}
	return stats, nil
}
