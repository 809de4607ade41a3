// Client for the endpoint's status and control register file
package regs

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
)

// Accessor is the kernel-driver collaborator giving indexed access to the
// 64 bit register window of the endpoint.
type Accessor interface {
	Read(idx uint64) (uint64, error)
	Write(idx uint64, v uint64) error
}

// Register is one named entry of the register file.
type Register struct {
	Name  string
	Value uint64
}

// Client speaks the register-file layout: register 0 holds the count,
// registers 1..N the 8 byte ASCII names and registers N+1..2N the values.
type Client struct {
	acc Accessor
}

func NewClient(acc Accessor) *Client {
	return &Client{acc: acc}
}

// Registers enumerates the register file.
func (c *Client) Registers() ([]Register, error) {
	count, err := c.acc.Read(0)
	if err != nil {
		return nil, fmt.Errorf("register count: %w", err)
	}

	regs := make([]Register, count)
	for i := uint64(0); i < count; i++ {
		nameBits, err := c.acc.Read(1 + i)
		if err != nil {
			return nil, fmt.Errorf("register name %d: %w", i, err)
		}
		var name [8]byte
		binary.BigEndian.PutUint64(name[:], nameBits)
		regs[i].Name = string(name[:])
	}
	for i := uint64(0); i < count; i++ {
		v, err := c.acc.Read(1 + count + i)
		if err != nil {
			return nil, fmt.Errorf("register value %d: %w", i, err)
		}
		regs[i].Value = v
	}
	return regs, nil
}

// WriteNamed resolves name against the register file and writes value.
func (c *Client) WriteNamed(name string, value uint64) error {
	regs, err := c.Registers()
	if err != nil {
		return err
	}
	for i, r := range regs {
		if r.Name == name {
			return c.acc.Write(1+uint64(len(regs))+uint64(i), value)
		}
	}
	return &NotFoundError{Name: name}
}

// SetMAC programs the endpoint MAC register: 16 bit pad followed by the 48
// bit address.
func (c *Client) SetMAC(mac net.HardwareAddr) error {
	var buf [8]byte
	copy(buf[2:], mac)
	return c.WriteNamed("ENDP MAC", binary.BigEndian.Uint64(buf[:]))
}

// ActiveConnections lists the RECV STn registers whose state is not idle.
// State 1 is the endpoint's idle encoding.
func (c *Client) ActiveConnections() ([]Register, error) {
	regs, err := c.Registers()
	if err != nil {
		return nil, err
	}
	var active []Register
	for _, r := range regs {
		if strings.HasPrefix(r.Name, "RECV ST") && r.Value != 1 {
			active = append(active, r)
		}
	}
	return active, nil
}

// ResetConnection forces connection slot n back to idle via RECV RST.
func (c *Client) ResetConnection(n uint64) error {
	regs, err := c.Registers()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("RECV ST%d", n)
	for _, r := range regs {
		if r.Name == name {
			return c.WriteNamed("RECV RST", 1<<31|n)
		}
	}
	return &NotFoundError{Name: name}
}

// NotFoundError reports a register name the endpoint does not expose.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("register %q not found", e.Name)
}
