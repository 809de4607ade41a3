// Raw Ethernet transport over an AF_PACKET socket
package netio

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/omnixtend/oxhost/internal/cfg"
)

// ErrInterfaceNotFound is returned when the named interface does not exist.
var ErrInterfaceNotFound = errors.New("interface not found")

// readBufSize fits a jumbo frame with headroom.
const readBufSize = cfg.FrameMax + 256

// RawSocket sends and receives L2 frames on one interface. Reads carry a
// timeout so the host's RX worker can observe shutdown.
type RawSocket struct {
	fd      int
	ifindex int
	mac     net.HardwareAddr
	log     *zap.Logger
}

// Open binds an AF_PACKET socket to the named interface.
func Open(ifname string, log *zap.Logger) (*RawSocket, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, ifname)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("raw socket: %w", err)
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", ifname, err)
	}

	tv := unix.NsecToTimeval(int64(1e9)) // 1s read timeout
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	mac := iface.HardwareAddr
	if len(mac) == 0 {
		mac = net.HardwareAddr{0, 0, 0, 0, 0, 1}
	}

	log.Info("raw socket open",
		zap.String("interface", ifname),
		zap.String("mac", mac.String()))

	return &RawSocket{fd: fd, ifindex: iface.Index, mac: mac, log: log}, nil
}

// ReadFrame blocks for the next frame or the read timeout.
func (s *RawSocket) ReadFrame() ([]byte, error) {
	buf := make([]byte, readBufSize)
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WriteFrame puts one frame on the wire.
func (s *RawSocket) WriteFrame(frame []byte) error {
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  s.ifindex,
		Halen:    6,
	}
	copy(sll.Addr[:], frame[0:6])
	return unix.Sendto(s.fd, frame, 0, sll)
}

// MAC returns the interface hardware address.
func (s *RawSocket) MAC() net.HardwareAddr {
	return s.mac
}

// OverrideMAC replaces the address used in outgoing frames. Useful when
// the endpoint filters on a configured host MAC instead of the NIC's.
func (s *RawSocket) OverrideMAC(mac net.HardwareAddr) {
	s.mac = append(net.HardwareAddr(nil), mac...)
}

// Close releases the socket.
func (s *RawSocket) Close() error {
	return unix.Close(s.fd)
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
