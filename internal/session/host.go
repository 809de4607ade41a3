// Session host: frame transport on one side, peers on the other, with RX,
// TX and tick workers in between.
package session

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/omnixtend/oxhost/internal/cfg"
	"github.com/omnixtend/oxhost/internal/metrics"
	"github.com/omnixtend/oxhost/internal/ox"
)

// FrameIO is the raw Ethernet collaborator. ReadFrame blocks until a frame
// or an error arrives; implementations return timeouts as errors the host
// treats as empty reads.
type FrameIO interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	MAC() net.HardwareAddr
	Close() error
}

// HostConfig carries host-wide options.
type HostConfig struct {
	Compat bool
	Log    *zap.Logger
}

// Host owns the transport and the peer set and runs the worker loops.
type Host struct {
	io     FrameIO
	compat bool
	log    *zap.Logger
	sid    string

	mu      sync.RWMutex
	peers   map[string]*Peer
	peerCnt uint8

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHost(io FrameIO, c HostConfig) *Host {
	sid := xid.New().String()
	return &Host{
		io:     io,
		compat: c.Compat,
		log:    c.Log.With(zap.String("session", sid)),
		sid:    sid,
		peers:  make(map[string]*Peer),
		done:   make(chan struct{}),
	}
}

// MAC returns the local hardware address.
func (h *Host) MAC() net.HardwareAddr {
	return h.io.MAC()
}

// Connect brings up a peer for the given MAC with the default address
// window. Connecting an already known MAC returns the existing peer.
func (h *Host) Connect(mac net.HardwareAddr) *Peer {
	return h.ConnectWindow(mac, 0, cfg.DefaultPeerWindow)
}

// ConnectWindow brings up a peer serving [base, base+size).
func (h *Host) ConnectWindow(mac net.HardwareAddr, base, size uint64) *Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[mac.String()]; ok {
		return p
	}
	p := NewPeer(PeerConfig{
		ID:       h.peerCnt,
		MyMAC:    h.io.MAC(),
		OtherMAC: mac,
		BaseAddr: base,
		Size:     size,
		Compat:   h.compat,
		Log:      h.log.With(zap.String("peer", mac.String())),
	})
	h.peerCnt++
	h.peers[mac.String()] = p
	metrics.PeersActive.Inc()
	h.log.Info("connection created", zap.String("mac", mac.String()))
	return p
}

// Disconnect winds down the peer for mac and removes it. The peer stays
// registered while the close handshake runs so the RX and tick workers
// keep serving it.
func (h *Host) Disconnect(mac net.HardwareAddr) {
	h.mu.RLock()
	p := h.peers[mac.String()]
	h.mu.RUnlock()
	if p == nil {
		return
	}
	p.Disconnect()
	h.mu.Lock()
	delete(h.peers, mac.String())
	h.mu.Unlock()
}

// Peer returns the peer registered for mac, nil when unknown.
func (h *Host) Peer(mac net.HardwareAddr) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[mac.String()]
}

// PeerFor returns the peer whose address window covers addr.
func (h *Host) PeerFor(addr uint64) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		if p.DealsWith(addr) {
			return p
		}
	}
	return nil
}

// Peers snapshots the current peer set.
func (h *Host) Peers() []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// Run starts the RX, TX and tick workers.
func (h *Host) Run() {
	h.wg.Add(3)
	go h.rxLoop()
	go h.txLoop()
	go h.tickLoop()
}

// rxLoop pulls frames off the wire, filters them and hands them to the
// owning peer.
func (h *Host) rxLoop() {
	defer h.wg.Done()
	myMAC := h.io.MAC()
	for {
		select {
		case <-h.done:
			h.log.Info("RX worker done")
			return
		default:
		}

		frame, err := h.io.ReadFrame()
		if err != nil || len(frame) < cfg.EthHeaderSize {
			continue
		}

		etherType := binary.BigEndian.Uint16(frame[12:14])
		if etherType != cfg.EtherTypeOX || !macEqual(frame[0:6], myMAC) {
			metrics.FramesDropped.Inc()
			continue
		}

		src := net.HardwareAddr(frame[6:12])
		p := h.Peer(src)
		if p == nil {
			h.log.Info("possibly stale connection", zap.String("mac", src.String()))
			metrics.FramesDropped.Inc()
			continue
		}
		metrics.FramesIn.Inc()
		p.ProcessFrame(frame)
	}
}

// txLoop drains prepared frames to the wire with an adaptive idle sleep.
func (h *Host) txLoop() {
	defer h.wg.Done()
	sleep := 10 * time.Microsecond
	const maxSleep = 100 * time.Microsecond
	for {
		select {
		case <-h.done:
			h.log.Info("TX worker done")
			return
		default:
		}

		workDone := false
		for _, p := range h.Peers() {
			for {
				frame := p.NextFrame()
				if frame == nil {
					break
				}
				if err := h.io.WriteFrame(frame); err != nil {
					h.log.Error("frame transmit failed", zap.Error(err))
					break
				}
				metrics.FramesOut.Inc()
				workDone = true
			}
		}

		if workDone {
			sleep = 10 * time.Microsecond
		} else if sleep < maxSleep {
			sleep += 10 * time.Microsecond
		}
		time.Sleep(sleep)
	}
}

// tickLoop drives every peer's tick engine. Peers that reached Idle stay
// registered until Disconnect removes them.
func (h *Host) tickLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			h.log.Info("tick worker done")
			return
		default:
		}

		for _, p := range h.Peers() {
			p.Tick()
		}
		time.Sleep(cfg.TickCycle)
	}
}

// Shutdown disconnects every peer, waits for all of them to reach Idle and
// stops the workers.
func (h *Host) Shutdown() {
	for _, p := range h.Peers() {
		if p.State() != ox.StateIdle {
			p.Disconnect()
		}
	}

	deadline := time.Now().Add(2 * cfg.CloseTimeout)
	for time.Now().Before(deadline) {
		idle := true
		for _, p := range h.Peers() {
			if p.State() != ox.StateIdle {
				idle = false
				break
			}
		}
		if idle {
			break
		}
		time.Sleep(time.Millisecond)
	}

	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()
	if err := h.io.Close(); err != nil {
		h.log.Error("closing transport failed", zap.Error(err))
	}
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
