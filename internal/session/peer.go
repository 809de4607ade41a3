// One peer: connection, cache, dispatcher and tick wired together
package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omnixtend/oxhost/internal/cfg"
	"github.com/omnixtend/oxhost/internal/metrics"
	"github.com/omnixtend/oxhost/internal/ox"
)

// ErrNotActive rejects application operations before the handshake is done.
var ErrNotActive = errors.New("connection is not active")

// PeerConfig describes a peer before it is brought up.
type PeerConfig struct {
	ID       uint8
	MyMAC    net.HardwareAddr
	OtherMAC net.HardwareAddr
	BaseAddr uint64
	Size     uint64
	Compat   bool
	Log      *zap.Logger
}

// Peer bundles the per-peer trio plus its tick state. The tick engine,
// dispatcher and cache reference each other only through the arguments of
// each call, never through back-pointers.
type Peer struct {
	Conn  *ox.Connection
	Cache *ox.Cache
	Ops   *ox.Operations

	baseAddr uint64
	size     uint64

	tickMu      sync.Mutex
	tick        *ox.Tick
	seenNaks    uint64
	seenResends uint64

	log *zap.Logger
}

// NewPeer builds the trio and starts the handshake.
func NewPeer(c PeerConfig) *Peer {
	p := &Peer{
		Conn:     ox.NewConnection(c.Compat, c.ID, c.MyMAC, c.OtherMAC, c.Log),
		Cache:    ox.NewCache(c.ID, c.Log),
		Ops:      ox.NewOperations(c.Log),
		baseAddr: c.BaseAddr,
		size:     c.Size,
		tick: ox.NewTick(
			cfg.AckOnlyTimeout,
			cfg.ResendTimeout,
			cfg.TickCycle,
			cfg.Heartbeat,
		),
		log: c.Log,
	}
	p.Conn.Establish()
	return p
}

// Tick drives one cycle of the peer's tick engine and forwards the NAK and
// resend counters into the instrumentation.
func (p *Peer) Tick() {
	p.tickMu.Lock()
	p.tick.Tick(p.Ops, p.Conn, p.Cache)
	if naks := p.Conn.NakCount(); naks > p.seenNaks {
		metrics.NaksSent.Add(float64(naks - p.seenNaks))
		p.seenNaks = naks
	}
	if resends := p.Conn.ResendCount(); resends > p.seenResends {
		metrics.Resends.Add(float64(resends - p.seenResends))
		p.seenResends = resends
	}
	p.tickMu.Unlock()
}

// ProcessFrame feeds one inbound frame through the connection and fans the
// decoded flits out to credits, probe queue and completion slots.
func (p *Peer) ProcessFrame(frame []byte) {
	payload, err := p.Conn.Process(frame)
	if err != nil {
		p.log.Debug("parsing packet failed", zap.Error(err))
		return
	}
	if len(payload) == 0 {
		return
	}

	credits, probes, responses, err := ox.ProcessMessages(payload)
	if err != nil {
		p.log.Debug("demultiplexing payload failed", zap.Error(err))
	}
	for _, c := range credits {
		p.Conn.AddReceiveCredits(c.Chan, c.Amount)
	}
	for _, probe := range probes {
		p.Cache.AddProbe(probe)
	}
	for _, r := range responses {
		p.Ops.Complete(r.Source, r.Sink, r.Data, r.Err)
	}
}

// NextFrame pulls the next frame for the transmitter, nil if none.
func (p *Peer) NextFrame() []byte {
	return p.Conn.NextFrame()
}

// State returns the connection state.
func (p *Peer) State() ox.ConnectionState {
	return p.Conn.State()
}

// DealsWith reports whether addr falls into this peer's address window.
func (p *Peer) DealsWith(addr uint64) bool {
	return addr >= p.baseAddr && addr < p.baseAddr+p.size
}

func (p *Peer) rejectInactive() error {
	if !p.Conn.IsActive() {
		return ErrNotActive
	}
	return nil
}

// Read64 performs an uncached 64 bit read.
func (p *Peer) Read64(addr uint64) (uint64, error) {
	if err := p.rejectInactive(); err != nil {
		return 0, err
	}
	res, err := p.Ops.Perform(ox.ReadOp{Address: addr - p.baseAddr}, p.Conn.Credits())
	if err != nil {
		return 0, err
	}
	if res.Kind != ox.ResultData64 {
		return 0, ox.ErrWrongResultType
	}
	return res.Data64, nil
}

// Write64 performs an uncached 64 bit write.
func (p *Peer) Write64(addr, data uint64) error {
	if err := p.rejectInactive(); err != nil {
		return err
	}
	_, err := p.Ops.Perform(ox.WriteOp{Address: addr - p.baseAddr, Data: data}, p.Conn.Credits())
	return err
}

// ReadLen performs an uncached power of two sized read.
func (p *Peer) ReadLen(addr uint64, lenBytes int) ([]byte, error) {
	if err := p.rejectInactive(); err != nil {
		return nil, err
	}
	res, err := p.Ops.Perform(ox.ReadLenOp{Address: addr - p.baseAddr, LenBytes: lenBytes}, p.Conn.Credits())
	if err != nil {
		return nil, err
	}
	if res.Kind != ox.ResultData {
		return nil, ox.ErrWrongResultType
	}
	return res.Data, nil
}

// WriteLen performs an uncached power of two sized write.
func (p *Peer) WriteLen(addr uint64, data []byte) error {
	if err := p.rejectInactive(); err != nil {
		return err
	}
	_, err := p.Ops.Perform(ox.WriteLenOp{Address: addr - p.baseAddr, Data: data}, p.Conn.Credits())
	return err
}

// WritePartial performs an uncached masked write of arbitrary length.
func (p *Peer) WritePartial(addr uint64, data []byte) error {
	if err := p.rejectInactive(); err != nil {
		return err
	}
	_, err := p.Ops.Perform(ox.WritePartialOp{Address: addr - p.baseAddr, Data: data}, p.Conn.Credits())
	return err
}

// CacheRead reads through the coherent cache.
func (p *Peer) CacheRead(addr uint64) (uint64, error) {
	if err := p.rejectInactive(); err != nil {
		return 0, err
	}
	return p.Cache.Read(p.Ops, p.Conn.Credits(), addr-p.baseAddr)
}

// CacheWrite writes through the coherent cache.
func (p *Peer) CacheWrite(addr, data uint64) error {
	if err := p.rejectInactive(); err != nil {
		return err
	}
	return p.Cache.Write(p.Ops, p.Conn.Credits(), addr-p.baseAddr, data)
}

// CacheRMW applies f to the cached word and returns the new value.
func (p *Peer) CacheRMW(addr uint64, f func(*uint64)) (uint64, error) {
	if err := p.rejectInactive(); err != nil {
		return 0, err
	}
	return p.Cache.RMW(p.Ops, p.Conn.Credits(), addr-p.baseAddr, f)
}

// CacheRelease releases a single line.
func (p *Peer) CacheRelease(addr uint64) error {
	if err := p.rejectInactive(); err != nil {
		return err
	}
	return p.Cache.Release(p.Ops, p.Conn.Credits(), addr-p.baseAddr)
}

// CacheReleaseAll releases every line held for this peer.
func (p *Peer) CacheReleaseAll() error {
	if err := p.rejectInactive(); err != nil {
		return err
	}
	return p.Cache.ReleaseAll(p.Ops, p.Conn.Credits())
}

// CacheOverview snapshots the cache for displays.
func (p *Peer) CacheOverview() []ox.LineStatus {
	return p.Cache.Overview()
}

// StatusView is the per-peer summary the TUI renders.
type StatusView struct {
	MAC         net.HardwareAddr
	BaseAddr    uint64
	Size        uint64
	State       ox.ConnectionState
	Outstanding int
	ox.Status
}

// StatusView snapshots the peer for displays.
func (p *Peer) StatusView() StatusView {
	return StatusView{
		MAC:         p.Conn.OtherMAC(),
		BaseAddr:    p.baseAddr,
		Size:        p.size,
		State:       p.Conn.State(),
		Outstanding: p.Ops.NumOutstanding(),
		Status:      p.Conn.Status(),
	}
}

// Disconnect flushes the cache and runs the close handshake. The
// dispatcher is torn down afterwards so blocked callers wake up.
func (p *Peer) Disconnect() {
	p.log.Debug("clearing cache")
	if err := p.CacheReleaseAll(); err != nil {
		p.log.Error("could not clear cache", zap.Error(err))
	}
	p.log.Debug("closing connection")
	if err := p.Conn.Close(cfg.CloseTimeout); err != nil {
		p.log.Error("could not close connection", zap.Error(err))
	}
	p.Ops.Close()
	metrics.PeersActive.Dec()
}

// WaitActive blocks until the handshake finished or the timeout expired.
func (p *Peer) WaitActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !p.Conn.IsActive() {
		if timeout > 0 && time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	return true
}
