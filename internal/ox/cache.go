// Coherent client cache: per-address permissions, probe handling and
// voluntary release.
package ox

import (
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Entry is a single cache line keyed by its aligned address.
type Entry struct {
	mu             sync.Mutex
	Data           []byte
	Modified       bool
	Valid          bool
	ReleasePending bool
	Permissions    Perm
}

func (e *Entry) usableFor(write bool) bool {
	if !e.Valid || e.ReleasePending {
		return false
	}
	if write {
		return e.Permissions == PermTrunk
	}
	return e.Permissions == PermTrunk || e.Permissions == PermBranch
}

// LineStatus is a display snapshot of one valid line.
type LineStatus struct {
	Addr        uint64
	Data        []byte
	Modified    bool
	Permissions Perm
}

// Cache tracks the lines this host holds on behalf of one peer. Entries
// carry their own lock; the map lock is only held for lookup and insert,
// never across an operation.
type Cache struct {
	id  uint8
	log *zap.Logger

	mu    sync.RWMutex
	lines map[uint64]*Entry

	probesMu sync.Mutex
	probes   []Probe
}

func NewCache(id uint8, log *zap.Logger) *Cache {
	return &Cache{
		id:    id,
		log:   log,
		lines: make(map[uint64]*Entry),
	}
}

func (c *Cache) lookup(addr uint64) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lines[addr]
}

func (c *Cache) insert(addr uint64, data []byte, perm Perm) {
	c.log.Debug("adding cache entry",
		zap.Uint8("id", c.id), zap.Uint64("addr", addr), zap.Stringer("perm", perm))
	c.mu.Lock()
	c.lines[addr] = &Entry{Data: data, Valid: true, Permissions: perm}
	c.mu.Unlock()
}

// acquire fetches the block with an upgrade to want and installs it.
func (c *Cache) acquire(ops *Operations, credits *Credits, addr uint64, cur, want Perm) error {
	grow := PermissionChangeGrow(cur, want)
	if grow == GrowBtoT && (cur != PermBranch || want != PermTrunk) {
		c.log.Debug("permission grow fallthrough",
			zap.Uint8("id", c.id), zap.Stringer("cur", cur), zap.Stringer("want", want))
	}
	res, err := ops.Perform(AcquireBlockOp{Address: addr, Len: 8, Perm: grow}, credits)
	if err != nil {
		return err
	}
	if res.Kind != ResultData {
		return ErrWrongResultType
	}
	c.insert(addr, res.Data, want)
	return nil
}

// Read returns the 64 bit word at addr, acquiring Branch permission on a
// miss. Lines mid-release are waited out.
func (c *Cache) Read(ops *Operations, credits *Credits, addr uint64) (uint64, error) {
	for {
		cur := PermNone
		releasePending := false
		if e := c.lookup(addr); e != nil {
			e.mu.Lock()
			if e.usableFor(false) {
				v := ops.ByteOrder.Uint64(e.Data)
				e.mu.Unlock()
				return v, nil
			}
			releasePending = e.ReleasePending
			cur = e.Permissions
			e.mu.Unlock()
		}

		if releasePending {
			runtime.Gosched()
			continue
		}
		if err := c.acquire(ops, credits, addr, cur, PermBranch); err != nil {
			return 0, err
		}
	}
}

// Write stores a 64 bit word, acquiring Trunk permission on demand.
func (c *Cache) Write(ops *Operations, credits *Credits, addr uint64, data uint64) error {
	_, err := c.modify(ops, credits, addr, func(v *uint64) { *v = data })
	return err
}

// RMW applies f to the cached word under the entry lock and returns the
// new value.
func (c *Cache) RMW(ops *Operations, credits *Credits, addr uint64, f func(*uint64)) (uint64, error) {
	return c.modify(ops, credits, addr, f)
}

func (c *Cache) modify(ops *Operations, credits *Credits, addr uint64, f func(*uint64)) (uint64, error) {
	for {
		cur := PermNone
		releasePending := false
		if e := c.lookup(addr); e != nil {
			e.mu.Lock()
			if e.usableFor(true) {
				e.Modified = true
				v := ops.ByteOrder.Uint64(e.Data)
				f(&v)
				ops.ByteOrder.PutUint64(e.Data, v)
				e.mu.Unlock()
				return v, nil
			}
			releasePending = e.ReleasePending
			cur = e.Permissions
			e.mu.Unlock()
		}

		if releasePending {
			runtime.Gosched()
			continue
		}
		if err := c.acquire(ops, credits, addr, cur, PermTrunk); err != nil {
			return 0, err
		}
	}
}

// ReleaseAll hands every usable line back to the endpoint.
func (c *Cache) ReleaseAll(ops *Operations, credits *Credits) error {
	c.mu.RLock()
	addrs := make([]uint64, 0, len(c.lines))
	for addr := range c.lines {
		addrs = append(addrs, addr)
	}
	c.mu.RUnlock()

	for _, addr := range addrs {
		e := c.lookup(addr)
		if e == nil {
			continue
		}
		e.mu.Lock()
		ok := e.Valid && !e.ReleasePending && e.Permissions != PermNone
		e.mu.Unlock()
		if ok {
			c.release(ops, credits, addr, e)
		}
	}
	return nil
}

// Release hands a single line back; lines that are not usable yield
// NotInCacheError.
func (c *Cache) Release(ops *Operations, credits *Credits, addr uint64) error {
	e := c.lookup(addr)
	if e == nil {
		return &NotInCacheError{Addr: addr}
	}
	e.mu.Lock()
	ok := e.Valid && !e.ReleasePending && e.Permissions != PermNone
	e.mu.Unlock()
	if !ok {
		return &NotInCacheError{Addr: addr}
	}
	c.release(ops, credits, addr, e)
	return nil
}

// release sends Release or ReleaseData depending on the dirty bit and
// invalidates the line. Errors from the endpoint are logged; the line is
// dropped either way.
func (c *Cache) release(ops *Operations, credits *Credits, addr uint64, e *Entry) {
	e.mu.Lock()
	e.ReleasePending = true
	modified := e.Modified
	perm := e.Permissions
	data := append([]byte(nil), e.Data...)
	e.mu.Unlock()

	c.log.Debug("releasing cache line", zap.Uint8("id", c.id), zap.Uint64("addr", addr))

	var err error
	if modified {
		_, err = ops.Perform(ReleaseDataOp{
			Release: ReleaseOp{Address: addr, Len: len(data), PermFrom: perm, PermTo: PermNone},
			Data:    data,
		}, credits)
	} else {
		_, err = ops.Perform(ReleaseOp{
			Address: addr, Len: len(data), PermFrom: perm, PermTo: PermNone,
		}, credits)
	}
	if err != nil {
		c.log.Debug("release failed", zap.Uint8("id", c.id), zap.Uint64("addr", addr), zap.Error(err))
	}

	e.mu.Lock()
	e.Modified = false
	e.Permissions = PermNone
	e.Valid = false
	e.ReleasePending = false
	e.mu.Unlock()
}

// AddProbe queues an incoming channel B probe for the next tick.
func (c *Cache) AddProbe(p Probe) {
	c.probesMu.Lock()
	c.probes = append(c.probes, p)
	c.probesMu.Unlock()
}

// ProcessProbes answers queued probes. Probes hitting a line mid-release
// stay queued for the next tick, as do probes whose answer could not be
// sent.
func (c *Cache) ProcessProbes(ops *Operations, credits *Credits) {
	c.probesMu.Lock()
	probes := c.probes
	c.probes = nil
	c.probesMu.Unlock()

	var retry []Probe
	for _, p := range probes {
		if !c.processProbe(ops, credits, p) {
			retry = append(retry, p)
		}
	}

	if len(retry) > 0 {
		c.probesMu.Lock()
		c.probes = append(retry, c.probes...)
		c.probesMu.Unlock()
	}
}

func (c *Cache) processProbe(ops *Operations, credits *Credits, p Probe) bool {
	request := PermFromParam(p.Header.Param)
	change, writeback, blocked := c.changePermissionProbe(p.Addr, request)
	if blocked {
		return false
	}

	var err error
	if writeback != nil && p.Header.Opcode == OpcodeProbeBlock {
		c.log.Debug("sending ProbeAckData",
			zap.Uint8("id", c.id), zap.Uint64("addr", p.Addr), zap.Int("bytes", len(writeback)))
		_, err = ops.Perform(ProbeAckDataOp{
			Probe: ProbeAckOp{Address: p.Addr, Size: p.Header.Size, Change: change},
			Data:  writeback,
		}, credits)
	} else {
		c.log.Debug("sending ProbeAck", zap.Uint8("id", c.id), zap.Uint64("addr", p.Addr))
		_, err = ops.Perform(ProbeAckOp{
			Address: p.Addr, Size: p.Header.Size, Change: change,
		}, credits)
	}
	if err != nil {
		c.log.Error("failed to process probe, retrying",
			zap.Uint8("id", c.id), zap.Uint64("addr", p.Addr), zap.Error(err))
		return false
	}
	return true
}

// changePermissionProbe applies the requested cap to the line and reports
// the resulting param, a writeback copy when the line was dirty, and
// whether the probe must wait for an in-flight release.
func (c *Cache) changePermissionProbe(addr uint64, request Perm) (uint8, []byte, bool) {
	change := PermissionChange(PermNone, PermNone)

	e := c.lookup(addr)
	if e == nil {
		return change, nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ReleasePending {
		return change, nil, true
	}

	change = PermissionChange(e.Permissions, request)
	if e.Permissions == request || e.Permissions == PermNone {
		return change, nil, false
	}

	c.log.Debug("changing permission on probe",
		zap.Uint8("id", c.id),
		zap.Uint64("addr", addr),
		zap.Stringer("from", e.Permissions),
		zap.Stringer("to", request),
		zap.Bool("dirty", e.Modified))

	e.Permissions = request
	if e.Modified {
		e.Modified = false
		return change, append([]byte(nil), e.Data...), false
	}
	return change, nil, false
}

// Overview snapshots every valid line for status displays.
func (c *Cache) Overview() []LineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []LineStatus
	for addr, e := range c.lines {
		e.mu.Lock()
		if e.Valid {
			out = append(out, LineStatus{
				Addr:        addr,
				Data:        append([]byte(nil), e.Data...),
				Modified:    e.Modified,
				Permissions: e.Permissions,
			})
		}
		e.mu.Unlock()
	}
	return out
}
