// Periodic driver for probe handling, frame assembly, ACK timers and
// resends.
package ox

import "time"

// Tick bundles the per-connection timers. It is not safe for concurrent
// use; the session host calls it from a single goroutine.
type Tick struct {
	ackOnlyTimeout time.Duration
	resendTimeout  time.Duration
	cycle          time.Duration
	heartbeat      time.Duration // zero disables the heartbeat

	ackRequiredSince time.Time
	resendCooldown   time.Time
	lastSend         time.Time
	lastExecuted     time.Time
}

func NewTick(ackOnlyTimeout, resendTimeout, cycle, heartbeat time.Duration) *Tick {
	now := time.Now()
	return &Tick{
		ackOnlyTimeout: ackOnlyTimeout,
		resendTimeout:  resendTimeout,
		cycle:          cycle,
		heartbeat:      heartbeat,
		lastSend:       now,
		lastExecuted:   now,
	}
}

// Tick runs one cycle: drain probes, manage the ACK-only timer, assemble a
// frame when needed and trigger resends. Rate limited to the configured
// cycle time.
func (t *Tick) Tick(ops *Operations, conn *Connection, cache *Cache) {
	if time.Since(t.lastExecuted) < t.cycle {
		return
	}
	t.lastExecuted = time.Now()

	cache.ProcessProbes(ops, conn.Credits())

	t.setAckTimeout(conn)
	t.checkSend(ops, conn)
	t.checkResend(conn)
}

func (t *Tick) setAckTimeout(conn *Connection) {
	if t.ackRequiredSince.IsZero() && conn.AckOutstanding() {
		t.ackRequiredSince = time.Now()
	} else if !t.ackRequiredSince.IsZero() && !conn.AckOutstanding() {
		t.ackRequiredSince = time.Time{}
	}
}

func (t *Tick) checkSend(ops *Operations, conn *Connection) {
	if !(t.sendRequired(ops, conn) || t.heartbeatDue()) {
		return
	}
	if err := conn.SendFrame(ops.Outstanding(), ops.NumOutstanding() != 0); err == nil {
		t.lastSend = time.Now()
		t.ackRequiredSince = time.Time{}
	}
}

func (t *Tick) sendRequired(ops *Operations, conn *Connection) bool {
	if !ops.Outstanding().Empty() || conn.SendOutstanding() {
		return true
	}
	return !t.ackRequiredSince.IsZero() && time.Since(t.ackRequiredSince) >= t.ackOnlyTimeout
}

func (t *Tick) heartbeatDue() bool {
	return t.heartbeat > 0 && time.Since(t.lastSend) > t.heartbeat
}

func (t *Tick) checkResend(conn *Connection) {
	if !t.resendPending(conn) {
		return
	}
	if !t.resendCooldown.IsZero() && time.Since(t.resendCooldown) >= t.resendTimeout {
		t.resendCooldown = time.Time{}
	}
	if t.resendCooldown.IsZero() {
		if conn.Resend() == nil {
			t.resendCooldown = time.Now()
		}
	}
}

func (t *Tick) resendPending(conn *Connection) bool {
	return time.Since(conn.LastMessageReceived()) >= t.resendTimeout || conn.ResendOutstanding()
}
