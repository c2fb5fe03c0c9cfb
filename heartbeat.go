package susanoo

import (
	"sync/atomic"
	"time"
)

// setupKeepAlive starts the heartbeat task with the interval HELLO handed
// us. A fresh task replaces any previous one, so every HELLO after a
// reconnect restarts the cadence cleanly.
func (s *Session) setupKeepAlive(interval time.Duration) {
	s.cancelKeepAlive()

	stop := make(chan struct{})
	s.Lock()
	s.keepAliveStop = stop
	s.Unlock()

	atomic.StoreInt64(&s.lastAck, time.Now().UnixMilli())
	go s.keepAliveLoop(stop, interval)
}

func (s *Session) cancelKeepAlive() {
	s.Lock()
	stop := s.keepAliveStop
	s.keepAliveStop = nil
	s.Unlock()

	if stop != nil {
		close(stop)
	}
}

func (s *Session) keepAliveLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The first beat goes out immediately, not one interval in.
	s.sendKeepAlive()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.ackOverdue(interval) {
				s.log.Warn().Msg("Heartbeat acks stopped arriving; closing to force a resume")
				s.closeWithCode(4000, "")
				return
			}
			if s.IsConnected() {
				s.sendKeepAlive()
			}
		}
	}
}

func (s *Session) sendKeepAlive() {
	payload, err := json.Marshal(heartbeatOp{Op: opHeartbeat, Data: s.ResponseTotal()})
	if err != nil {
		return
	}
	s.send(string(payload), true)
	atomic.StoreInt64(&s.heartbeatStart, time.Now().UnixMilli())
}

// ackOverdue implements the optional missed-ack watchdog. Disabled unless
// Config.MissedAckLimit is set.
func (s *Session) ackOverdue(interval time.Duration) bool {
	limit := s.cfg.MissedAckLimit
	if limit <= 0 {
		return false
	}
	last := atomic.LoadInt64(&s.lastAck)
	return time.Now().UnixMilli()-last > int64(limit)*interval.Milliseconds()
}

func (s *Session) onHeartbeatAck() {
	now := time.Now().UnixMilli()
	atomic.StoreInt64(&s.ping, now-atomic.LoadInt64(&s.heartbeatStart))
	atomic.StoreInt64(&s.lastAck, now)
}
