package connection

import (
	"context"

	"go.uber.org/zap"
)

// Run drives the heartbeat until ctx is done, then closes every connection.
//
// Every interval each connection is either pinged or, when its last ack is older than the
// timeout, evicted. A connection that stops acknowledging is therefore closed at most one
// interval after its timeout elapsed.
func (m *Manager) Run(ctx context.Context) error {
	defer m.CloseAll(ReasonShutdown)

	if m.cfg.Heartbeat.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.cfg.Heartbeat.Interval):
			m.heartbeat()
		}
	}
}

func (m *Manager) heartbeat() {
	now := m.clock.Now()
	for _, c := range m.snapshot() {
		if since := now.Sub(c.LastAck()); since > m.cfg.Heartbeat.Timeout {
			if c.markEvicting() {
				m.logger.Info("heartbeat timeout", zap.String("conn_id", c.id), zap.Duration("since_ack", since))
				m.Evict(c.id, ReasonHeartbeatTimeout)
			}
			continue
		}
		c.requestPing()
	}
}
