package session

import (
	"context"
	"time"
)

// NotifyVisible tells the manager the user came back to the client; it
// triggers the same check as the refresh ticker.
func (m *Manager) NotifyVisible() {
	select {
	case m.visibility <- struct{}{}:
	default:
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	if m.opts.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAndRefresh(ctx)
		case <-m.visibility:
			m.checkAndRefresh(ctx)
		}
	}
}

// checkAndRefresh renews the token when a user is signed in and was active
// recently. Failures keep the current token until it expires.
func (m *Manager) checkAndRefresh(ctx context.Context) bool {
	if m.State().Identity == nil {
		return false
	}
	since, ok := m.deps.Activity.SinceLast(ctx)
	if !ok || since >= m.opts.ActivityThreshold {
		return false
	}
	if _, err := m.deps.Auth.RefreshSession(ctx); err != nil {
		m.log.Warn(ctx, "session refresh failed", "error", err)
		return false
	}
	return true
}
