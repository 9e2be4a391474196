package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/presencelink/agent/internal/health"
	"github.com/presencelink/agent/internal/tokenstore"
	"github.com/presencelink/agent/internal/transport"
)

// runAuthSequence performs one full logon attempt: resolve a credential
// (stored token first, challenge flow as fallback), send the logon, and
// act on the service's result. It runs under the single-flight lock and
// always releases it on exit.
func (m *Manager) runAuthSequence(ctx context.Context) {
	defer func() {
		m.authInFlight.Store(false)
		m.releaseAuth()
	}()

	resultCh := make(chan transport.Event, 1)
	m.setPendingLogOn(resultCh)
	defer m.setPendingLogOn(nil)

	credential, err := m.resolveCredential(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			m.emitStatus("authentication cancelled")
			return
		}
		m.healthMon.Update("auth", health.Unhealthy, err.Error())
		m.emit(Event{Kind: EventError, Text: "authentication failed: " + err.Error()})
		// Fatal: no automatic retry on a refused credential flow.
		go m.Stop()
		return
	}

	if err := m.transport.LogOn(m.cfg.Username, credential); err != nil {
		// The transport dropped between connect and logon; the
		// disconnect event drives the reconnect path.
		log.Warn("logon send failed", "error", err)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(logOnResultWait):
		m.emitStatus("timed out waiting for logon result, reconnecting")
		m.recoverWithReconnect(ctx, reconnectDelay)
	case ev := <-resultCh:
		m.handleLogOnResult(ctx, ev)
	}
}

// resolveCredential returns the stored session token when it belongs to
// the configured account, otherwise runs the interactive challenge flow
// and persists the token it yields.
func (m *Manager) resolveCredential(ctx context.Context) (string, error) {
	sess, err := m.tokens.Load()
	if err != nil {
		log.Warn("stored session unreadable, falling back to credential auth", "error", err)
	}
	if sess != nil && strings.EqualFold(sess.Username, m.cfg.Username) {
		m.emitStatus("logging on with stored session token")
		return sess.Token, nil
	}
	if sess != nil {
		m.emitStatus("stored session belongs to a different account, starting credential authentication")
	} else {
		m.emitStatus("no stored session, starting credential authentication")
	}

	token, err := m.auth.Authenticate(ctx, m.cfg.Username, m.secret, m.challenge)
	if err != nil {
		return "", err
	}
	if err := m.tokens.Save(tokenstore.Session{Username: m.cfg.Username, Token: token}); err != nil {
		// The session still works for this run; it just won't survive a
		// restart.
		log.Warn("could not persist session token", "error", err)
	}
	return token, nil
}

func (m *Manager) handleLogOnResult(ctx context.Context, ev transport.Event) {
	switch {
	case ev.Code == transport.ResultOK:
		m.authenticated.Store(true)
		m.setState(StateAuthenticated)
		m.healthMon.Update("auth", health.Healthy, "")
		if err := m.transport.SetOnline(); err != nil {
			log.Warn("could not announce online state", "error", err)
		}
		m.emitStatus("logged on as " + m.cfg.Username)
		m.emit(Event{Kind: EventConnection, Connected: true})

	case ev.Code.IsTokenRejection():
		m.emitStatus(fmt.Sprintf("session token rejected (%s), re-authenticating", ev.Code))
		if err := m.tokens.Delete(); err != nil {
			log.Warn("could not delete rejected session token", "error", err)
		}
		m.healthMon.Update("auth", health.Degraded, "token rejected")
		m.recoverWithReconnect(ctx, tokenRetryDelay)

	default:
		m.healthMon.Update("auth", health.Unhealthy, string(ev.Code))
		text := fmt.Sprintf("logon refused: %s", ev.Code)
		if ev.Extended != "" {
			text += " (" + ev.Extended + ")"
		}
		m.emit(Event{Kind: EventError, Text: text})
		go m.Stop()
	}
}

// recoverWithReconnect drops the current connection and schedules a fresh
// dial. The internal-disconnect flag keeps the event loop from scheduling
// a second reconnect for the disconnect this path causes.
func (m *Manager) recoverWithReconnect(ctx context.Context, delay time.Duration) {
	if m.transport.IsConnected() {
		m.internalDisconnect.Store(true)
		m.transport.Disconnect()
	}
	m.setState(StateConnecting)
	m.scheduleReconnect(ctx, delay)
}

func (m *Manager) setPendingLogOn(ch chan transport.Event) {
	m.mu.Lock()
	m.pendingLogOn = ch
	m.mu.Unlock()
}

// deliverLogOnResult routes a logon result from the event loop to the
// authentication sequence waiting for it, if any.
func (m *Manager) deliverLogOnResult(ev transport.Event) {
	m.mu.Lock()
	ch := m.pendingLogOn
	m.mu.Unlock()
	if ch == nil {
		log.Debug("unsolicited logon result", "code", string(ev.Code))
		return
	}
	select {
	case ch <- ev:
	default:
	}
}
