package multiauth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// securityEvents are the audit records an operator needs to reconstruct an
// attack or an account takeover. They travel on their own lane, which the
// worker drains ahead of routine events.
var securityEvents = map[string]bool{
	auditEventPendingBindingViolation: true,
	auditEventMFAAttemptsExceeded:     true,
	auditEventIdentityExemption:       true,
	auditEventLogoutAll:               true,
	auditEventSessionRevoked:          true,
	auditEventPasswordResetConfirm:    true,
	auditEventPasswordChangeSuccess:   true,
	auditEventSuperSecureChanged:      true,
	auditEventBackupCodeUsed:          true,
}

// securityWait bounds how long a request may wait for room on the security
// lane when the dispatcher drops routine events.
const securityWait = 250 * time.Millisecond

// auditDispatcher moves audit events off request paths. Routine events
// share one buffer and may be dropped under load; security events get a
// second buffer that the worker always drains first. Drops are counted per
// event type.
type auditDispatcher struct {
	cfg      AuditConfig
	sink     AuditSink
	routine  chan AuditEvent
	security chan AuditEvent
	done     chan struct{}
	wg       sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	dropped map[string]uint64
	total   atomic.Uint64
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		cfg:      cfg,
		sink:     sink,
		routine:  make(chan AuditEvent, cfg.BufferSize),
		security: make(chan AuditEvent, cfg.BufferSize),
		done:     make(chan struct{}),
		dropped:  make(map[string]uint64),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()

	for {
		// security first, whenever any is queued
		select {
		case event := <-d.security:
			d.sink.Emit(context.Background(), event)
			continue
		default:
		}

		select {
		case event := <-d.security:
			d.sink.Emit(context.Background(), event)
		case event := <-d.routine:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *auditDispatcher) drain() {
	for {
		select {
		case event := <-d.security:
			d.sink.Emit(context.Background(), event)
		case event := <-d.routine:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// Emit queues event on its lane. With DropIfFull a full routine lane drops
// and counts the event, while a full security lane waits up to securityWait
// first. Without DropIfFull Emit blocks until there is room or ctx ends.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	lane := d.routine
	critical := securityEvents[event.EventType]
	if critical {
		lane = d.security
	}

	if d.cfg.DropIfFull {
		select {
		case lane <- event:
			return
		case <-d.done:
			return
		default:
		}
		if !critical {
			d.drop(event.EventType)
			return
		}

		timer := time.NewTimer(securityWait)
		defer timer.Stop()
		select {
		case lane <- event:
		case <-d.done:
		case <-ctx.Done():
			d.drop(event.EventType)
		case <-timer.C:
			d.drop(event.EventType)
		}
		return
	}

	select {
	case lane <- event:
	case <-ctx.Done():
		d.drop(event.EventType)
	case <-d.done:
	}
}

func (d *auditDispatcher) drop(eventType string) {
	d.total.Add(1)
	d.mu.Lock()
	d.dropped[eventType]++
	d.mu.Unlock()
}

// Close drains queued events and stops the worker. Safe to call twice.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.total.Load()
}

// DroppedByEvent returns a copy of the per-event-type drop counts.
func (d *auditDispatcher) DroppedByEvent() map[string]uint64 {
	out := make(map[string]uint64)
	if d == nil {
		return out
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.dropped {
		out[k] = v
	}
	return out
}
