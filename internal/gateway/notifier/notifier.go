// Package notifier delivers risk and position events to external channels.
// Delivery is fire-and-forget: the trading loops never block on a sink.
package notifier

import (
	"fmt"
	"strings"
	"time"

	"talon/internal/logger"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event is a structured risk/position notification.
type Event struct {
	Severity  Severity  `json:"severity"`
	AccountID string    `json:"account_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

func (e Event) String() string {
	parts := []string{string(e.Severity), e.Kind}
	if e.AccountID != "" {
		parts = append(parts, "account="+e.AccountID)
	}
	parts = append(parts, e.Message)
	return strings.Join(parts, " | ")
}

// Sink accepts events. Implementations own their delivery semantics; the
// dispatcher guarantees callers are never blocked by a slow sink.
type Sink interface {
	Publish(evt Event)
}

// TextNotifier is the minimal outbound text channel. Kept separate so
// sinks can wrap any transport.
type TextNotifier interface {
	SendText(text string) error
}

// Dispatcher fans events out to sinks through a bounded queue. When the
// queue is full the event is dropped and counted, keeping the hot loops
// non-blocking under alert storms.
type Dispatcher struct {
	sinks  []Sink
	queue  chan Event
	stopCh chan struct{}
	done   chan struct{}
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		sinks:  sinks,
		queue:  make(chan Event, buffer),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case evt := <-d.queue:
			for _, s := range d.sinks {
				s.Publish(evt)
			}
		case <-d.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case evt := <-d.queue:
					for _, s := range d.sinks {
						s.Publish(evt)
					}
				default:
					return
				}
			}
		}
	}
}

// Publish enqueues without blocking; full queue drops the event.
func (d *Dispatcher) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	select {
	case d.queue <- evt:
	default:
		logger.Warnf("notifier: queue full, dropped %s event for account=%s", evt.Severity, evt.AccountID)
	}
}

func (d *Dispatcher) Close() {
	close(d.stopCh)
	<-d.done
}

// LogSink writes events to the process log; always installed so critical
// escalation is visible even with no external channel configured.
type LogSink struct{}

func (LogSink) Publish(evt Event) {
	switch evt.Severity {
	case SeverityCritical:
		logger.Errorf("ALERT %s", evt)
	case SeverityWarning:
		logger.Warnf("ALERT %s", evt)
	default:
		logger.Infof("ALERT %s", evt)
	}
}

// TextSink renders events and forwards them to a TextNotifier
// (e.g. Telegram).
type TextSink struct {
	Notifier TextNotifier
}

func (s TextSink) Publish(evt Event) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendText(renderText(evt)); err != nil {
		logger.Warnf("notifier: text delivery failed: %v", err)
	}
}

// renderText lays the event out as a short multi-line message: headline
// with severity, kind and account, then the body and the timestamp.
func renderText(evt Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", evt.Severity, evt.Kind)
	if evt.AccountID != "" {
		fmt.Fprintf(&b, " (%s)", evt.AccountID)
	}
	b.WriteByte('\n')
	b.WriteString(evt.Message)
	if !evt.At.IsZero() {
		fmt.Fprintf(&b, "\n%s", evt.At.Format("2006-01-02 15:04:05 MST"))
	}
	return b.String()
}
