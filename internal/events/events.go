// Package events — fire-and-forget шина доменных событий. Ядро публикует и
// не ждёт: ни один инвариант не опирается на доставку.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Type string

const (
	TargetRegistered   Type = "target_registered"
	TargetUpdated      Type = "target_updated"
	TargetRemoved      Type = "target_removed"
	TargetConnected    Type = "target_connected"
	TargetDisconnected Type = "target_disconnected"
	TargetExported     Type = "target_exported"
	TargetImported     Type = "target_imported"
	TargetTagged       Type = "target_tagged"
	TargetRefresh      Type = "target_refresh_requested"
	TargetHealth       Type = "target_health_changed"

	ReservationCreated Type = "reservation_created"
	ReservationUpdated Type = "reservation_updated"
	ReservationDeleted Type = "reservation_deleted"
	ReservationStarted Type = "reservation_started"
	ReservationEnded   Type = "reservation_ended"
	ReservationExpired Type = "reservation_expired"

	GatewayCreated       Type = "gateway_created"
	GatewayUpdated       Type = "gateway_updated"
	GatewayRemoved       Type = "gateway_removed"
	GatewayStatusChanged Type = "gateway_status_changed"

	AssociationCreated Type = "association_created"
	AssociationUpdated Type = "association_updated"
	AssociationRemoved Type = "association_removed"
)

// Subjects — идентификаторы затронутых сущностей (ноль-значения опускаются).
type Subjects struct {
	UserID        uint   `json:"user_id,omitempty"`
	TargetID      uint   `json:"target_id,omitempty"`
	ReservationID uint   `json:"reservation_id,omitempty"`
	GatewayID     string `json:"gateway_id,omitempty"`
	AssociationID uint   `json:"association_id,omitempty"`
}

type Event struct {
	Type     Type           `json:"type"`
	Subjects Subjects       `json:"subjects"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink — потребитель событий. Publish не возвращает ошибку намеренно.
type Sink interface {
	Publish(e Event)
}

// LogSink — события в структурный лог.
type LogSink struct {
	L *logrus.Logger
}

func (s *LogSink) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.L.WithFields(logrus.Fields{
		"event":          string(e.Type),
		"user_id":        e.Subjects.UserID,
		"target_id":      e.Subjects.TargetID,
		"reservation_id": e.Subjects.ReservationID,
		"gateway_id":     e.Subjects.GatewayID,
		"details":        e.Details,
	}).Info("event")
}

// AsyncSink — буферизованная обёртка: публикация никогда не блокирует
// вызывающего, при переполнении буфера событие роняется со счётчиком.
type AsyncSink struct {
	ch      chan Event
	next    Sink
	dropped func()
	done    chan struct{}
}

func NewAsyncSink(next Sink, buffer int, onDrop func()) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		ch:      make(chan Event, buffer),
		next:    next,
		dropped: onDrop,
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSink) loop() {
	for e := range s.ch {
		s.next.Publish(e)
	}
	close(s.done)
}

func (s *AsyncSink) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case s.ch <- e:
	default:
		if s.dropped != nil {
			s.dropped()
		}
	}
}

// Close — дослать буфер и остановиться.
func (s *AsyncSink) Close() {
	close(s.ch)
	<-s.done
}

// Discard — сток-заглушка для тестов и выключенной шины.
type Discard struct{}

func (Discard) Publish(Event) {}

// Recorder — копит события для проверок в тестах.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
}

// OfType — выборка по типу.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Len — количество опубликованного.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Events)
}
