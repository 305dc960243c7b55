package fleet

import (
	"time"

	"droidpool/internal/events"
	"droidpool/internal/logs"
	"droidpool/internal/metrics"
	"droidpool/internal/models"
)

// Sweeper — фоновая зачистка парка, независимая от прихода heartbeat'ов:
// ловит случай, когда шлюз замолчал целиком и set-difference некому считать.
type Sweeper struct {
	repo *Repo
	sink events.Sink
	met  *metrics.Set

	// Multiplier — во сколько интервалов heartbeat'а молчание считается
	// потерей устройства.
	Multiplier int
}

func NewSweeper(repo *Repo, sink events.Sink, met *metrics.Set, multiplier int) *Sweeper {
	if multiplier <= 0 {
		multiplier = 3
	}
	return &Sweeper{repo: repo, sink: sink, met: met, Multiplier: multiplier}
}

// SweepStale — уводит молчащие устройства в offline. reserved и
// maintenance не трогает. Ошибка по одному устройству не прерывает
// проход по остальным.
func (s *Sweeper) SweepStale(now time.Time) (int, error) {
	cands, err := s.repo.StaleCandidates(now, s.Multiplier)
	if err != nil {
		return 0, err
	}
	swept := 0
	for i := range cands {
		d := &cands[i]
		prev := d.Status
		d.Status = models.DeviceOffline
		d.ADBStatus = false
		d.SerialStatus = false
		if err := s.repo.Save(d); err != nil {
			logs.Logger.WithError(err).WithField("target_id", d.ID).
				Error("stale sweep: save failed")
			if s.met != nil {
				s.met.SweepErrors.WithLabelValues("stale").Inc()
			}
			continue
		}
		swept++
		if s.met != nil {
			s.met.DeviceTransitions.WithLabelValues(string(prev), string(models.DeviceOffline)).Inc()
		}
		if s.sink != nil {
			s.sink.Publish(events.Event{
				Type:     events.TargetDisconnected,
				Subjects: events.Subjects{TargetID: d.ID, GatewayID: d.GatewayID},
				Details:  map[string]any{"previous": string(prev), "reason": "stale"},
			})
		}
	}
	return swept, nil
}

// RemoveStale — ручная чистка: деактивирует устройства, молчащие дольше
// порога в часах. Возвращает затронутые id.
func (s *Sweeper) RemoveStale(now time.Time, olderThan time.Duration, gatewayID string) ([]uint, error) {
	stale, err := s.repo.UnheardSince(now.Add(-olderThan), gatewayID)
	if err != nil {
		return nil, err
	}
	var removed []uint
	for i := range stale {
		d := &stale[i]
		if d.Status == models.DeviceReserved || d.Status == models.DeviceMaintenance {
			continue
		}
		d.IsActive = false
		d.Status = models.DeviceOffline
		if err := s.repo.Save(d); err != nil {
			logs.Logger.WithError(err).WithField("target_id", d.ID).
				Error("remove stale: save failed")
			if s.met != nil {
				s.met.SweepErrors.WithLabelValues("remove_stale").Inc()
			}
			continue
		}
		removed = append(removed, d.ID)
		if s.sink != nil {
			s.sink.Publish(events.Event{
				Type:     events.TargetRemoved,
				Subjects: events.Subjects{TargetID: d.ID, GatewayID: d.GatewayID},
				Details:  map[string]any{"reason": "stale"},
			})
		}
	}
	return removed, nil
}
