package security

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

// ─── Escalation ─────────────────────────────────────────────────────────────
// Per intrusion event: warning → siren → police_notified, implemented as
// three timed actions in group "esc:<eventId>". Cancelling discards every
// remaining stage; a cancelled escalation fires no further timers.

// Escalation stages.
const (
	StageWarning = "warning"
	StageSiren   = "siren"
	StagePolice  = "police_notified"
)

// Escalation tracks one in-progress alarm response.
type Escalation struct {
	EventID   string `json:"eventId"`
	StartedAt int64  `json:"startedAt"`
	Stage     string `json:"stage"`
	Cancelled bool   `json:"cancelled"`
}

// escalationGroup returns the dispatcher group tag for this escalation.
func escalationGroup(eventID string) string { return "esc:" + eventID }

// startEscalation registers the three stages with the timed dispatcher.
func (s *System) startEscalation(eventID string) {
	esc := &Escalation{
		EventID:   eventID,
		StartedAt: s.clk.Now().UnixMilli(),
	}
	s.mu.Lock()
	s.escalations[eventID] = esc
	s.mu.Unlock()
	metrics.EscalationsStarted.Inc()

	group := escalationGroup(eventID)
	s.disp.After(s.cfg.Escalation.WarningDelay, group, func() {
		s.fireStage(eventID, StageWarning)
	})
	s.disp.After(s.cfg.Escalation.SirenDelay, group, func() {
		s.fireStage(eventID, StageSiren)
	})
	s.disp.After(s.cfg.Escalation.PoliceDelay, group, func() {
		s.fireStage(eventID, StagePolice)
	})

	s.log.Warn("escalation started", zap.String("event", eventID))
}

// fireStage advances the escalation and performs the stage's response.
func (s *System) fireStage(eventID, stage string) {
	s.mu.Lock()
	esc, ok := s.escalations[eventID]
	if !ok || esc.Cancelled {
		s.mu.Unlock()
		return
	}
	esc.Stage = stage
	sirens := append([]device.Ref(nil), s.sirens...)
	s.mu.Unlock()

	switch stage {
	case StageWarning:
		s.host.Notify(device.Notification{
			Title:    "Alarm warning",
			Message:  "Intrusion response stage: warning",
			Priority: string(domain.PriorityHigh),
			Category: "security",
		})
	case StageSiren:
		for _, r := range sirens {
			if err := r.SetCapability(device.CapOnOff, true); err != nil {
				s.log.Warn("siren activation failed",
					zap.String("device", r.ID()), zap.Error(err))
			}
		}
		s.host.Notify(device.Notification{
			Title:    "Alarm siren",
			Message:  "Sirens activated",
			Priority: string(domain.PriorityCritical),
			Category: "security",
		})
	case StagePolice:
		s.host.Notify(device.Notification{
			Title:    "Police notified",
			Message:  fmt.Sprintf("Escalation %s reached final stage", eventID),
			Priority: string(domain.PriorityCritical),
			Category: "security",
		})
		s.mu.Lock()
		delete(s.escalations, eventID)
		s.mu.Unlock()
	}
	s.appendAudit(AuditEntry{Action: "escalation_stage", EventID: eventID, Stage: stage})
}

// CancelEscalation stops one escalation. Audits the stage it had reached.
func (s *System) CancelEscalation(eventID, reason string) bool {
	s.mu.Lock()
	esc, ok := s.escalations[eventID]
	if !ok || esc.Cancelled {
		s.mu.Unlock()
		return false
	}
	esc.Cancelled = true
	stage := esc.Stage
	delete(s.escalations, eventID)
	s.mu.Unlock()

	s.disp.CancelGroup(escalationGroup(eventID))
	metrics.EscalationsCancelled.Inc()
	s.appendAudit(AuditEntry{
		Action:  "escalation_cancelled",
		EventID: eventID,
		Stage:   stage,
		Trigger: reason,
	})
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicEscalationCancelled,
		Payload: domain.EscalationCancelled{EventID: eventID, Stage: stage},
	})
	s.silenceSirens()
	return true
}

// cancelAllEscalations stops every active escalation (disarm path).
func (s *System) cancelAllEscalations(reason string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.escalations))
	for id := range s.escalations {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.CancelEscalation(id, reason)
	}
}

// ActiveEscalations returns a snapshot of in-progress escalations.
func (s *System) ActiveEscalations() []Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Escalation, 0, len(s.escalations))
	for _, e := range s.escalations {
		out = append(out, *e)
	}
	return out
}

func (s *System) silenceSirens() {
	s.mu.Lock()
	sirens := append([]device.Ref(nil), s.sirens...)
	s.mu.Unlock()
	for _, r := range sirens {
		if err := r.SetCapability(device.CapOnOff, false); err != nil {
			s.log.Debug("siren off failed", zap.String("device", r.ID()), zap.Error(err))
		}
	}
}
