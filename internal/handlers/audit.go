package handlers

import (
	"context"
	"time"

	"bracket/internal/events"
	"bracket/internal/logger"
)

// AuditSink is where audit records land; satisfied by store.EventStore.
type AuditSink interface {
	Append(ctx context.Context, evt events.Event) error
}

// Audit is a passive lowest-priority subscriber that persists the important
// events and mirrors them to the log with a severity per kind.
type Audit struct {
	sink    AuditSink
	timeout time.Duration
}

var auditedKinds = []events.Kind{
	events.KindOrderSubmitted,
	events.KindOrderFilled,
	events.KindOrderCancelled,
	events.KindOrderRejected,
	events.KindPositionOpened,
	events.KindPositionClosed,
	events.KindStopTriggered,
	events.KindTakeTriggered,
	events.KindOCOCancelled,
	events.KindRiskLimitReached,
	events.KindDailyLossLimit,
	events.KindConnectionLost,
	events.KindSystemStopped,
}

func NewAudit(bus *events.Bus, sink AuditSink) *Audit {
	h := &Audit{sink: sink, timeout: 2 * time.Second}
	for _, kind := range auditedKinds {
		bus.Subscribe(kind, h.record, 1)
	}
	return h
}

func (h *Audit) record(evt events.Event) {
	switch evt.Kind {
	case events.KindRiskLimitReached, events.KindDailyLossLimit:
		logger.Criticalf("audit: %s %+v", evt.Kind, evt.Payload)
	case events.KindOrderRejected, events.KindConnectionLost:
		logger.Errorf("audit: %s %+v", evt.Kind, evt.Payload)
	case events.KindStopTriggered, events.KindTakeTriggered:
		logger.Warnf("audit: %s %+v", evt.Kind, evt.Payload)
	default:
		logger.Infof("audit: %s %+v", evt.Kind, evt.Payload)
	}
	if h.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.sink.Append(ctx, evt); err != nil {
		logger.Errorf("audit: persist of %s failed: %v", evt.Kind, err)
	}
}
