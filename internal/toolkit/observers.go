package toolkit

import (
	"context"
	"encoding/json"
	"log/slog"

	"zigbee-toolkit/internal/store"
)

// HistoryRecorder stores every dispatch as a store.Execution.
type HistoryRecorder struct {
	store  store.Store
	limit  int
	logger *slog.Logger
}

// NewHistoryRecorder keeps at most limit executions (0 keeps all).
func NewHistoryRecorder(st store.Store, limit int, logger *slog.Logger) *HistoryRecorder {
	return &HistoryRecorder{store: st, limit: limit, logger: logger.With("component", "history")}
}

func (h *HistoryRecorder) Observe(ctx context.Context, req *Request, res *Result, err error) {
	e := &store.Execution{
		ID:         res.ID,
		Command:    req.Command,
		IEEE:       res.IEEE,
		Data:       req.Data,
		Origin:     req.Origin,
		StartedAt:  res.StartedAt,
		DurationMS: res.DurationMS,
		OK:         err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if res.Data != nil {
		raw, mErr := json.Marshal(res.Data)
		if mErr != nil {
			h.logger.Warn("result not serializable", "id", res.ID, "err", mErr)
		} else {
			e.Result = raw
		}
	}
	if sErr := h.store.AddExecution(e, h.limit); sErr != nil {
		h.logger.Error("failed to record execution", "id", res.ID, "err", sErr)
	}
}

// ExecutionEvent is the payload of EventCommandExecuted.
type ExecutionEvent struct {
	ID         string      `json:"id"`
	Command    string      `json:"command"`
	IEEE       string      `json:"ieee,omitempty"`
	Origin     string      `json:"origin,omitempty"`
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	Code       string      `json:"code,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	Data       interface{} `json:"data,omitempty"`
}

// EventPublisher returns an observer that publishes EventCommandExecuted on l.
func EventPublisher(l Listener) Observer {
	return ObserverFunc(func(ctx context.Context, req *Request, res *Result, err error) {
		evt := ExecutionEvent{
			ID:         res.ID,
			Command:    req.Command,
			IEEE:       res.IEEE,
			Origin:     req.Origin,
			Success:    err == nil,
			DurationMS: res.DurationMS,
			Data:       res.Data,
		}
		if err != nil {
			evt.Error = err.Error()
			evt.Code = ErrorCode(err)
		}
		l.Publish(EventCommandExecuted, evt)
	})
}
