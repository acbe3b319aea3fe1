package audit

import (
	"context"

	"github.com/averyjennings/claw-stream-vision/pkg/log"
)

// Audit actions for agent sessions.
const (
	ActionRegister    = "relay.register"
	ActionDeregister  = "relay.deregister"
	ActionEvict       = "relay.evict"
	ActionChat        = "relay.chat"
	ActionObservation = "relay.observation"
	ActionReaction    = "relay.reaction"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, clawID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldClawID, clawID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action, clawID, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldClawID, clawID).
		Str(FieldDetail, detail).
		Msg(msg)
}

// ActionFor maps a client message type onto its audit action.
func ActionFor(msgType string) string {
	switch msgType {
	case "chat":
		return ActionChat
	case "observation":
		return ActionObservation
	case "reaction":
		return ActionReaction
	default:
		return "relay." + msgType
	}
}
