package log

// Field names shared by every log line.
const (
	FieldService   = "service"
	FieldComponent = "component"

	// HTTP requests
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Client sessions
	FieldConnID   = "conn_id"
	FieldClawID   = "claw_id"
	FieldClawName = "claw_name"

	// Relay events
	FieldEventType = "event_type"
	FieldChannel   = "channel"
	FieldState     = "state"
	FieldReason    = "reason"

	// Audit trail
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
