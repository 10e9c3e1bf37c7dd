package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	// UserID carries the authenticated data subject.
	UserID   key = "user_id"
	ExportID key = "export_id"
)
