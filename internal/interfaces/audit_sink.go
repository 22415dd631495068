package interfaces

import "context"

// AuditSink receives one event per committed transaction and per
// reconciliation status change. Calls are fire-and-forget: a sink failure
// is logged by the caller and never rolls back the ledger operation.
//
//go:generate mockgen -destination=mocks/mock_audit_sink.go -source=audit_sink.go AuditSink
type AuditSink interface {
	RecordEvent(ctx context.Context, kind string, payload any) error
}
