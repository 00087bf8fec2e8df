package engine

import "github.com/eleven-am/procflow/internal/domain"

const (
	engineComponent    = "engine.Engine"
	dispatchComponent  = "engine.Dispatch"
	correlateComponent = "engine.Correlate"
	recoveryComponent  = "engine.Recovery"
)

func newEngineError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := []domain.ErrorOption{domain.WithComponent(component)}
	if len(opts) > 0 {
		merged = append(merged, opts...)
	}
	return domain.NewWorkflowError(message, cause, merged...)
}

func newEngineValidationError(component, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := []domain.ErrorOption{domain.WithComponent(component)}
	if len(opts) > 0 {
		merged = append(merged, opts...)
	}
	return domain.NewValidationError(message, cause, merged...)
}

func errorLogAttrs(err error) []any {
	if err == nil {
		return nil
	}

	attrs := []any{
		"error", err,
		"error_category", string(domain.GetErrorCategory(err)),
		"error_severity", string(domain.GetErrorSeverity(err)),
		"error_retryable", domain.IsRetryableError(err),
		"error_user_facing", domain.IsUserFacingError(err),
	}

	if ctx := domain.GetErrorContext(err); ctx != nil {
		if ctx.Component != "" {
			attrs = append(attrs, "error_component", ctx.Component)
		}
		if ctx.Operation != "" {
			attrs = append(attrs, "error_operation", ctx.Operation)
		}
		if ctx.InstanceID != "" {
			attrs = append(attrs, "instance_id", ctx.InstanceID)
		}
		if ctx.TaskID != "" {
			attrs = append(attrs, "task_guid", ctx.TaskID)
		}
		if len(ctx.Details) > 0 {
			attrs = append(attrs, "error_details", ctx.Details)
		}
	}

	if te, ok := domain.AsTaskExecutionError(err); ok {
		attrs = append(attrs, "spec_id", te.SpecID, "graph_id", te.GraphID)
		if te.Line > 0 {
			attrs = append(attrs, "line", te.Line, "offset", te.Offset)
		}
	}

	return attrs
}
