package core

import "github.com/eleven-am/procflow/internal/domain"

const managerComponent = "core.Manager"

func newManagerError(operation, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := append([]domain.ErrorOption{domain.WithComponent(managerComponent), domain.WithOperation(operation)}, opts...)
	return domain.NewWorkflowError(message, cause, merged...)
}

func newManagerValidationError(operation, message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	merged := append([]domain.ErrorOption{domain.WithComponent(managerComponent), domain.WithOperation(operation)}, opts...)
	return domain.NewValidationError(message, cause, merged...)
}

func errorLogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	attrs := []any{
		"error", err,
		"error_category", string(domain.GetErrorCategory(err)),
	}
	if ctx := domain.GetErrorContext(err); ctx != nil {
		if ctx.Operation != "" {
			attrs = append(attrs, "error_operation", ctx.Operation)
		}
		if ctx.TaskID != "" {
			attrs = append(attrs, "task_guid", ctx.TaskID)
		}
	}
	if te, ok := domain.AsTaskExecutionError(err); ok {
		attrs = append(attrs, "spec_id", te.SpecID, "graph_id", te.GraphID)
	}
	return attrs
}
