package ports

import (
	"time"

	"github.com/eleven-am/procflow/internal/domain"
)

// CorrelationPort is the part of the correlation store the engine talks to.
type CorrelationPort interface {
	RegisterWaiting(instanceID, taskGUID string, def domain.EventDefinition, expectations map[string]interface{}, dueAt *time.Time, remaining int) error
	Unregister(taskGUID string)
	Throw(instanceID string, event domain.Event)
	BindKeys(instanceID string, keys map[string]interface{})
}
