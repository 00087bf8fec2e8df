package ports

import "github.com/eleven-am/procflow/internal/domain"

type LifecycleHandler func(event domain.LifecycleEvent)

// LifecyclePublisher fans lifecycle events out to in-process subscribers.
type LifecyclePublisher interface {
	Publish(event domain.LifecycleEvent)
	Subscribe(types []domain.LifecycleType, handler LifecycleHandler) (string, error)
	Unsubscribe(id string) error
}
