package storage

import (
	"errors"
	"fmt"

	"github.com/eleven-am/procflow/internal/domain"
)

type versionMismatch struct {
	key      string
	expected int64
	actual   int64
}

func (e *versionMismatch) Error() string {
	if e.actual < 0 {
		return fmt.Sprintf("version mismatch on %s: concurrent write", e.key)
	}
	return fmt.Sprintf("version mismatch on %s: expected %d, stored %d", e.key, e.expected, e.actual)
}

func (e *versionMismatch) Unwrap() error { return domain.ErrVersionConflict }

func isVersionMismatch(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict)
}
