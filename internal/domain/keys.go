package domain

import "fmt"

const (
	DocumentPrefix = "instance:doc:"
	LockPrefix     = "instance:lock:"
)

// DocumentKey builds the storage key of a serialized process instance
func DocumentKey(instanceID string) string {
	return fmt.Sprintf("%s%s", DocumentPrefix, instanceID)
}

// LockKey builds the storage key of an instance lock record
func LockKey(instanceID string) string {
	return fmt.Sprintf("%s%s", LockPrefix, instanceID)
}
