package entitystore

import "fmt"

// UnknownParentError is returned by HTTP-path Create when the named
// parent is not itself a registered entity. MQTT intake never returns
// this error; it buffers the registration as pending instead.
type UnknownParentError struct{ Parent string }

func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("unknown parent: %s", e.Parent)
}

// ConflictingTypeError is returned when a topic id already registered
// with a different entity type is registered again.
type ConflictingTypeError struct {
	TopicID  string
	Existing EntityType
	New      EntityType
}

func (e *ConflictingTypeError) Error() string {
	return fmt.Sprintf("entity %s already registered as %s, cannot re-register as %s", e.TopicID, e.Existing, e.New)
}

// UnknownEntityError is returned by SetTwinFragments for a topic id with
// no registered entity; a registration still pending counts as unknown.
type UnknownEntityError struct{ TopicID string }

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown entity: %s", e.TopicID)
}

// ConflictingExternalIDError is returned when two different topic ids
// would resolve to the same cloud-visible external id.
type ConflictingExternalIDError struct {
	ExternalID string
	Existing   string
	New        string
}

func (e *ConflictingExternalIDError) Error() string {
	return fmt.Sprintf("external id %q already used by %s, cannot also assign it to %s", e.ExternalID, e.Existing, e.New)
}

// InvalidRegistrationError is logged and the message dropped; it never
// reaches a caller synchronously because MQTT intake is one-way.
type InvalidRegistrationError struct{ Reason string }

func (e *InvalidRegistrationError) Error() string {
	return fmt.Sprintf("invalid registration: %s", e.Reason)
}
