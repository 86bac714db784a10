package operation

// IsStatusTransitionValid reports whether a command may move from prev
// to next. Terminal states never transition: once successful or failed,
// any further non-clearing message is ignored. A repeat of the same
// status is never processed twice. Every other transition is allowed;
// the workflow engine owns the fine-grained state machine, this check
// only protects the cloud-side supervisor from replays and stale
// retained messages.
func IsStatusTransitionValid(prev, next string) bool {
	if prev == next {
		return false
	}
	switch prev {
	case "successful", "failed":
		return false
	}
	return true
}
