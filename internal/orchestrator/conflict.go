package orchestrator

import "time"

type resolution int

const (
	resolutionNone resolution = iota
	resolutionPushLocal
	resolutionPullRemote
)

// resolveLWW compares whole conversations by timestamp. There is no merge:
// when two devices edit the same conversation inside one debounce window the
// older edit is lost.
func resolveLWW(localUpdatedAt, remoteModifiedAt time.Time) resolution {
	switch {
	case localUpdatedAt.After(remoteModifiedAt):
		return resolutionPushLocal
	case remoteModifiedAt.After(localUpdatedAt):
		return resolutionPullRemote
	default:
		return resolutionNone
	}
}
