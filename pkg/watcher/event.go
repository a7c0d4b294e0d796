package watcher

import (
	"fmt"
	"time"
)

type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
	Moved    Kind = "moved"
)

type Source string

const (
	SourceWatch        Source = "watch"
	SourceFallbackScan Source = "fallback-scan"
)

// ChangeEvent is a normalized change below a protected root.
type ChangeEvent struct {
	Path      string    `json:"path"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// Terminal events announce that the path is gone from its location.
func (e ChangeEvent) Terminal() bool {
	return e.Kind == Deleted || e.Kind == Moved
}

type Mode string

const (
	ModeStarting Mode = "starting"
	ModeEvent    Mode = "event"
	ModeFallback Mode = "fallback"
	ModeStopped  Mode = "stopped"
)

// SubscriptionError is returned when OS notifications cannot be set up for a root.
type SubscriptionError struct {
	Root string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribing to changes below %s: %v", e.Root, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
