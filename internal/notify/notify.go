// Package notify carries the wake-up signal that tells dispatchers a change
// entry was committed. The signal holds only the entry id and is best-effort:
// a lost signal delays delivery until the next sweep but loses nothing, since
// the change log is the source of truth.
package notify

import (
	"context"
)

// Publisher announces a committed change entry.
type Publisher interface {
	Publish(ctx context.Context, entryID string) error
}

// Subscriber receives announced entry ids. The returned channel is closed
// when ctx is cancelled or the backend gives up. An empty id is a generic
// wake-up, sent when signals may have been missed.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// DefaultChannel is the channel name used when none is configured.
const DefaultChannel = "record_changes"

// subscriberBuffer bounds how many signals may queue per subscriber before
// further ones are dropped. Any single signal triggers a full drain, so
// dropping under backlog loses nothing.
const subscriberBuffer = 64

// offer sends id without blocking.
func offer(ch chan<- string, id string) bool {
	select {
	case ch <- id:
		return true
	default:
		return false
	}
}
