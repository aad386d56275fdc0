// Package signaling is the shared document store two peers use as their only
// rendezvous point. Documents are flat maps of JSON fields merged per field
// (last write wins); each document may own append-only item lists.
package signaling

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("signaling document not found")
	ErrChannelUnavailable = errors.New("signaling channel unavailable")
	ErrClosed             = errors.New("signaling channel closed")
)

// Key addresses one document, e.g. calls/3f2c....
type Key struct {
	Collection string
	ID         string
}

func (k Key) String() string {
	return k.Collection + "/" + k.ID
}

// CancelFunc stops a subscription. It is idempotent. A callback already
// running when it is called finishes, no new one starts afterwards.
type CancelFunc func()

type (
	WatchFunc func(Document)
	ItemFunc  func(Item)
)

// Channel is implemented by every backend.
//
// Watch and WatchList invoke their callback from one goroutine per
// subscription, never concurrently with itself. Watch first delivers the
// current document when it exists, then every later version. WatchList
// delivers every item of the list exactly once in append order, starting with
// the items already present.
type Channel interface {
	Write(ctx context.Context, key Key, fields map[string]any) error
	Read(ctx context.Context, key Key) (Document, error)
	Watch(ctx context.Context, key Key, fn WatchFunc) (CancelFunc, error)
	Append(ctx context.Context, key Key, list string, data any) (Item, error)
	WatchList(ctx context.Context, key Key, list string, fn ItemFunc) (CancelFunc, error)
	Close() error
}
