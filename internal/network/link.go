// Package network moves raw mesh packets between devices. A Link behaves
// like a broadcast radio: Send reaches every neighbor currently in range.
package network

import "github.com/pkg/errors"

var ErrClosed = errors.New("link closed")

type Link interface {
	Send(packet []byte) error
	SetReceiver(fn func(packet []byte))
	Close() error
}
