//go:build !linux

package nic

import (
	"github.com/onvifcam/gateway/log"
)

// New returns the unsupported Manager on hosts without macvlan support.
func New(logger log.Logger) Manager {
	return NewUnsupported()
}
