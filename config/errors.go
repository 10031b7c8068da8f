package config

import "errors"

var ErrInvalid = errors.New("invalid camera configuration")
var ErrNotFound = errors.New("unknown camera")
var ErrDuplicatePath = errors.New("path name already in use")
var ErrPortInUse = errors.New("ONVIF port already in use")
var ErrBadMAC = errors.New("invalid MAC address")
