package leds

import "errors"

var (
	ErrInvalidChannel = errors.New("invalid_channel")
	ErrInvalidFPS     = errors.New("invalid_fps")
	ErrNoDriver       = errors.New("no_driver")
)
