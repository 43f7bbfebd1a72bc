package sensor

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDevice      = errors.New("invalid_device")
	ErrProtocolViolation  = errors.New("protocol_violation")
	ErrRecoveryInProgress = fmt.Errorf("recovery_in_progress: %w", ErrProtocolViolation)
	ErrNotRunning         = errors.New("not_running")
	ErrNoDevice           = errors.New("no_device")
	ErrAddressCollision   = errors.New("address_collision")
)
