package model

import (
	"errors"
)

var (
	ErrInvalidJob    = errors.New("invalid job")
	ErrInvalidConfig = errors.New("invalid config")
)
