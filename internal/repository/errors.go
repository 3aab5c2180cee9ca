package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrInsufficientCapacity is returned when a capacity change would leave
	// available capacity outside [0, total].
	ErrInsufficientCapacity = errors.New("insufficient capacity")
)
