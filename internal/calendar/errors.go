package calendar

import "errors"

var (
	ErrInvalidViewMode     = errors.New("invalid view mode")
	ErrInvalidStatusFilter = errors.New("invalid status filter")
)
