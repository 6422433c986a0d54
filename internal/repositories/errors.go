package repositories

import "errors"

var (
	ErrNotFound     = errors.New("record not found")
	ErrNotClaimable = errors.New("evaluation is not claimable")
)
