package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrActivityNotFound  = errors.New("activity not found")
	ErrActivityNotActive = errors.New("activity not active")
	ErrInvalidActivity   = errors.New("invalid activity")
	ErrOutOfStock        = errors.New("out of stock")
	ErrDuplicateGroup    = errors.New("leader already has a forming group for this activity")
	ErrGroupNotFound     = errors.New("group not found")
	ErrGroupFinished     = errors.New("group already finished")
	ErrGroupExpired      = errors.New("group expired")
	ErrAlreadyJoined     = errors.New("shopper already joined this group")
	ErrJoinLimitReached  = errors.New("per-user join limit reached")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrSettlementFailed  = errors.New("group filled but stock reservation failed")
	ErrLockHeld          = errors.New("lock already held")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
)
