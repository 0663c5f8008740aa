package swr

import (
	"errors"
)

var (
	ErrClosed       = errors.New("swr: closed")
	ErrNilFetcher   = errors.New("swr: fetcher must not be nil")
	ErrEmptyKey     = errors.New("swr: key must not be empty")
	ErrTypeMismatch = errors.New("swr: cached value has a different type")
	ErrDecode       = errors.New("swr: failed to decode cached value")
)
