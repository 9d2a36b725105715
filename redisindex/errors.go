package redisindex

import "errors"

var (
	ErrFailedToParseRedisConnString = errors.New("redisindex: failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redisindex: redis did not become ready within the given time period")
	ErrInvalidName                  = errors.New("redisindex: empty index name")
	ErrUnexpectedReply              = errors.New("redisindex: unexpected script reply")
)
