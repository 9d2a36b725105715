package redisindex

import "github.com/redis/go-redis/v9"

// Every script takes the same KEYS layout:
//
//	1 protected zset   2 protected hash   3 protected weight
//	4 probation zset   5 probation hash   6 probation weight
//	7 total weight     8 recency sequence
//
// Zset scores come from the sequence counter, so ordering is exact even for
// operations within the same millisecond. Hash values are entry weights.

// putScript: update in protected, promote out of probation, or insert into
// probation. Returns {previous weight or -1, promoted}.
var putScript = redis.NewScript(`
local k, v = ARGV[1], tonumber(ARGV[2])
local s = redis.call('INCR', KEYS[8])

local old = redis.call('HGET', KEYS[2], k)
if old then
  old = tonumber(old)
  redis.call('ZADD', KEYS[1], s, k)
  redis.call('HSET', KEYS[2], k, v)
  redis.call('INCRBY', KEYS[3], v - old)
  redis.call('INCRBY', KEYS[7], v - old)
  return {old, 0}
end

old = redis.call('HGET', KEYS[5], k)
if old then
  old = tonumber(old)
  redis.call('ZREM', KEYS[4], k)
  redis.call('HDEL', KEYS[5], k)
  redis.call('DECRBY', KEYS[6], old)
  redis.call('ZADD', KEYS[1], s, k)
  redis.call('HSET', KEYS[2], k, v)
  redis.call('INCRBY', KEYS[3], v)
  redis.call('INCRBY', KEYS[7], v - old)
  return {old, 1}
end

redis.call('ZADD', KEYS[4], s, k)
redis.call('HSET', KEYS[5], k, v)
redis.call('INCRBY', KEYS[6], v)
redis.call('INCRBY', KEYS[7], v)
return {-1, 0}
`)

// getScript: refresh a protected entry or promote a probation entry.
// Returns {weight, promoted} or nil.
var getScript = redis.NewScript(`
local k = ARGV[1]

local v = redis.call('HGET', KEYS[2], k)
if v then
  redis.call('ZADD', KEYS[1], redis.call('INCR', KEYS[8]), k)
  return {tonumber(v), 0}
end

v = redis.call('HGET', KEYS[5], k)
if v then
  redis.call('ZREM', KEYS[4], k)
  redis.call('HDEL', KEYS[5], k)
  redis.call('DECRBY', KEYS[6], v)
  redis.call('ZADD', KEYS[1], redis.call('INCR', KEYS[8]), k)
  redis.call('HSET', KEYS[2], k, v)
  redis.call('INCRBY', KEYS[3], v)
  return {tonumber(v), 1}
end

return false
`)

// removeScript deletes k from whichever segment holds it. Returns the
// removed weight or nil.
var removeScript = redis.NewScript(`
local k = ARGV[1]
for _, seg in ipairs({{1, 2, 3}, {4, 5, 6}}) do
  local old = redis.call('HGET', KEYS[seg[2]], k)
  if old then
    redis.call('ZREM', KEYS[seg[1]], k)
    redis.call('HDEL', KEYS[seg[2]], k)
    redis.call('DECRBY', KEYS[seg[3]], old)
    redis.call('DECRBY', KEYS[7], old)
    return tonumber(old)
  end
end
return false
`)

// demoteScript moves protected's eldest entry into probation if protected
// weighs more than ARGV[1]. Returns 1 if an entry moved.
var demoteScript = redis.NewScript(`
if tonumber(redis.call('GET', KEYS[3]) or '0') <= tonumber(ARGV[1]) then
  return 0
end
local eldest = redis.call('ZRANGE', KEYS[1], 0, 0)
local k = eldest[1]
if not k then
  return 0
end
local v = redis.call('HGET', KEYS[2], k)
redis.call('ZREM', KEYS[1], k)
redis.call('HDEL', KEYS[2], k)
redis.call('DECRBY', KEYS[3], v)
redis.call('ZADD', KEYS[4], redis.call('INCR', KEYS[8]), k)
redis.call('HSET', KEYS[5], k, v)
redis.call('INCRBY', KEYS[6], v)
return 1
`)

// evictScript removes probation's eldest entry if probation weighs more
// than ARGV[1]. Returns {key, weight} or nil.
var evictScript = redis.NewScript(`
if tonumber(redis.call('GET', KEYS[6]) or '0') <= tonumber(ARGV[1]) then
  return false
end
local eldest = redis.call('ZRANGE', KEYS[4], 0, 0)
local k = eldest[1]
if not k then
  return false
end
local v = redis.call('HGET', KEYS[5], k)
redis.call('ZREM', KEYS[4], k)
redis.call('HDEL', KEYS[5], k)
redis.call('DECRBY', KEYS[6], v)
redis.call('DECRBY', KEYS[7], v)
return {k, tonumber(v)}
`)
