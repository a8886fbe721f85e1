package redis

import goredis "github.com/redis/go-redis/v9"

// extendIfHolder resets the ttl of KEYS[1] only while it still holds ARGV[1].
var extendIfHolder = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// deleteIfHolder deletes KEYS[1] only while it still holds ARGV[1].
var deleteIfHolder = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
