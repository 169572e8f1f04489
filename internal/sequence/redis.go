package sequence

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "retailpos:sale_txn_seq"

// seedScript raises the counter to ARGV[1] without ever lowering it, in one
// server-side step so concurrent INCRs cannot interleave with the seed.
var seedScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call("SET", KEYS[1], floor)
	return floor
end
return current
`)

var _ Seeder = (*Redis)(nil)

// Redis draws numbers with INCR on a single key, so every process sharing
// the Redis instance shares one counter.
type Redis struct {
	client redis.UniversalClient
	key    string
}

func NewRedis(client redis.UniversalClient, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (s *Redis) Next(ctx context.Context) (int64, error) {
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, err
	}
	return CheckRange(n)
}

// Seed makes sure the next draw continues after floor, the highest number
// already persisted by the sale store.
func (s *Redis) Seed(ctx context.Context, floor int64) (int64, error) {
	return seedScript.Run(ctx, s.client, []string{s.key}, floor).Int64()
}
