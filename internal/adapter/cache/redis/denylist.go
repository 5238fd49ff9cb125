package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strogmv/sessionguard/internal/port"
)

const denylistKeyPrefix = "denylist:user:"

// Denylist stores one cutoff per user. Entries live as long as an access
// token can, after which every token they could reject has expired anyway.
type Denylist struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewDenylist(rdb redis.UniversalClient, accessTTL time.Duration) *Denylist {
	return &Denylist{rdb: rdb, ttl: accessTTL}
}

func denylistKey(userID string) string {
	return denylistKeyPrefix + userID
}

func (d *Denylist) BlacklistUser(ctx context.Context, userID string, cutoff time.Time) error {
	return d.rdb.Set(ctx, denylistKey(userID), strconv.FormatInt(cutoff.Unix(), 10), d.ttl).Err()
}

func (d *Denylist) IsBlacklisted(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	val, err := d.rdb.Get(ctx, denylistKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cutoff, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, err
	}
	// JWT iat has second precision.
	return issuedAt.Unix() <= cutoff, nil
}

var _ port.Denylist = (*Denylist)(nil)
