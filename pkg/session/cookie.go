package session

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// CookieName is the HTTP cookie that binds device POSTs to a session.
const CookieName = "ACSSESSIONID"

var ErrBadCookie = errors.New("malformed session cookie")

// Cookie is the decoded session cookie: device key, a random token and the
// shard that owns the device.
type Cookie struct {
	DeviceKey string
	Token     string
	Shard     int
}

func newCookie(deviceKey string, shards int) Cookie {
	return Cookie{DeviceKey: deviceKey, Token: uuid.NewString(), Shard: ShardOf(deviceKey, shards)}
}

func (c Cookie) String() string {
	return c.DeviceKey + "~" + c.Token + "~" + strconv.Itoa(c.Shard)
}

// ParseCookie decodes a cookie value and checks that its shard matches the device key.
func ParseCookie(value string, shards int) (Cookie, error) {
	parts := strings.Split(value, "~")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Cookie{}, ErrBadCookie
	}
	shard, err := strconv.Atoi(parts[2])
	if err != nil {
		return Cookie{}, fmt.Errorf("%w: %v", ErrBadCookie, err)
	}
	if shard < 0 || shard >= shards || shard != ShardOf(parts[0], shards) {
		return Cookie{}, fmt.Errorf("%w: shard %d does not own %s", ErrBadCookie, shard, parts[0])
	}
	return Cookie{DeviceKey: parts[0], Token: parts[1], Shard: shard}, nil
}

// ShardOf maps a device key to one of n shards.
func ShardOf(deviceKey string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(deviceKey))
	return int(h.Sum32() % uint32(n))
}
