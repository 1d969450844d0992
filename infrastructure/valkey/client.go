package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultKeyPrefix      = "azpost"
)

type Config struct {
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	Owner          string // value stored in locks, usually the server id
	ConnectTimeout time.Duration // defaults to DefaultConnectTimeout
}

// Client wraps valkey-go with key prefixing and a few helpers used across
// the scheduler (locks, pub/sub, scripts).
type Client struct {
	inner     valkeylib.Client
	keyPrefix string
	owner     string
}

// NewClient connects and pings within the configured timeout.
// The caller owns Close.
func NewClient(cfg Config) (*Client, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey (timeout: %v): %w", timeout, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	owner := cfg.Owner
	if owner == "" {
		owner = "1"
	}

	return &Client{
		inner:     inner,
		keyPrefix: prefix,
		owner:     owner,
	}, nil
}

func (c *Client) Inner() valkeylib.Client {
	return c.inner
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Key joins parts under the client prefix.
// Key("queue", "jobs") -> "azpost:queue:jobs"
func (c *Client) Key(parts ...string) string {
	if len(parts) == 0 {
		return strings.TrimSuffix(c.keyPrefix, ":")
	}
	return c.keyPrefix + strings.Join(parts, ":")
}

func (c *Client) KeyPrefix() string {
	return c.keyPrefix
}

func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Do(ctx, c.inner.B().Ping().Build()).Error()
}

// IsConnected pings with a short timeout.
func (c *Client) IsConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return c.Ping(ctx) == nil
}

// AcquireLock sets key to the owner id with NX and a TTL. It reports false when another
// holder owns the lock or Valkey is unreachable.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl < time.Second {
		ttl = time.Second
	}
	err := c.inner.Do(ctx, c.inner.B().Set().Key(c.Key("lock", key)).Value(c.owner).Nx().Ex(ttl).Build()).Error()
	return err == nil
}

var releaseLockScript = valkeylib.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// ReleaseLock drops a lock taken with AcquireLock, but only while this client
// still owns it.
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	return releaseLockScript.Exec(ctx, c.inner, []string{c.Key("lock", key)}, []string{c.owner}).Error()
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.inner.Do(ctx, c.inner.B().Publish().Channel(channel).Message(message).Build()).Error()
}

// Subscribe blocks, delivering messages on channel to fn until ctx is done.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(message string)) error {
	return c.inner.Receive(ctx, c.inner.B().Subscribe().Channel(channel).Build(), func(msg valkeylib.PubSubMessage) {
		fn(msg.Message)
	})
}

// IsNil reports whether err is a Valkey NIL response.
func IsNil(err error) bool {
	return valkeylib.IsValkeyNil(err)
}

// LockOwner returns the current holder of a lock taken with AcquireLock.
func (c *Client) LockOwner(ctx context.Context, key string) (string, error) {
	owner, err := c.inner.Do(ctx, c.inner.B().Get().Key(c.Key("lock", key)).Build()).ToString()
	if IsNil(err) {
		return "", nil
	}
	return owner, err
}
