package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

var (
	deleteIfValueScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendIfValueScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type CacheBuilder struct {
	cache      valkey.Client
	key        string
	value      string
	ttl        time.Duration
	ctx        context.Context
	ctxTimeout time.Duration
	err        error
}

func NewCacheBuilder(cache valkey.Client, key string) *CacheBuilder {
	return &CacheBuilder{
		cache:      cache,
		key:        key,
		ttl:        1 * time.Hour,
		ctxTimeout: 5 * time.Second,
		ctx:        context.Background(),
	}
}

func (cb *CacheBuilder) WithValue(value string) *CacheBuilder {
	cb.value = value
	return cb
}

func (cb *CacheBuilder) WithStruct(value any) *CacheBuilder {
	bytes, err := json.Marshal(value)
	if err != nil {
		cb.err = fmt.Errorf("failed to marshal value to json: %w", err)
		return cb
	}

	cb.value = string(bytes)
	return cb
}

func (cb *CacheBuilder) WithHash(hash string) *CacheBuilder {
	if hash != "" {
		cb.key = fmt.Sprintf("%s:%s", hash, cb.key)
	}

	return cb
}

func (cb *CacheBuilder) Key() string {
	return cb.key
}

func (cb *CacheBuilder) WithTTL(ttl time.Duration) *CacheBuilder {
	cb.ttl = ttl
	return cb
}

func (cb *CacheBuilder) WithContext(ctx context.Context) *CacheBuilder {
	cb.ctx = ctx
	return cb
}

func (cb *CacheBuilder) WithTimeout(timeout time.Duration) *CacheBuilder {
	cb.ctxTimeout = timeout
	return cb
}

func (cb *CacheBuilder) validate(needValue bool) error {
	if cb.err != nil {
		return cb.err
	}
	if cb.key == "" {
		return fmt.Errorf("key is required")
	}
	if needValue && cb.value == "" {
		return fmt.Errorf("value is required")
	}
	return nil
}

func (cb *CacheBuilder) Set() error {
	if err := cb.validate(true); err != nil {
		return err
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	return cb.cache.Do(ctx, cb.cache.B().Set().Key(cb.key).Value(cb.value).Px(cb.ttl).Build()).
		Error()
}

// SetNX stores the value only when the key is absent and reports whether it did.
func (cb *CacheBuilder) SetNX() (bool, error) {
	if err := cb.validate(true); err != nil {
		return false, err
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	err := cb.cache.Do(ctx, cb.cache.B().Set().Key(cb.key).Value(cb.value).Nx().Px(cb.ttl).Build()).
		Error()
	if valkey.IsValkeyNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (cb *CacheBuilder) Get(result any) (bool, error) {
	if err := cb.validate(false); err != nil {
		return false, err
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	data, err := cb.cache.Do(ctx, cb.cache.B().Get().Key(cb.key).Build()).ToString()
	if err != nil {
		if isKeyNotFoundError(err) {
			return false, nil
		}
		return false, err
	}

	if data == "" {
		return false, nil
	}

	if err := json.Unmarshal([]byte(data), result); err != nil {
		return false, err
	}

	return true, nil
}

// GetString returns the raw stored value.
func (cb *CacheBuilder) GetString() (string, bool, error) {
	if err := cb.validate(false); err != nil {
		return "", false, err
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	data, err := cb.cache.Do(ctx, cb.cache.B().Get().Key(cb.key).Build()).ToString()
	if err != nil {
		if isKeyNotFoundError(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return data, true, nil
}

func (cb *CacheBuilder) Delete() error {
	if err := cb.validate(false); err != nil {
		return err
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	return cb.cache.Do(ctx, cb.cache.B().Del().Key(cb.key).Build()).Error()
}

// DeleteIfValue removes the key only while it still holds the builder's value.
func (cb *CacheBuilder) DeleteIfValue() (bool, error) {
	if err := cb.validate(true); err != nil {
		return false, err
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	removed, err := deleteIfValueScript.Exec(ctx, cb.cache, []string{cb.key}, []string{cb.value}).
		AsInt64()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}

// ExtendIfValue resets the TTL only while the key still holds the builder's value.
func (cb *CacheBuilder) ExtendIfValue() (bool, error) {
	if err := cb.validate(true); err != nil {
		return false, err
	}

	ctx, cancel := cb.createTimeoutContext()
	defer cancel()

	extended, err := extendIfValueScript.Exec(
		ctx,
		cb.cache,
		[]string{cb.key},
		[]string{cb.value, fmt.Sprintf("%d", cb.ttl.Milliseconds())},
	).AsInt64()
	if err != nil {
		return false, err
	}
	return extended == 1, nil
}

func (cb *CacheBuilder) createTimeoutContext() (context.Context, context.CancelFunc) {
	if deadline, ok := cb.ctx.Deadline(); ok {
		if time.Until(deadline) < cb.ctxTimeout {
			return context.WithCancel(cb.ctx)
		}
	}
	return context.WithTimeout(cb.ctx, cb.ctxTimeout)
}

// isKeyNotFoundError checks if the error is a "key not found" error from Valkey
func isKeyNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	return valkey.IsValkeyNil(err) || strings.Contains(err.Error(), "key not found")
}
