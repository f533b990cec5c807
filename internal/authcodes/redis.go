package authcodes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "authcode:"

// consumeScript performs the single-use check-and-mark server-side so that
// concurrent exchanges racing across processes still produce exactly one
// winner. Key expiry stands in for code expiry: an expired code is simply
// gone.
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return {'missing', ''}
end
local doc = cjson.decode(raw)
if doc.used_at then
	return {'used', ''}
end
doc.used_at = ARGV[1]
local encoded = cjson.encode(doc)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], encoded, 'PX', ttl)
else
	redis.call('SET', KEYS[1], encoded)
end
return {'ok', encoded}
`)

type redisCode struct {
	Value               string     `json:"value"`
	ClientID            string     `json:"client_id"`
	RedirectURI         string     `json:"redirect_uri"`
	Scope               string     `json:"scope,omitempty"`
	Resource            string     `json:"resource,omitempty"`
	Subject             string     `json:"subject,omitempty"`
	CodeChallenge       string     `json:"code_challenge"`
	CodeChallengeMethod string     `json:"code_challenge_method"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	UsedAt              *time.Time `json:"used_at,omitempty"`
}

func toRedisCode(c *Code) *redisCode {
	return &redisCode{
		Value:               c.Value,
		ClientID:            c.ClientID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		Resource:            c.Resource,
		Subject:             c.Subject,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		CreatedAt:           c.CreatedAt,
		ExpiresAt:           c.ExpiresAt,
		UsedAt:              c.UsedAt,
	}
}

func (rc *redisCode) toCode() *Code {
	return &Code{
		Value:               rc.Value,
		ClientID:            rc.ClientID,
		RedirectURI:         rc.RedirectURI,
		Scope:               rc.Scope,
		Resource:            rc.Resource,
		Subject:             rc.Subject,
		CodeChallenge:       rc.CodeChallenge,
		CodeChallengeMethod: rc.CodeChallengeMethod,
		CreatedAt:           rc.CreatedAt,
		ExpiresAt:           rc.ExpiresAt,
		UsedAt:              rc.UsedAt,
	}
}

// RedisStore is a Store backed by Redis, suitable when multiple server
// processes share the authorization surface.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(value string) string {
	return redisKeyPrefix + value
}

func (s *RedisStore) Create(ctx context.Context, code *Code) error {
	raw, err := json.Marshal(toRedisCode(code))
	if err != nil {
		return fmt.Errorf("failed to encode code: %w", err)
	}
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("code is already expired")
	}
	ok, err := s.client.SetNX(ctx, s.key(code.Value), raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store code: %w", err)
	}
	if !ok {
		return fmt.Errorf("code %s already exists", code.Value)
	}
	return nil
}

func (s *RedisStore) GetValid(ctx context.Context, value string) (*Code, error) {
	raw, err := s.client.Get(ctx, s.key(value)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}

	var rc redisCode
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("failed to decode code: %w", err)
	}
	code := rc.toCode()
	if code.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	if code.UsedAt != nil {
		return nil, ErrAlreadyUsed
	}
	return code, nil
}

func (s *RedisStore) Consume(ctx context.Context, value string) (*Code, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(value)}, time.Now().UTC().Format(time.RFC3339Nano)).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume code: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected consume reply of %d elements", len(res))
	}
	status, _ := res[0].(string)
	switch status {
	case "ok":
	case "missing":
		return nil, ErrNotFound
	case "used":
		return nil, ErrAlreadyUsed
	default:
		return nil, fmt.Errorf("unexpected consume status %q", status)
	}

	encoded, _ := res[1].(string)
	var rc redisCode
	if err := json.Unmarshal([]byte(encoded), &rc); err != nil {
		return nil, fmt.Errorf("failed to decode consumed code: %w", err)
	}
	code := rc.toCode()
	if code.Expired(time.Now()) {
		// Raced the key's expiry; treat like any other expired code.
		return nil, ErrNotFound
	}
	return code, nil
}
