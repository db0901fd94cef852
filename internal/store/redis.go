package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-call-scheduler/internal/clock"
	"github.com/acme/outbound-call-scheduler/internal/queue"
)

// claimDueScript pops due entries from the retry ZSET one at a time, removing
// each inside the same server-side evaluation. Two concurrent claimants can
// never receive the same call id.
var claimDueScript = redis.NewScript(`
local zkey = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local res = {}
for i = 1, limit, 1 do
  local ids = redis.call('ZRANGEBYSCORE', zkey, '-inf', now, 'LIMIT', 0, 1)
  if (ids == nil) or (#ids == 0) then break end
  local id = ids[1]
  redis.call('ZREM', zkey, id)
  table.insert(res, id)
end
return res
`)

// RedisStore implements Store on a single Redis connection.
type RedisStore struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedisStore wraps a redis client. A nil clock defaults to wall time.
func NewRedisStore(client *redis.Client, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisStore{client: client, clock: clk}
}

func (s *RedisStore) MarkLeadSuccess(ctx context.Context, campaignID, leadID string) error {
	return s.client.SAdd(ctx, doneKey(campaignID), leadID).Err()
}

func (s *RedisStore) IsLeadSuccess(ctx context.Context, campaignID, leadID string) (bool, error) {
	return s.client.SIsMember(ctx, doneKey(campaignID), leadID).Result()
}

func (s *RedisStore) MarkPhoneSuccess(ctx context.Context, campaignID, phone string) error {
	return s.client.SAdd(ctx, donePhoneKey(campaignID), phone).Err()
}

func (s *RedisStore) IsPhoneSuccess(ctx context.Context, campaignID, phone string) (bool, error) {
	return s.client.SIsMember(ctx, donePhoneKey(campaignID), phone).Result()
}

func (s *RedisStore) MarkInProgress(ctx context.Context, campaignID, leadID string) error {
	return s.client.SAdd(ctx, inProgKey(campaignID), leadID).Err()
}

func (s *RedisStore) ClearInProgress(ctx context.Context, campaignID, leadID string) error {
	return s.client.SRem(ctx, inProgKey(campaignID), leadID).Err()
}

func (s *RedisStore) IsInProgress(ctx context.Context, campaignID, leadID string) (bool, error) {
	return s.client.SIsMember(ctx, inProgKey(campaignID), leadID).Result()
}

func (s *RedisStore) MarkPhoneInProgress(ctx context.Context, campaignID, phone string) error {
	return s.client.SAdd(ctx, inProgPhoneKey(campaignID), phone).Err()
}

func (s *RedisStore) ClearPhoneInProgress(ctx context.Context, campaignID, phone string) error {
	return s.client.SRem(ctx, inProgPhoneKey(campaignID), phone).Err()
}

func (s *RedisStore) IsPhoneInProgress(ctx context.Context, campaignID, phone string) (bool, error) {
	return s.client.SIsMember(ctx, inProgPhoneKey(campaignID), phone).Result()
}

// SaveFailureAndScheduleRetry writes the payload hash and the retry index
// entry in one MULTI/EXEC so a crash can never leave one without the other.
func (s *RedisStore) SaveFailureAndScheduleRetry(ctx context.Context, campaignID, callID string, payload map[string]any, delay time.Duration) error {
	fields, err := EncodePayload(payload)
	if err != nil {
		return err
	}

	dueAt := s.clock.Now().Add(delay).Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, callKey(callID), fields)
	pipe.ZAdd(ctx, retryKey(campaignID), redis.Z{Score: float64(dueAt), Member: callID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: schedule retry: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveSuccessAndFinalize(ctx context.Context, callID string) error {
	return s.client.Del(ctx, callKey(callID)).Err()
}

func (s *RedisStore) RemoveRetry(ctx context.Context, campaignID, callID string) error {
	return s.client.ZRem(ctx, retryKey(campaignID), callID).Err()
}

func (s *RedisStore) ClaimDueRetries(ctx context.Context, campaignID string, limit int) ([]string, error) {
	now := s.clock.Now().Unix()
	res, err := claimDueScript.Run(ctx, s.client, []string{retryKey(campaignID)}, now, limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("store: claim due retries: %w", err)
	}
	return res, nil
}

func (s *RedisStore) GetCallPayload(ctx context.Context, callID string) (map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, callKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get call payload: %w", err)
	}
	return DecodePayload(fields), nil
}

func (s *RedisStore) PushCallRequest(ctx context.Context, req queue.CallRequest) error {
	return s.push(ctx, RequestQueueKey, req)
}

func (s *RedisStore) PopCallRequest(ctx context.Context, timeout time.Duration) (*queue.CallRequest, error) {
	var req queue.CallRequest
	ok, err := s.pop(ctx, RequestQueueKey, timeout, &req)
	if err != nil || !ok {
		return nil, err
	}
	return &req, nil
}

func (s *RedisStore) PushCallCallback(ctx context.Context, cb queue.CallCallback) error {
	return s.push(ctx, CallbackQueueKey, cb)
}

func (s *RedisStore) PopCallCallback(ctx context.Context, timeout time.Duration) (*queue.CallCallback, error) {
	var cb queue.CallCallback
	ok, err := s.pop(ctx, CallbackQueueKey, timeout, &cb)
	if err != nil || !ok {
		return nil, err
	}
	return &cb, nil
}

func (s *RedisStore) CountLeadSuccesses(ctx context.Context, campaignID string) (int64, error) {
	return s.client.SCard(ctx, doneKey(campaignID)).Result()
}

func (s *RedisStore) CountInProgress(ctx context.Context, campaignID string) (int64, error) {
	return s.client.SCard(ctx, inProgKey(campaignID)).Result()
}

func (s *RedisStore) CountPendingRetries(ctx context.Context, campaignID string) (int64, error) {
	return s.client.ZCard(ctx, retryKey(campaignID)).Result()
}

// push LPUSHes a JSON message; consumers BRPOP from the tail, giving FIFO
// order.
func (s *RedisStore) push(ctx context.Context, key string, msg any) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: marshal %s message: %w", key, err)
	}
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("store: push %s: %w", key, err)
	}
	return nil
}

// pop BRPOPs one message; a timeout is not an error and reports ok=false.
func (s *RedisStore) pop(ctx context.Context, key string, timeout time.Duration, out any) (bool, error) {
	res, err := s.client.BRPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("store: pop %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("store: pop %s: unexpected reply size %d", key, len(res))
	}
	if err := json.Unmarshal([]byte(res[1]), out); err != nil {
		return false, fmt.Errorf("store: unmarshal %s message: %w", key, err)
	}
	return true, nil
}
