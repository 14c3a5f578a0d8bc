package therapy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ayurcare/emr/internal/platform/db"
)

// CycleCache holds the active-cycle projection per patient for clients that
// poll it. A cached nil view records that the patient has no active cycle.
//
// Every Invalidate bumps a per-patient generation. Get reports the
// generation it observed and Set stores only while that generation is still
// current, so a view read before a commit is never written back after it.
type CycleCache interface {
	Get(ctx context.Context, patientID int64) (view *CycleView, gen int64, found bool, err error)
	Set(ctx context.Context, patientID int64, gen int64, view *CycleView) error
	Invalidate(ctx context.Context, patientID int64) error
}

type nopCache struct{}

func (nopCache) Get(context.Context, int64) (*CycleView, int64, bool, error) { return nil, 0, false, nil }
func (nopCache) Set(context.Context, int64, int64, *CycleView) error { return nil }
func (nopCache) Invalidate(context.Context, int64) error { return nil }

type redisClient interface {
	redis.Scripter
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// genTTL outlives any view TTL; an expired generation restarts at zero.
const genTTL = 24 * time.Hour

// KEYS[1] view, KEYS[2] generation; ARGV gen, payload, ttl ms (0 keeps forever).
var setIfCurrent = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// KEYS[1] view, KEYS[2] generation; ARGV generation ttl ms.
var bumpGeneration = redis.NewScript(`
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// RedisCycleCache stores projections as JSON under a per-clinic key.
type RedisCycleCache struct {
	client redisClient
	ttl    time.Duration
}

func NewRedisCycleCache(client redis.UniversalClient, ttl time.Duration) *RedisCycleCache {
	return &RedisCycleCache{client: client, ttl: ttl}
}

// cacheKeys returns the view and generation keys. The hash tag keeps both in
// one cluster slot so the scripts may touch them together.
func cacheKeys(ctx context.Context, patientID int64) (view, gen string) {
	clinic := db.ClinicFromContext(ctx)
	if clinic == "" {
		clinic = "_"
	}
	base := fmt.Sprintf("emr:%s:therapy:patient:{%d}", clinic, patientID)
	return base + ":active", base + ":gen"
}

func (c *RedisCycleCache) Get(ctx context.Context, patientID int64) (*CycleView, int64, bool, error) {
	viewKey, genKey := cacheKeys(ctx, patientID)
	vals, err := c.client.MGet(ctx, viewKey, genKey).Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("redis mget: %w", err)
	}
	if len(vals) != 2 {
		return nil, 0, false, fmt.Errorf("redis mget: %d values", len(vals))
	}

	var gen int64
	if s, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, 0, false, fmt.Errorf("decode cache generation: %w", err)
		}
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, false, nil
	}
	var view *CycleView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, gen, false, fmt.Errorf("decode cached cycle: %w", err)
	}
	return view, gen, true, nil
}

// Set stores view unless the patient was invalidated after gen was read.
func (c *RedisCycleCache) Set(ctx context.Context, patientID int64, gen int64, view *CycleView) error {
	raw, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode cycle: %w", err)
	}
	viewKey, genKey := cacheKeys(ctx, patientID)
	err = setIfCurrent.Run(ctx, c.client, []string{viewKey, genKey},
		strconv.FormatInt(gen, 10), string(raw), c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCycleCache) Invalidate(ctx context.Context, patientID int64) error {
	viewKey, genKey := cacheKeys(ctx, patientID)
	err := bumpGeneration.Run(ctx, c.client, []string{viewKey, genKey}, genTTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	return nil
}
