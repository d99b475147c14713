package requeststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/domain"
	"github.com/you-humble/mediaupload/uploader/internal/payload"
	"github.com/you-humble/mediaupload/uploader/internal/policy"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "upload"

type redisRequestStore struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisRequestStore keeps one hash per request plus a sorted set of ids
// ordered by creation time.
func NewRedisRequestStore(rdb redis.Cmdable, prefix string) *redisRequestStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &redisRequestStore{rdb: rdb, prefix: prefix}
}

func (s *redisRequestStore) Persist(ctx context.Context, r domain.UploadRequest) error {
	fields, err := encode(r)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", r.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.requestKey(r.ID), fields)
	pipe.ZAdd(ctx, s.byCreatedKey(), redis.Z{
		Score:  float64(r.CreatedAt.UnixNano()),
		Member: r.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis persist %s: %w", r.ID, err)
	}
	return nil
}

func (s *redisRequestStore) Load(ctx context.Context, id string) (domain.UploadRequest, error) {
	res, err := s.rdb.HGetAll(ctx, s.requestKey(id)).Result()
	if err != nil {
		return domain.UploadRequest{}, fmt.Errorf("redis load %s: %w", id, err)
	}
	if len(res) == 0 {
		return domain.UploadRequest{}, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
	}
	return decode(id, res)
}

// LoadPending returns every stored request, oldest first. Terminal requests
// stay in the store until their result has been delivered.
func (s *redisRequestStore) LoadPending(ctx context.Context) ([]domain.UploadRequest, error) {
	ids, err := s.rdb.ZRange(ctx, s.byCreatedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list requests: %w", err)
	}

	out := make([]domain.UploadRequest, 0, len(ids))
	for _, id := range ids {
		r, err := s.Load(ctx, id)
		if errors.Is(err, domain.ErrRequestNotFound) {
			s.rdb.ZRem(ctx, s.byCreatedKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisRequestStore) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.requestKey(id))
	pipe.ZRem(ctx, s.byCreatedKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

// DeleteFinishedOlderThan drops terminal requests created before now-ttl
// whose result nobody collected.
func (s *redisRequestStore) DeleteFinishedOlderThan(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	border := now.Add(-ttl).UnixNano()

	ids, err := s.rdb.ZRangeByScore(ctx, s.byCreatedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(border, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis range: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		status, err := s.rdb.HGet(ctx, s.requestKey(id), "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return deleted, fmt.Errorf("redis status %s: %w", id, err)
		}
		if status != "" && !domain.UploadStatus(status).IsTerminal() {
			continue
		}
		if err := s.Delete(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *redisRequestStore) requestKey(id string) string {
	return s.prefix + ":request:" + id
}

func (s *redisRequestStore) byCreatedKey() string {
	return s.prefix + ":requests:by_created"
}

func encode(r domain.UploadRequest) (map[string]any, error) {
	options, err := json.Marshal(r.Options)
	if err != nil {
		return nil, err
	}
	pol, err := json.Marshal(r.Policy)
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return nil, err
	}

	lastCode, lastDesc := 0, ""
	if r.LastError != nil {
		lastCode, lastDesc = int(r.LastError.Code), r.LastError.Description
	}

	return map[string]any{
		"status":          string(r.Status),
		"payload":         payload.ToURI(r.Payload),
		"options":         string(options),
		"policy":          string(pol),
		"min_latency":     int64(r.TimeWindow.MinLatency),
		"max_delay":       int64(r.TimeWindow.MaxExecutionDelay),
		"preprocess":      r.Preprocess,
		"error_count":     r.ErrorCount,
		"last_error_code": lastCode,
		"last_error":      lastDesc,
		"started":         strconv.FormatBool(r.Started),
		"result":          string(result),
		"created_at":      nanos(r.CreatedAt),
		"updated_at":      nanos(r.UpdatedAt),
		"not_before":      nanos(r.NotBefore),
	}, nil
}

func decode(id string, res map[string]string) (domain.UploadRequest, error) {
	r := domain.UploadRequest{
		ID:         id,
		Status:     domain.UploadStatus(res["status"]),
		Preprocess: res["preprocess"],
	}
	if !r.Status.Valid() {
		return domain.UploadRequest{}, fmt.Errorf("request %s: unknown status %q", id, res["status"])
	}

	p, err := payload.FromURI(res["payload"])
	if err != nil {
		return domain.UploadRequest{}, fmt.Errorf("request %s: %w", id, err)
	}
	r.Payload = p

	if v := res["options"]; v != "" {
		if err := json.Unmarshal([]byte(v), &r.Options); err != nil {
			return domain.UploadRequest{}, fmt.Errorf("request %s: %w", id, err)
		}
	}
	if v := res["policy"]; v != "" {
		if err := json.Unmarshal([]byte(v), &r.Policy); err != nil {
			return domain.UploadRequest{}, fmt.Errorf("request %s: policy: %w", id, err)
		}
	}
	if v := res["result"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &r.Result); err != nil {
			return domain.UploadRequest{}, fmt.Errorf("request %s: result: %w", id, err)
		}
	}

	r.TimeWindow = policy.TimeWindow{
		MinLatency:        time.Duration(parseInt(res["min_latency"])),
		MaxExecutionDelay: time.Duration(parseInt(res["max_delay"])),
	}
	r.ErrorCount = int(parseInt(res["error_count"]))
	r.Started, _ = strconv.ParseBool(res["started"])

	if code := parseInt(res["last_error_code"]); code != 0 {
		r.LastError = &domain.ErrorInfo{Code: domain.ErrorCode(code), Description: res["last_error"]}
	}

	r.CreatedAt = parseTime(res["created_at"])
	r.UpdatedAt = parseTime(res["updated_at"])
	r.NotBefore = parseTime(res["not_before"])

	return r, nil
}

func parseInt(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func parseTime(v string) time.Time {
	n := parseInt(v)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
