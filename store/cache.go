// Package store 缓存去背景后的 cutout，键为源图片字节的 md5
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/chaos-io/photobooth/config"
	"github.com/chaos-io/photobooth/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "cutout:"

// Cache cutout 缓存
type Cache interface {
	Get(ctx context.Context, key string) (image.Image, bool, error)
	Set(ctx context.Context, key string, img image.Image) error
}

// NopCache 未启用 Redis 时使用
type NopCache struct{}

func (NopCache) Get(context.Context, string) (image.Image, bool, error) { return nil, false, nil }
func (NopCache) Set(context.Context, string, image.Image) error         { return nil }

// kv RedisCache 依赖的最小命令集，便于测试替换
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type RedisCache struct {
	client kv
	ttl    time.Duration
}

func NewRedisCache(cfg *config.RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisCache) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get 从缓存获取 cutout，未命中返回 false
func (s *RedisCache) Get(ctx context.Context, key string) (image.Image, bool, error) {
	data, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		util.Logger.Error("failed to decode cached cutout", zap.String("key", key), zap.Error(err))
		return nil, false, fmt.Errorf("decode cached cutout: %w", err)
	}
	return img, true, nil
}

// Set 以 PNG 编码写入缓存
func (s *RedisCache) Set(ctx context.Context, key string, img image.Image) error {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return fmt.Errorf("encode cutout: %w", err)
	}
	return s.client.Set(ctx, keyPrefix+key, buf.Bytes(), s.ttl).Err()
}

func (s *RedisCache) Close() error {
	return s.client.Close()
}
