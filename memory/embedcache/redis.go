package embedcache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/becomeliminal/nim-recall/memory/vector"
)

// RedisTier stores embeddings in Redis so they survive restarts and are
// shared across processes. Keys are namespace + the xxhash of the
// normalized text; values are little-endian float32.
type RedisTier struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedisTier returns a tier on client. A zero ttl keeps entries forever.
// Use a namespace per embedding model so vectors of different spaces never
// mix.
func NewRedisTier(client goredis.UniversalClient, namespace string, ttl time.Duration) *RedisTier {
	if namespace == "" {
		namespace = "recall:emb"
	}
	return &RedisTier{client: client, namespace: namespace, ttl: ttl}
}

func (t *RedisTier) key(norm string) string {
	return t.namespace + ":" + strconv.FormatUint(xxhash.Sum64String(norm), 16)
}

// Get implements Tier.
func (t *RedisTier) Get(ctx context.Context, key string) ([]float32, bool, error) {
	buf, err := t.client.Get(ctx, t.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := vector.Decode(buf)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Set implements Tier.
func (t *RedisTier) Set(ctx context.Context, key string, vec []float32) error {
	return t.client.Set(ctx, t.key(key), vector.Encode(vec), t.ttl).Err()
}
