package busserver

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sporket/bus/internal/envelope"
)

// frameRateLimiter provides per-message-type rate limiting for inbound
// frames on a single session. This bounds how fast a connected (but not
// necessarily well-behaved) peer can drive handshake retries or flood DATA
// frames; it does not change any validation outcome, only how often a
// frame is considered at all — over-limit frames are dropped with a log
// line and no reply to the peer, unlike signature and authentication
// failures, which get a signed ERROR reply.
type frameRateLimiter struct {
	mu      sync.Mutex
	limits  map[envelope.MessageType]frameLimit
	buckets map[envelope.MessageType]*tokenBucket
}

// frameLimit defines the token-bucket parameters for one message type.
type frameLimit struct {
	maxBurst       int
	refillInterval time.Duration
}

type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// defaultFrameLimits returns sensible per-session limits for each message
// type: AUTH retries are rare and expensive to verify, DATA/PING are the
// steady-state traffic and get the most headroom.
func defaultFrameLimits() map[envelope.MessageType]frameLimit {
	return map[envelope.MessageType]frameLimit{
		envelope.TypeAuth:  {maxBurst: 5, refillInterval: 5 * time.Second},
		envelope.TypeData:  {maxBurst: 50, refillInterval: 1 * time.Second},
		envelope.TypePing:  {maxBurst: 50, refillInterval: 1 * time.Second},
		envelope.TypeError: {maxBurst: 10, refillInterval: 5 * time.Second},
	}
}

func newFrameRateLimiter(limits map[envelope.MessageType]frameLimit) *frameRateLimiter {
	buckets := make(map[envelope.MessageType]*tokenBucket, len(limits))
	for msgType, limit := range limits {
		buckets[msgType] = &tokenBucket{
			tokens:     limit.maxBurst,
			maxTokens:  limit.maxBurst,
			refillRate: limit.refillInterval,
			lastRefill: time.Now(),
		}
	}
	return &frameRateLimiter{limits: limits, buckets: buckets}
}

// allow reports whether a frame of msgType should be processed, refilling
// its bucket based on elapsed time since the last check.
func (r *frameRateLimiter) allow(msgType envelope.MessageType, sessionUUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, exists := r.buckets[msgType]
	if !exists {
		// Unknown message types get a generous default.
		bucket = &tokenBucket{tokens: 20, maxTokens: 20, refillRate: 5 * time.Second, lastRefill: time.Now()}
		r.buckets[msgType] = bucket
	}

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	if elapsed >= bucket.refillRate && bucket.tokens < bucket.maxTokens {
		tokensToAdd := int(elapsed / bucket.refillRate)
		bucket.tokens += tokensToAdd
		if bucket.tokens > bucket.maxTokens {
			bucket.tokens = bucket.maxTokens
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}

	slog.Warn("busserver: rate limit exceeded, dropping frame",
		"uuid", sessionUUID,
		"type", string(msgType),
	)
	return false
}
