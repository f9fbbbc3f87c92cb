package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"orderhub/internal/cache"
	"orderhub/internal/model"
)

const DefaultDedupeTTL = 24 * time.Hour

// Inbox drops channel redeliveries of a payload it has already accepted.
type Inbox struct {
	cache cache.Store
	ttl   time.Duration
}

func NewInbox(c cache.Store, ttl time.Duration) *Inbox {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &Inbox{cache: c, ttl: ttl}
}

func inboxKey(ch model.Channel, body []byte) string {
	sum := sha256.Sum256(body)
	return "webhook:" + string(ch) + ":" + hex.EncodeToString(sum[:])
}

// Claim is true the first time body arrives on ch within the ttl.
func (i *Inbox) Claim(ctx context.Context, ch model.Channel, body []byte) (bool, error) {
	return i.cache.SetNX(ctx, inboxKey(ch, body), time.Now().UTC().Format(time.RFC3339), i.ttl)
}

// Release forgets body so that a redelivery is processed again.
func (i *Inbox) Release(ctx context.Context, ch model.Channel, body []byte) error {
	return i.cache.Delete(ctx, inboxKey(ch, body))
}
