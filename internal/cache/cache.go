package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Cache is the best-effort read cache. Absence of a cache entry (or of the
// cache itself) never affects correctness, only read latency.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Invalidate removes every key matching the glob-style pattern.
	Invalidate(ctx context.Context, pattern string) error
}

const (
	directConvPrefix = "conv:direct:"
	groupConvPrefix  = "conv:group:"
	groupMembersKey  = "group:members:"
)

// DirectConversationPattern covers every pagination variant of the direct
// conversation between two peers. The pair is sorted so both directions map
// to the same keyspace.
func DirectConversationPattern(userA, userB string) string {
	lo, hi := userA, userB
	if strings.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("%s%s:%s:*", directConvPrefix, lo, hi)
}

// DirectConversationKey names one page of a direct conversation.
func DirectConversationKey(userA, userB string, limit, offset int) string {
	lo, hi := userA, userB
	if strings.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("%s%s:%s:%d:%d", directConvPrefix, lo, hi, limit, offset)
}

// GroupConversationPattern covers the single group-messages keyspace.
func GroupConversationPattern(groupID string) string {
	return groupConvPrefix + groupID + ":*"
}

// GroupConversationKey names one page of a group conversation.
func GroupConversationKey(groupID string, limit, offset int) string {
	return fmt.Sprintf("%s%s:%d:%d", groupConvPrefix, groupID, limit, offset)
}

// GroupMembersKey holds the short-TTL membership snapshot.
func GroupMembersKey(groupID string) string {
	return groupMembersKey + groupID
}
