package crawl

import (
	"fmt"
	"strconv"
	"time"
)

// DefaultCycleWindow buckets triggers into hourly scheduling cycles. Two
// triggers for the same logical unit inside one window collapse to one task;
// the next window produces a fresh key.
const DefaultCycleWindow = time.Hour

// KeyGenerator derives deterministic idempotency keys from the logical
// identity of a fetch unit plus a bucketed-time cycle discriminator.
type KeyGenerator struct {
	clock  Clock
	window time.Duration
}

// NewKeyGenerator constructs a KeyGenerator. A non-positive window falls back
// to DefaultCycleWindow.
func NewKeyGenerator(clock Clock, window time.Duration) *KeyGenerator {
	if window <= 0 {
		window = DefaultCycleWindow
	}
	return &KeyGenerator{clock: clock, window: window}
}

// Key builds the idempotency key for one fetch unit:
//
//	sellerID:taskType:pageNumber|"":itemNo|"":cycleBucket
//
// MINI_SHOP tasks discriminate by page number, PRODUCT_DETAIL by item number;
// the unused component stays empty so key shapes never collide across types.
func (g *KeyGenerator) Key(sellerID int64, taskType TaskType, pageNumber *int, itemNo *string) string {
	page := ""
	if pageNumber != nil {
		page = strconv.Itoa(*pageNumber)
	}
	item := ""
	if itemNo != nil {
		item = *itemNo
	}
	bucket := g.clock.Now().Unix() / int64(g.window/time.Second)
	return fmt.Sprintf("%d:%s:%s:%s:%d", sellerID, taskType, page, item, bucket)
}
