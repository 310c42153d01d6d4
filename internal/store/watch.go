package store

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Change is one coalesced batch of keys written or deleted under a watched prefix.
type Change struct {
	Keys []string
}

// Watch streams changes to keys under prefix until ctx is cancelled. Notices arriving
// within the coalescing window are merged into a single Change. The channel is closed
// when the watch ends.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan Change, error) {
	ps := s.rdb.PSubscribe(ctx, changePrefix+escapeGlob(prefix)+"*")
	// Wait for the subscription to be confirmed so no write after Watch returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable(err, "watch", prefix)
	}

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		var (
			pending map[string]struct{}
			flush   <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if pending == nil {
					pending = make(map[string]struct{})
					flush = time.After(s.coalesce)
				}
				pending[strings.TrimPrefix(m.Channel, changePrefix)] = struct{}{}
			case <-flush:
				keys := make([]string, 0, len(pending))
				for k := range pending {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				pending, flush = nil, nil
				select {
				case out <- Change{Keys: keys}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
