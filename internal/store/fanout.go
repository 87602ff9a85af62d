package store

import (
	"context"
	"sync"

	"github.com/atmx/spin-economy/internal/model"
)

const subscriberBuffer = 16

// fanout demultiplexes one change source into per-player subscriber
// channels. A backend holds a single upstream listener no matter how many
// players are subscribed.
type fanout struct {
	mu   sync.Mutex
	subs map[string]map[chan model.PlayerAccount]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]map[chan model.PlayerAccount]struct{})}
}

// subscribe registers a buffered feed for playerID that is removed and
// closed when ctx is done.
func (f *fanout) subscribe(ctx context.Context, playerID string) <-chan model.PlayerAccount {
	ch := make(chan model.PlayerAccount, subscriberBuffer)

	f.mu.Lock()
	if f.subs[playerID] == nil {
		f.subs[playerID] = make(map[chan model.PlayerAccount]struct{})
	}
	f.subs[playerID][ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs[playerID], ch)
		if len(f.subs[playerID]) == 0 {
			delete(f.subs, playerID)
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// watched reports whether anyone is subscribed to playerID.
func (f *fanout) watched(playerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[playerID]) > 0
}

// subscribers returns the number of live feeds across all players.
func (f *fanout) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, set := range f.subs {
		n += len(set)
	}
	return n
}

// publish hands snapshot to every feed of playerID. When a subscriber falls
// behind the oldest queued snapshot is discarded; every snapshot is a full
// document so the newest one supersedes it.
func (f *fanout) publish(playerID string, snapshot model.PlayerAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[playerID] {
		deliver(ch, snapshot)
	}
}

func deliver(ch chan model.PlayerAccount, snapshot model.PlayerAccount) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
