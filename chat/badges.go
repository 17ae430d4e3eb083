package chat

import (
	"sync"

	"github.com/onnwee/chatgate/eventsub"
	"github.com/onnwee/chatgate/twitchapi"
)

// badgeCache holds the global and channel badge sets. Lookups try the global
// set first.
type badgeCache struct {
	mu      sync.RWMutex
	global  map[string]map[string]twitchapi.BadgeVersion
	channel map[string]map[string]twitchapi.BadgeVersion
}

func indexBadges(sets []twitchapi.BadgeSet) map[string]map[string]twitchapi.BadgeVersion {
	idx := make(map[string]map[string]twitchapi.BadgeVersion, len(sets))
	for _, set := range sets {
		versions := make(map[string]twitchapi.BadgeVersion, len(set.Versions))
		for _, v := range set.Versions {
			versions[v.ID] = v
		}
		idx[set.SetID] = versions
	}
	return idx
}

func (b *badgeCache) setGlobal(sets []twitchapi.BadgeSet) {
	idx := indexBadges(sets)
	b.mu.Lock()
	b.global = idx
	b.mu.Unlock()
}

func (b *badgeCache) setChannel(sets []twitchapi.BadgeSet) {
	idx := indexBadges(sets)
	b.mu.Lock()
	b.channel = idx
	b.mu.Unlock()
}

// resolve maps chatter badges to their metadata. It returns nil until both
// sets have been loaded; badges found in neither set are skipped.
func (b *badgeCache) resolve(infos []eventsub.BadgeInfo) []twitchapi.BadgeVersion {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.global == nil || b.channel == nil {
		return nil
	}
	out := make([]twitchapi.BadgeVersion, 0, len(infos))
	for _, info := range infos {
		if v, ok := b.global[info.SetID][info.ID]; ok {
			out = append(out, v)
			continue
		}
		if v, ok := b.channel[info.SetID][info.ID]; ok {
			out = append(out, v)
		}
	}
	return out
}
