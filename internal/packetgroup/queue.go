// Package packetgroup reconciles duplicate relays of one mesh transmission.
//
// Multiple gateways may forward the same packet to the broker, producing
// several envelopes with the same packet id but different gateway ids. The
// queue collects them over a time window; the owning client periodically pops
// aged groups and persists each as a single record with its unique gateway
// set.
package packetgroup

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/meshproto"
)

// Group holds every observed relay of one logical transmission. The first
// event is authoritative for sender name, payload and timestamp; later events
// only contribute their gateway id.
type Group struct {
	PacketID  uint64
	FirstSeen time.Time
	Events    []*meshproto.Event
}

// UniqueGatewayIDs returns the distinct non-empty gateway ids that relayed
// this packet, sorted for stable persistence order.
func (g *Group) UniqueGatewayIDs() []string {
	seen := make(map[string]struct{}, len(g.Events))
	for _, ev := range g.Events {
		if ev.GatewayID != "" {
			seen[ev.GatewayID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GatewayCount returns the number of distinct non-empty gateway ids.
func (g *Group) GatewayCount() int { return len(g.UniqueGatewayIDs()) }

// Queue is the live index of in-window packet groups plus the duplicate-hash
// set. Add and PopGroupsOlderThan are mutually exclusive; the lock is never
// held across I/O.
type Queue struct {
	mu     sync.Mutex
	groups map[uint64]*Group
	seen   map[[sha256.Size]byte]struct{}
}

func NewQueue() *Queue {
	return &Queue{
		groups: make(map[uint64]*Group),
		seen:   make(map[[sha256.Size]byte]struct{}),
	}
}

// Add submits a decoded event. An event without a packet id is rejected. An
// event whose content hash was already seen is a pure duplicate and is also
// rejected. Otherwise the event joins its live group, or starts a new one;
// lateArrival reports that no live group existed, which means the original
// group was already flushed (groups only ever leave the index via
// PopGroupsOlderThan).
func (q *Queue) Add(ev *meshproto.Event) (added, lateArrival bool) {
	if ev.PacketID == 0 {
		return false, false
	}
	hash := contentHash(ev)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.seen[hash]; dup {
		return false, false
	}
	q.seen[hash] = struct{}{}

	group, exists := q.groups[ev.PacketID]
	if !exists {
		group = &Group{PacketID: ev.PacketID, FirstSeen: time.Now()}
		q.groups[ev.PacketID] = group
	}
	group.Events = append(group.Events, ev)
	return true, !exists
}

// PopGroupsOlderThan atomically removes and returns every group whose
// FirstSeen is before the cutoff. Eviction policy stays with the caller so
// grouping semantics remain testable without timers.
func (q *Queue) PopGroupsOlderThan(cutoff time.Time) []*Group {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*Group
	for id, group := range q.groups {
		if group.FirstSeen.Before(cutoff) {
			ready = append(ready, group)
			delete(q.groups, id)
		}
	}
	return ready
}

// Contains reports whether a live group exists for the packet id.
func (q *Queue) Contains(packetID uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.groups[packetID]
	return ok
}

// ClearSeenHashes drops the whole duplicate-hash set. Called periodically to
// bound memory; a duplicate arriving right after a clear is re-admitted and
// absorbed by the persistence layer's unique message id.
func (q *Queue) ClearSeenHashes() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seen = make(map[[sha256.Size]byte]struct{})
}

func contentHash(ev *meshproto.Event) [sha256.Size]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d|%s", ev.PacketID, ev.GatewayID, ev.SenderID, ev.Payload)))
}
