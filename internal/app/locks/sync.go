package locks

import (
	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
)

// ─── Sync Groups ────────────────────────────────────────────────────────────
// A sync group propagates lock/unlock actions between its members. The
// propagation pass never re-enters itself: member actions are applied
// directly, bypassing the group walk that triggered them.

// SyncGroup names a set of locks that move together.
type SyncGroup struct {
	Name    string          `json:"name"`
	LockIDs map[string]bool `json:"lockIds"`
	Enabled bool            `json:"enabled"`
}

// CreateSyncGroup validates and persists a group. At least two existing
// locks are required; unknown ids are dropped, and the group is rejected
// only when fewer than two known ids remain.
func (s *System) CreateSyncGroup(name string, lockIDs []string) error {
	if name == "" {
		return domain.InvalidArgument("empty sync group name")
	}
	s.mu.Lock()
	valid := make(map[string]bool)
	for _, id := range lockIDs {
		if _, ok := s.locks[id]; ok {
			valid[id] = true
		}
	}
	s.mu.Unlock()
	if len(valid) < 2 {
		return domain.InvalidArgument("sync group %q needs at least 2 valid locks, got %d", name, len(valid))
	}

	s.mu.Lock()
	s.groups[name] = &SyncGroup{Name: name, LockIDs: valid, Enabled: true}
	snapshot := make(map[string]*SyncGroup, len(s.groups))
	for k, v := range s.groups {
		snapshot[k] = v
	}
	s.mu.Unlock()
	s.persistMap(keySyncGroups, snapshot)
	return nil
}

// SyncGroups returns a snapshot of all groups.
func (s *System) SyncGroups() []SyncGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncGroup, 0, len(s.groups))
	for _, g := range s.groups {
		cp := SyncGroup{Name: g.Name, Enabled: g.Enabled, LockIDs: make(map[string]bool, len(g.LockIDs))}
		for id := range g.LockIDs {
			cp.LockIDs[id] = true
		}
		out = append(out, cp)
	}
	return out
}

// syncPeers collects the other members of every enabled group containing
// the lock.
func (s *System) syncPeers(lockID string) []*Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settings.SyncGroupsEnabled {
		return nil
	}
	seen := map[string]bool{lockID: true}
	var peers []*Lock
	for _, g := range s.groups {
		if !g.Enabled || !g.LockIDs[lockID] {
			continue
		}
		for id := range g.LockIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if l, ok := s.locks[id]; ok {
				peers = append(peers, l)
			}
		}
	}
	return peers
}

// propagateSync applies the lock state to the peers of lockID. The member updates write
// device + store state directly — they do not walk groups again, which is
// what prevents propagation from re-entering itself.
func (s *System) propagateSync(lockID string, lock bool) {
	for _, peer := range s.syncPeers(lockID) {
		s.applyPeerState(peer, lock)
	}
}

// propagateSyncLock locks the peers of lockID.
func (s *System) propagateSyncLock(lockID string) {
	for _, peer := range s.syncPeers(lockID) {
		s.applyPeerState(peer, true)
	}
}

func (s *System) applyPeerState(peer *Lock, locked bool) {
	s.mu.Lock()
	already := peer.Locked == locked
	s.mu.Unlock()
	if already {
		return
	}
	if r, ok := s.deviceFor(peer.ID); ok {
		if err := r.SetCapability(device.CapLocked, locked); err != nil {
			s.log.Warn("sync write failed", zap.String("lock", peer.ID), zap.Error(err))
		}
	}
	s.mu.Lock()
	peer.Locked = locked
	if !locked {
		peer.LastAccess = s.clk.Now().UnixMilli()
	}
	s.mu.Unlock()

	action := "unlock"
	topic := domain.TopicLockUnlocked
	if locked {
		action = "lock"
		topic = domain.TopicLockLocked
	}
	s.appendAccess(AccessEntry{LockID: peer.ID, Action: action, Via: "sync"})
	s.bus.Publish(bus.Event{
		Topic:   topic,
		Payload: domain.LockEvent{LockID: peer.ID, TriggeredBy: "sync"},
	})
}
