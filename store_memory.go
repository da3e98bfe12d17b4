package subrav

import (
	"context"
	"sync"
	"time"
)

// Memory-backed repositories. Reference implementations for tests, examples,
// and single-process deployments; production backends live behind the same
// interfaces.

type pendingKey struct {
	channel  ChannelID
	fragment string
	nonce    uint64
}

type pendingEntry struct {
	proposal *SubRAV
	savedAt  time.Time
}

// MemoryPendingSubRAVRepository keeps proposals in process memory.
type MemoryPendingSubRAVRepository struct {
	mu sync.Mutex
	// byKey holds every proposal; latest tracks the newest per sub-channel.
	byKey  map[pendingKey]*pendingEntry
	latest map[subChannelKey]*SubRAV
}

// NewMemoryPendingSubRAVRepository creates an empty repository.
func NewMemoryPendingSubRAVRepository() *MemoryPendingSubRAVRepository {
	return &MemoryPendingSubRAVRepository{
		byKey:  make(map[pendingKey]*pendingEntry),
		latest: make(map[subChannelKey]*SubRAV),
	}
}

// Save implements PendingSubRAVRepository. Saving replaces any proposal for
// the same sub-channel, whatever its nonce.
func (r *MemoryPendingSubRAVRepository) Save(_ context.Context, proposal *SubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := subChannelKey{channel: proposal.ChannelID, fragment: proposal.VMIDFragment}
	if old := r.latest[sub]; old != nil {
		delete(r.byKey, pendingKey{channel: old.ChannelID, fragment: old.VMIDFragment, nonce: old.Nonce})
	}
	clone := proposal.Clone()
	r.latest[sub] = clone
	r.byKey[pendingKey{channel: proposal.ChannelID, fragment: proposal.VMIDFragment, nonce: proposal.Nonce}] = &pendingEntry{
		proposal: clone,
		savedAt:  time.Now(),
	}
	return nil
}

// Find implements PendingSubRAVRepository.
func (r *MemoryPendingSubRAVRepository) Find(_ context.Context, channelID ChannelID, fragment string, nonce uint64) (*SubRAV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.byKey[pendingKey{channel: channelID, fragment: fragment, nonce: nonce}]
	if entry == nil {
		return nil, nil
	}
	return entry.proposal.Clone(), nil
}

// FindLatestBySubChannel implements PendingSubRAVRepository.
func (r *MemoryPendingSubRAVRepository) FindLatestBySubChannel(_ context.Context, channelID ChannelID, fragment string) (*SubRAV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := r.latest[subChannelKey{channel: channelID, fragment: fragment}]
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

// Remove implements PendingSubRAVRepository.
func (r *MemoryPendingSubRAVRepository) Remove(_ context.Context, channelID ChannelID, fragment string, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pendingKey{channel: channelID, fragment: fragment, nonce: nonce}
	delete(r.byKey, key)
	sub := subChannelKey{channel: channelID, fragment: fragment}
	if latest := r.latest[sub]; latest != nil && latest.Nonce == nonce {
		delete(r.latest, sub)
	}
	return nil
}

// Cleanup implements PendingSubRAVRepository.
func (r *MemoryPendingSubRAVRepository) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, entry := range r.byKey {
		if entry.savedAt.Before(cutoff) {
			delete(r.byKey, key)
			sub := subChannelKey{channel: key.channel, fragment: key.fragment}
			if latest := r.latest[sub]; latest != nil && latest.Nonce == key.nonce {
				delete(r.latest, sub)
			}
			removed++
		}
	}
	return removed, nil
}

// MemorySignedSubRAVRepository keeps the latest accepted voucher per
// sub-channel in process memory.
type MemorySignedSubRAVRepository struct {
	mu     sync.Mutex
	latest map[subChannelKey]*SignedSubRAV
}

// NewMemorySignedSubRAVRepository creates an empty repository.
func NewMemorySignedSubRAVRepository() *MemorySignedSubRAVRepository {
	return &MemorySignedSubRAVRepository{latest: make(map[subChannelKey]*SignedSubRAV)}
}

// Save implements SignedSubRAVRepository. Only a voucher that advances the
// stored nonce replaces it, so replays cannot roll the baseline back.
func (r *MemorySignedSubRAVRepository) Save(_ context.Context, signed *SignedSubRAV) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subChannelKey{channel: signed.SubRAV.ChannelID, fragment: signed.SubRAV.VMIDFragment}
	if cur := r.latest[key]; cur != nil && cur.SubRAV.Nonce >= signed.SubRAV.Nonce {
		return nil
	}
	cp := *signed
	cp.SubRAV = *signed.SubRAV.Clone()
	r.latest[key] = &cp
	return nil
}

// GetLatest implements SignedSubRAVRepository.
func (r *MemorySignedSubRAVRepository) GetLatest(_ context.Context, channelID ChannelID, fragment string) (*SignedSubRAV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.latest[subChannelKey{channel: channelID, fragment: fragment}]
	if cur == nil {
		return nil, nil
	}
	cp := *cur
	cp.SubRAV = *cur.SubRAV.Clone()
	return &cp, nil
}

// MemoryStateStore keeps payer snapshots in process memory.
type MemoryStateStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{blobs: make(map[string][]byte)}
}

func stateKey(host, payerID string) string { return host + "|" + payerID }

// Load implements StateStore.
func (s *MemoryStateStore) Load(_ context.Context, host, payerID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob := s.blobs[stateKey(host, payerID)]
	if blob == nil {
		return nil, nil
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(_ context.Context, host, payerID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	s.blobs[stateKey(host, payerID)] = cp
	return nil
}

// Delete implements StateStore.
func (s *MemoryStateStore) Delete(_ context.Context, host, payerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, stateKey(host, payerID))
	return nil
}
