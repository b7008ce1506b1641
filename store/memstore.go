package store

import (
	"context"
	"sync"

	"github.com/relaymesh/relaymesh-go/protocol"
)

// MemStore is an in-process Store implementation for tests and
// single-instance deployments. Expiry is checked lazily on read (a record
// past its TTL reads as not-found) and reclaimed in bulk by ScanExpired,
// mirroring the teacher's single-map, lazily-reclaimed TTL cache shape.
type MemStore struct {
	mu       sync.Mutex
	channels map[string]ChannelRecord
	byTunnel map[string]string // tunnel_id -> channel_id, eventually consistent with channels
	pending  map[string]PendingRecord
	now      func() int64
}

// NewMemStore constructs an empty MemStore. nowFn defaults to a real clock
// if nil; tests can inject a fake clock to exercise TTL expiry
// deterministically.
func NewMemStore(nowFn func() int64) *MemStore {
	if nowFn == nil {
		nowFn = protocol.NowSecs
	}
	return &MemStore{
		channels: make(map[string]ChannelRecord),
		byTunnel: make(map[string]string),
		pending:  make(map[string]PendingRecord),
		now:      nowFn,
	}
}

func (s *MemStore) PutChannel(_ context.Context, rec ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[rec.ChannelID] = rec
	s.byTunnel[rec.TunnelID] = rec.ChannelID
	return nil
}

func (s *MemStore) DeleteChannel(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.channels[channelID]; ok {
		delete(s.byTunnel, rec.TunnelID)
	}
	delete(s.channels, channelID)
	return nil
}

func (s *MemStore) GetChannel(_ context.Context, channelID string) (ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.channels[channelID]
	if !ok || rec.TTL < s.now() {
		return ChannelRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) FindChannelByTunnel(_ context.Context, tunnelID string) (ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channelID, ok := s.byTunnel[tunnelID]
	if !ok {
		return ChannelRecord{}, ErrNotFound
	}
	rec, ok := s.channels[channelID]
	if !ok || rec.TTL < s.now() {
		return ChannelRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) PutPending(_ context.Context, rec PendingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[rec.RequestID]; ok {
		return ErrAlreadyExists
	}
	s.pending[rec.RequestID] = rec
	return nil
}

func (s *MemStore) GetPending(_ context.Context, requestID string) (PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[requestID]
	if !ok || rec.TTL < s.now() {
		return PendingRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemStore) CompletePending(_ context.Context, requestID string, responseBlob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[requestID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = PendingStatusCompleted
	rec.ResponseBlob = responseBlob
	s.pending[requestID] = rec
	return nil
}

func (s *MemStore) TakePending(_ context.Context, requestID string) (PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[requestID]
	if !ok {
		return PendingRecord{}, ErrNotFound
	}
	delete(s.pending, requestID)
	return rec, nil
}

func (s *MemStore) ScanExpired(_ context.Context, table Table, nowSecs int64) ([]ExpiredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExpiredRecord
	switch table {
	case TableChannels:
		for id, rec := range s.channels {
			if rec.TTL < nowSecs {
				out = append(out, ExpiredRecord{Table: TableChannels, Key: id})
			}
		}
	case TablePending:
		for id, rec := range s.pending {
			if rec.TTL < nowSecs {
				out = append(out, ExpiredRecord{Table: TablePending, Key: id})
			}
		}
	}
	return out, nil
}
