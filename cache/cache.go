// Package cache keeps a local PebbleDB copy of confirmed messages so a
// conversation can be primed instantly on peer selection while the network
// history fetch is still in flight. Keys are the peer id plus an 8-byte
// big-endian sequence number increasing monotonically per peer.
package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/chatsync/convo"
)

// Store is a per-peer append-only message cache. Safe for concurrent use.
type Store struct {
	db   *pebble.DB
	mu   sync.Mutex
	next map[string]uint64
}

// Open opens (or creates) the cache at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, next: map[string]uint64{}}, nil
}

// peerKey escapes the peer id so an id containing '/' cannot land inside
// another peer's key range.
func peerKey(peer string) string { return url.PathEscape(peer) }

func msgKey(peer string, seq uint64) []byte {
	pk := peerKey(peer)
	key := make([]byte, 0, len(pk)+11)
	key = append(key, "m/"...)
	key = append(key, pk...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func seenKey(peer, serverID string) []byte {
	return []byte("s/" + peerKey(peer) + "/" + serverID)
}

// peerBounds returns the iterator bounds covering every message key of peer.
func peerBounds(peer string) *pebble.IterOptions {
	lower := append([]byte("m/"+peerKey(peer)), '/')
	upper := append([]byte("m/"+peerKey(peer)), '/'+1)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

// Append stores one confirmed message for peer. Messages without a server id
// and server ids already stored are skipped.
func (s *Store) Append(peer string, m convo.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	if m.ServerID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := seenKey(peer, m.ServerID)
	if _, closer, err := s.db.Get(sk); err == nil {
		_ = closer.Close()
		return nil
	} else if err != pebble.ErrNotFound {
		return err
	}
	seq, err := s.nextSeqLocked(peer)
	if err != nil {
		return err
	}
	val, err := json.Marshal(record{
		ServerID:  m.ServerID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Text:      m.Text,
		SentAt:    m.SentAt.UTC().Format(timeLayout),
	})
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	if err := batch.Set(msgKey(peer, seq), val, nil); err != nil {
		return err
	}
	if err := batch.Set(sk, nil, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	s.next[peer] = seq + 1
	return nil
}

// Recent returns up to limit most recent cached messages for peer, oldest
// first. limit <= 0 returns everything.
func (s *Store) Recent(peer string, limit int) ([]convo.Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	it, err := s.db.NewIter(peerBounds(peer))
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	var out []convo.Message
	for it.First(); it.Valid(); it.Next() {
		var rec record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}
		m, err := rec.message()
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// nextSeqLocked discovers the next sequence number for peer, reading the last
// stored key on first use.
func (s *Store) nextSeqLocked(peer string) (uint64, error) {
	if seq, ok := s.next[peer]; ok {
		return seq, nil
	}
	it, err := s.db.NewIter(peerBounds(peer))
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()
	var seq uint64
	if it.Last() {
		key := it.Key()
		if len(key) >= 8 {
			seq = binary.BigEndian.Uint64(key[len(key)-8:]) + 1
		}
	}
	s.next[peer] = seq
	return seq, nil
}
