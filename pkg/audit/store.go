// Package audit produces canonical, content-addressed records for
// every terminal message state and keeps them in a hash-chained
// append-only store. A non-blocking emitter batches records toward an
// external anchor; overflow drops the oldest records and raises a
// critical event.
package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acgs2/agentbus/pkg/canonicalize"
	"github.com/acgs2/agentbus/pkg/contracts"
)

var (
	ErrRecordNotFound = errors.New("audit record not found")
	ErrChainBroken    = errors.New("audit hash chain is broken")
)

const chainGenesis = "genesis"

// StoredRecord wraps a canonical record with its chain position.
type StoredRecord struct {
	Record       *contracts.AuditRecord `json:"record"`
	Sequence     uint64                 `json:"sequence"`
	RecordHash   string                 `json:"record_hash"`
	PreviousHash string                 `json:"previous_hash"`
	ChainHash    string                 `json:"chain_hash"`
}

// Store is the in-process hash-chained audit log.
type Store struct {
	mu        sync.RWMutex
	records   []*StoredRecord
	byID      map[string]*StoredRecord
	sequence  uint64
	chainHead string
	onAppend  []func(*StoredRecord)
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*StoredRecord),
		chainHead: chainGenesis,
	}
}

// NewRecord builds a record stamped with the default fingerprint; the
// emitter restamps it with the configured value on Emit.
func NewRecord(action, actor string, outcome contracts.Outcome, details map[string]any, correlationID string) *contracts.AuditRecord {
	return &contracts.AuditRecord{
		RecordID:      uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Action:        action,
		Actor:         actor,
		Outcome:       outcome,
		Details:       details,
		Fingerprint:   contracts.ExpectedFingerprint,
		CorrelationID: correlationID,
	}
}

// ContentAddress returns the record's content address: "sha256:" plus
// the hex digest of the canonical bytes.
func ContentAddress(rec *contracts.AuditRecord) (string, error) {
	digest, err := canonicalize.CanonicalHash(rec)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize record: %w", err)
	}
	return "sha256:" + digest, nil
}

// Append adds a record to the chain. Records for the same correlation
// chain must arrive in non-decreasing timestamp order; Append clamps a
// stale timestamp forward rather than violating that.
func (s *Store) Append(rec *contracts.AuditRecord) (*StoredRecord, error) {
	recordHash, err := ContentAddress(rec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CorrelationID != "" {
		if last := s.lastForChainLocked(rec.CorrelationID); last != nil && rec.Timestamp.Before(last.Record.Timestamp) {
			rec.Timestamp = last.Record.Timestamp
			if recordHash, err = ContentAddress(rec); err != nil {
				return nil, err
			}
		}
	}

	s.sequence++
	stored := &StoredRecord{
		Record:       rec,
		Sequence:     s.sequence,
		RecordHash:   recordHash,
		PreviousHash: s.chainHead,
	}
	chainHash, err := chainLink(stored)
	if err != nil {
		s.sequence--
		return nil, err
	}
	stored.ChainHash = chainHash
	s.chainHead = chainHash

	s.records = append(s.records, stored)
	s.byID[rec.RecordID] = stored

	for _, fn := range s.onAppend {
		fn(stored)
	}
	return stored, nil
}

func (s *Store) lastForChainLocked(correlationID string) *StoredRecord {
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Record.CorrelationID == correlationID {
			return s.records[i]
		}
	}
	return nil
}

// chainLink hashes the chain-relevant fields so any mutation of a
// stored record breaks verification.
func chainLink(stored *StoredRecord) (string, error) {
	link := struct {
		Sequence     uint64 `json:"sequence"`
		RecordHash   string `json:"record_hash"`
		PreviousHash string `json:"previous_hash"`
	}{stored.Sequence, stored.RecordHash, stored.PreviousHash}
	digest, err := canonicalize.CanonicalHash(link)
	if err != nil {
		return "", fmt.Errorf("audit: chain link hash: %w", err)
	}
	return "sha256:" + digest, nil
}

// Get retrieves a record by ID.
func (s *Store) Get(recordID string) (*StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if stored, ok := s.byID[recordID]; ok {
		return stored, nil
	}
	return nil, ErrRecordNotFound
}

// ChainHead returns the current chain head hash.
func (s *Store) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

// Size returns the number of stored records.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ByCorrelation returns the records of one correlation chain in
// append order.
func (s *Store) ByCorrelation(correlationID string) []*StoredRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StoredRecord
	for _, stored := range s.records {
		if stored.Record.CorrelationID == correlationID {
			out = append(out, stored)
		}
	}
	return out
}

// VerifyChain recomputes every link and content address.
func (s *Store) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expectedPrev := chainGenesis
	for i, stored := range s.records {
		if stored.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: record %d has previous_hash %s, expected %s",
				ErrChainBroken, i, stored.PreviousHash, expectedPrev)
		}
		recomputed, err := ContentAddress(stored.Record)
		if err != nil {
			return fmt.Errorf("%w: record %d rehash failed: %w", ErrChainBroken, i, err)
		}
		if recomputed != stored.RecordHash {
			return fmt.Errorf("%w: record %d content address mismatch", ErrChainBroken, i)
		}
		link, err := chainLink(stored)
		if err != nil {
			return fmt.Errorf("%w: record %d link hash failed: %w", ErrChainBroken, i, err)
		}
		if link != stored.ChainHash {
			return fmt.Errorf("%w: record %d chain hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = stored.ChainHash
	}
	return nil
}

// OnAppend registers a callback invoked under the store lock for each
// appended record. Callbacks must not block.
func (s *Store) OnAppend(fn func(*StoredRecord)) {
	s.mu.Lock()
	s.onAppend = append(s.onAppend, fn)
	s.mu.Unlock()
}
