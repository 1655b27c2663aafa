package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// MetadataStore keeps download records, the pending queue and preferences on
// top of a KV. The mutex only sequences read-modify-write cycles issued through
// this instance; the KV itself offers no cross-key transactions.
type MetadataStore struct {
	kv KV
	mu sync.Mutex
}

func NewMetadataStore(kv KV) *MetadataStore {
	return &MetadataStore{kv: kv}
}

// GetAll returns every record in insertion order.
func (s *MetadataStore) GetAll(ctx context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadRecords(ctx)
}

// Get returns the record with the given id.
func (s *MetadataStore) Get(ctx context.Context, id string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadRecords(ctx)
	if err != nil {
		return nil, false, err
	}

	for _, r := range records {
		if r.ID == id {
			return r, true, nil
		}
	}

	return nil, false, nil
}

// Put upserts a record by id, keeping the position of an existing one.
func (s *MetadataStore) Put(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadRecords(ctx)
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(records, func(r *Record) bool { return r.ID == record.ID })
	if idx >= 0 {
		records[idx] = record.Clone()
	} else {
		records = append(records, record.Clone())
	}

	return s.save(ctx, KeyDownloads, records)
}

// Delete removes the record with the given id. Deleting an unknown id is a no-op.
func (s *MetadataStore) Delete(ctx context.Context, id string) error {
	_, err := s.DeleteWhere(ctx, func(r *Record) bool { return r.ID == id })

	return err
}

// DeleteWhere removes every record matching fn and returns the removed ones.
func (s *MetadataStore) DeleteWhere(ctx context.Context, fn func(*Record) bool) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadRecords(ctx)
	if err != nil {
		return nil, err
	}

	var removed []*Record

	kept := records[:0]

	for _, r := range records {
		if fn(r) {
			removed = append(removed, r)

			continue
		}

		kept = append(kept, r)
	}

	if len(removed) == 0 {
		return nil, nil
	}

	if err := s.save(ctx, KeyDownloads, kept); err != nil {
		return nil, err
	}

	return removed, nil
}

func (s *MetadataStore) GetQueue(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadQueue(ctx)
}

// SetQueue replaces the queue, dropping duplicate ids while keeping the first occurrence.
func (s *MetadataStore) SetQueue(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save(ctx, KeyQueue, dedupe(ids))
}

// AddToQueue appends id to the back of the queue unless already present.
func (s *MetadataStore) AddToQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue(ctx)
	if err != nil {
		return err
	}

	if slices.Contains(queue, id) {
		return nil
	}

	return s.save(ctx, KeyQueue, append(queue, id))
}

// RemoveFromQueue drops id from the queue if present.
func (s *MetadataStore) RemoveFromQueue(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.loadQueue(ctx)
	if err != nil {
		return err
	}

	filtered := slices.DeleteFunc(slices.Clone(queue), func(q string) bool {
		return slices.Contains(ids, q)
	})

	if len(filtered) == len(queue) {
		return nil
	}

	return s.save(ctx, KeyQueue, filtered)
}

// GetPreferences returns the stored preferences merged over the defaults.
func (s *MetadataStore) GetPreferences(ctx context.Context) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadPreferences(ctx)
}

// SetPreferences applies a partial update and returns the merged result.
func (s *MetadataStore) SetPreferences(ctx context.Context, update PreferencesUpdate) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadPreferences(ctx)
	if err != nil {
		return Preferences{}, err
	}

	merged := update.Apply(current)
	if err := s.save(ctx, KeyPreferences, merged); err != nil {
		return Preferences{}, err
	}

	return merged, nil
}

// Clear drops every record and the queue. Preferences are kept.
func (s *MetadataStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(ctx, KeyDownloads, []*Record{}); err != nil {
		return err
	}

	return s.save(ctx, KeyQueue, []string{})
}

func (s *MetadataStore) loadRecords(ctx context.Context) ([]*Record, error) {
	var records []*Record
	if err := s.load(ctx, KeyDownloads, &records); err != nil {
		return nil, err
	}

	return records, nil
}

func (s *MetadataStore) loadQueue(ctx context.Context) ([]string, error) {
	var queue []string
	if err := s.load(ctx, KeyQueue, &queue); err != nil {
		return nil, err
	}

	return queue, nil
}

func (s *MetadataStore) loadPreferences(ctx context.Context) (Preferences, error) {
	prefs := DefaultPreferences()
	if err := s.load(ctx, KeyPreferences, &prefs); err != nil {
		return DefaultPreferences(), err
	}

	return prefs, nil
}

func (s *MetadataStore) load(ctx context.Context, key string, v any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return &UnavailableError{Operation: "get", Key: key, Err: err}
	}

	if !ok || len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &UnavailableError{Operation: "decode", Key: key, Err: err}
	}

	return nil
}

func (s *MetadataStore) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	if err := s.kv.Set(ctx, key, raw); err != nil {
		return &UnavailableError{Operation: "set", Key: key, Err: err}
	}

	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out
}
