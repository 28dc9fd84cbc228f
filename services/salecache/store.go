package salecache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	// free for everyone without touching a library
	StatusFree Status = "free"
	// free but must be claimed into the account's library
	StatusClaimRequired Status = "claim_required"
	// downloadable by anyone, nothing to claim
	StatusAlreadyOwnedByEveryone Status = "already_owned_by_everyone"
	StatusInvalid                Status = "invalid"
)

func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusClaimRequired, StatusAlreadyOwnedByEveryone, StatusInvalid:
		return true
	}
	return false
}

// PromotionEntry is one discovered sale item. ID is the sole identity;
// everything else is descriptive and may be overwritten by a re-scrape.
type PromotionEntry struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title,omitempty"`
	URL          string     `json:"url,omitempty"`
	Author       string     `json:"author,omitempty"`
	Status       Status     `json:"status"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	// nil means no known expiration, the entry must be rechecked
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	SaleID    int64      `json:"sale_id,omitempty"`
	SaleStart *time.Time `json:"sale_start,omitempty"`
}

func (e PromotionEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

func (e PromotionEntry) Upcoming(now time.Time) bool {
	return e.SaleStart != nil && e.SaleStart.After(now)
}

// Store persists one json file per entry under a root directory, so a crash
// can corrupt at most the entry being written, never the rest of the cache.
type Store struct {
	root string
	now  func() time.Time
}

func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache root %s is not usable: %w", root, err)
	}
	return &Store{root: root, now: time.Now}, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) entryPath(id int64) string {
	return filepath.Join(s.root, fmt.Sprintf("%d.json", id))
}

// writeFile commits via a temp file and rename so readers never observe a
// partially written entry.
func (s *Store) writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Upsert writes the entry keyed by its ID. Re-upserting overwrites the
// descriptive fields, except that an entry whose stored expiration has
// passed is only revived by a fresh confirmation: an incoming expiration
// in the future, or a scrape performed after the old expiration passed.
// Applying the same entry twice is a no-op.
func (s *Store) Upsert(entry PromotionEntry) error {
	if entry.ID <= 0 {
		return fmt.Errorf("entry id must be positive, got %d", entry.ID)
	}
	if !entry.Status.Valid() {
		return fmt.Errorf("entry %d has unknown status %q", entry.ID, entry.Status)
	}

	now := s.now()
	existing, found, err := s.Get(entry.ID)
	if err == nil && found {
		if existing.Expired(now) {
			freshExpiry := entry.ExpiresAt != nil && entry.ExpiresAt.After(now)
			freshScrape := !entry.DiscoveredAt.IsZero() && entry.DiscoveredAt.After(*existing.ExpiresAt)
			if !freshExpiry && !freshScrape {
				return nil
			}
			// a revival is a new promotion run; its discovery time starts over
		} else if !existing.DiscoveredAt.IsZero() {
			// first discovery time survives re-scrapes
			entry.DiscoveredAt = existing.DiscoveredAt
		}
	}
	if entry.DiscoveredAt.IsZero() {
		entry.DiscoveredAt = now
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.writeFile(s.entryPath(entry.ID), data)
}

func (s *Store) Get(id int64) (PromotionEntry, bool, error) {
	data, err := os.ReadFile(s.entryPath(id))
	if os.IsNotExist(err) {
		return PromotionEntry{}, false, nil
	}
	if err != nil {
		return PromotionEntry{}, false, err
	}
	var entry PromotionEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return PromotionEntry{}, false, fmt.Errorf("entry %d is corrupt: %w", id, err)
	}
	return entry, true, nil
}

// All returns every readable entry in ascending ID order. A corrupt entry
// file is skipped with a warning; one bad record must not take down the
// whole store.
func (s *Store) All() ([]PromotionEntry, error) {
	files, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	var entries []PromotionEntry
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		entry, found, err := s.Get(id)
		if err != nil {
			slog.Warn("skipping corrupt cache entry", "id", id, "err", err)
			continue
		}
		if found {
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// PruneExpired deletes entries whose expiration has passed and reports how
// many were removed.
func (s *Store) PruneExpired(now time.Time) (int, error) {
	entries, err := s.All()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		if err := s.Delete(entry.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (s *Store) Delete(id int64) error {
	err := os.Remove(s.entryPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
