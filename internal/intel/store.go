package intel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketIOCs    = []byte("iocs")
	bucketMatches = []byte("ioc_matches")
)

// keySep separates the key components type, value and source. It cannot
// occur in normalized values.
const keySep = "\x00"

// Store persists IOCs in a local bbolt file keyed by (type, value, source),
// which makes a lookup for one (type, value) pair a short prefix scan.
// Ingest is the single writer; correlation reads run concurrently.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenStore opens or creates the IOC store at path.
func OpenStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ioc store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketIOCs, bucketMatches} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize ioc store: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "ioc-store"))}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

func iocKey(t IOCType, value, source string) []byte {
	return []byte(string(t) + keySep + value + keySep + source)
}

func iocPrefix(t IOCType, value string) []byte {
	return []byte(string(t) + keySep + value + keySep)
}

// UpsertBatch inserts or refreshes a batch of indicators in one write
// transaction. A record whose triple already exists keeps its first-seen,
// takes the max of the confidences, advances last-seen, and merges tags.
// Invalid entries are skipped and logged. Returns the number applied.
func (s *Store) UpsertBatch(ctx context.Context, iocs []IOC) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(iocs) == 0 {
		return 0, nil
	}

	applied := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIOCs)
		for _, in := range iocs {
			normalized, err := NormalizeValue(in.Value, in.Type)
			if err != nil {
				s.logger.Warn("skipping ioc with bad value",
					zap.String("source", in.Source), zap.Error(err))
				continue
			}
			in.Value = normalized
			if in.LastSeen.IsZero() {
				in.LastSeen = time.Now().UTC()
			}
			if in.FirstSeen.IsZero() {
				in.FirstSeen = in.LastSeen
			}
			if err := in.Validate(); err != nil {
				s.logger.Warn("skipping invalid ioc",
					zap.String("value", in.Value), zap.String("source", in.Source), zap.Error(err))
				continue
			}

			key := iocKey(in.Type, in.Value, in.Source)
			if raw := bucket.Get(key); raw != nil {
				var existing IOC
				if err := json.Unmarshal(raw, &existing); err != nil {
					return fmt.Errorf("decode ioc %q: %w", key, err)
				}
				in = mergeIOC(existing, in)
			}

			raw, err := json.Marshal(&in)
			if err != nil {
				return fmt.Errorf("encode ioc: %w", err)
			}
			if err := bucket.Put(key, raw); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// mergeIOC folds a fresh report into the stored record for the same triple.
func mergeIOC(existing, in IOC) IOC {
	out := existing
	if in.LastSeen.After(out.LastSeen) {
		out.LastSeen = in.LastSeen
	}
	if !in.FirstSeen.IsZero() && in.FirstSeen.Before(out.FirstSeen) {
		out.FirstSeen = in.FirstSeen
	}
	if in.Confidence > out.Confidence {
		out.Confidence = in.Confidence
	}
	if in.Category != "" {
		out.Category = in.Category
	}
	if in.MalwareFamily != "" {
		out.MalwareFamily = in.MalwareFamily
	}
	if in.Description != "" {
		out.Description = in.Description
	}
	for _, tag := range in.Tags {
		found := false
		for _, have := range out.Tags {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			out.Tags = append(out.Tags, tag)
		}
	}
	return out
}

// Lookup returns every stored IOC for the (value, type) pair across all
// sources, newest last-seen first. The value is normalized before the scan.
func (s *Store) Lookup(ctx context.Context, value string, t IOCType) ([]IOC, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeValue(value, t)
	if err != nil {
		return nil, nil
	}

	var out []IOC
	err = s.db.View(func(tx *bolt.Tx) error {
		return scanPrefix(tx, iocPrefix(t, normalized), &out)
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

// LookupMany is the bulk variant of Lookup: one read transaction for the
// whole candidate set. The result maps normalized values to their IOCs;
// values with no match are absent.
func (s *Store) LookupMany(ctx context.Context, values []string, t IOCType) (map[string][]IOC, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]IOC)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, value := range values {
			normalized, err := NormalizeValue(value, t)
			if err != nil {
				continue
			}
			var hits []IOC
			if err := scanPrefix(tx, iocPrefix(t, normalized), &hits); err != nil {
				return err
			}
			if len(hits) > 0 {
				sortNewestFirst(hits)
				out[normalized] = hits
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanPrefix(tx *bolt.Tx, prefix []byte, out *[]IOC) error {
	c := tx.Bucket(bucketIOCs).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var ioc IOC
		if err := json.Unmarshal(v, &ioc); err != nil {
			return fmt.Errorf("decode ioc %q: %w", k, err)
		}
		*out = append(*out, ioc)
	}
	return nil
}

func sortNewestFirst(iocs []IOC) {
	sort.SliceStable(iocs, func(i, j int) bool {
		return iocs[i].LastSeen.After(iocs[j].LastSeen)
	})
}

// PurgeOlderThan deletes IOCs whose last-seen predates now-horizon, and
// match records older than the same cutoff. Returns the number of IOCs
// removed.
func (s *Store) PurgeOlderThan(ctx context.Context, horizon time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-horizon)

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIOCs)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var ioc IOC
			if err := json.Unmarshal(v, &ioc); err != nil {
				return fmt.Errorf("decode ioc %q: %w", k, err)
			}
			if ioc.LastSeen.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)

		matches := tx.Bucket(bucketMatches)
		c := matches.Cursor()
		cutoffKey := matchKeyPrefix(cutoff)
		var staleMatches [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoffKey) < 0; k, _ = c.Next() {
			staleMatches = append(staleMatches, append([]byte(nil), k...))
		}
		for _, k := range staleMatches {
			if err := matches.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("purged stale iocs", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// matchKeyPrefix renders a timestamp as a fixed-width sortable key prefix.
func matchKeyPrefix(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%019d", ts.UnixNano()))
}

// RecordMatch appends one correlation hit to the audit log.
func (s *Store) RecordMatch(ctx context.Context, match MatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if match.MatchedAt.IsZero() {
		match.MatchedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMatches)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := append(matchKeyPrefix(match.MatchedAt), []byte(fmt.Sprintf("-%d", seq))...)
		raw, err := json.Marshal(&match)
		if err != nil {
			return fmt.Errorf("encode match record: %w", err)
		}
		return bucket.Put(key, raw)
	})
}

// RecentMatches returns audit entries newer than the cutoff, oldest first.
func (s *Store) RecentMatches(ctx context.Context, since time.Time) ([]MatchRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []MatchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMatches).Cursor()
		for k, v := c.Seek(matchKeyPrefix(since)); k != nil; k, v = c.Next() {
			var rec MatchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode match record %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats reports store totals for health checks and the admin API.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	stats := Stats{ByType: make(map[IOCType]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketIOCs).ForEach(func(k, _ []byte) error {
			stats.Total++
			if i := bytes.IndexByte(k, 0); i > 0 {
				stats.ByType[IOCType(k[:i])]++
			}
			return nil
		})
		if err != nil {
			return err
		}

		c := tx.Bucket(bucketMatches).Cursor()
		dayAgo := matchKeyPrefix(time.Now().UTC().Add(-24 * time.Hour))
		for k, _ := c.Seek(dayAgo); k != nil; k, _ = c.Next() {
			stats.Matches24h++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}
