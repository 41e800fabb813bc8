package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketDevices = []byte("devices")
	bucketIPIndex = []byte("device_ip_index")
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrInvalidInput   = errors.New("invalid input")
)

// Store persists devices in a local bbolt file with a secondary index by
// current IP. bbolt serializes write transactions, which is the per-record
// write discipline the contract asks for; reads run concurrently.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens or creates the device store at path. A corrupt file surfaces
// here so startup can abort with a diagnostic.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open device store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDevices, bucketIPIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize device store: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "device-store"))}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertFromObservation records one sighting. Resolution order: an existing
// record with the same MAC wins, then an existing record holding the
// observed IP, then a fresh insert. Returns the stored device and whether
// it was created by this call.
func (s *Store) UpsertFromObservation(ctx context.Context, obs Observation) (Device, bool, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, false, err
	}
	id, err := obs.Identifier()
	if err != nil {
		return Device{}, false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	obs.IP = NormalizeIP(obs.IP)
	obs.MAC = NormalizeMAC(obs.MAC)
	if obs.SeenAt.IsZero() {
		obs.SeenAt = time.Now().UTC()
	}
	obs.SeenAt = obs.SeenAt.UTC()

	var (
		result  Device
		created bool
	)
	err = s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		ipIndex := tx.Bucket(bucketIPIndex)

		target, err := resolveTarget(devices, ipIndex, id, obs)
		if err != nil {
			return err
		}

		if target == "" {
			dev := Device{
				ID:          id,
				IP:          obs.IP,
				MAC:         obs.MAC,
				Hostname:    obs.Hostname,
				FirstSeen:   obs.SeenAt,
				LastSeen:    obs.SeenAt,
				GuessedType: TypeUnknown,
			}
			if err := putDevice(devices, ipIndex, dev, ""); err != nil {
				return err
			}
			result = dev
			created = true
			return nil
		}

		dev, err := getDevice(devices, target)
		if err != nil {
			return err
		}
		previousIP := dev.IP
		applyObservation(&dev, obs)
		if err := putDevice(devices, ipIndex, dev, previousIP); err != nil {
			return err
		}
		result = dev
		return nil
	})
	if err != nil {
		return Device{}, false, err
	}
	return result, created, nil
}

// resolveTarget picks the identifier of the record an observation should
// update, or "" when a new record is called for.
func resolveTarget(devices, ipIndex *bolt.Bucket, id string, obs Observation) (string, error) {
	if devices.Get([]byte(id)) != nil {
		return id, nil
	}
	if obs.IP == "" {
		return "", nil
	}
	byIP := ipIndex.Get([]byte(obs.IP))
	if byIP == nil {
		return "", nil
	}
	existing, err := getDevice(devices, string(byIP))
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			// Stale index entry; treat as absent.
			return "", nil
		}
		return "", err
	}
	// The IP's current holder belongs to a different MAC: the address moved
	// to a new host, so a fresh record is created and takes over the index.
	if obs.MAC != "" && existing.MAC != "" && existing.MAC != obs.MAC {
		return "", nil
	}
	return existing.ID, nil
}

// applyObservation merges one sighting into an existing record. Last-seen
// only advances, first-seen only moves earlier, and the most recent
// observation owns the current IP.
func applyObservation(dev *Device, obs Observation) {
	if obs.SeenAt.After(dev.LastSeen) {
		dev.LastSeen = obs.SeenAt
		if obs.IP != "" {
			dev.IP = obs.IP
		}
	}
	if obs.SeenAt.Before(dev.FirstSeen) {
		dev.FirstSeen = obs.SeenAt
	}
	if dev.MAC == "" && obs.MAC != "" {
		dev.MAC = obs.MAC
	}
	if obs.Hostname != "" {
		dev.Hostname = obs.Hostname
	}
	if dev.IP == "" && obs.IP != "" {
		dev.IP = obs.IP
	}
}

// Get returns the device with the given identifier.
func (s *Store) Get(ctx context.Context, id string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = getDevice(tx.Bucket(bucketDevices), id)
		return err
	})
	return dev, err
}

// GetByIP returns the device currently holding the given IP.
func (s *Store) GetByIP(ctx context.Context, ip string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	ip = NormalizeIP(ip)
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketIPIndex).Get([]byte(ip))
		if id == nil {
			return ErrDeviceNotFound
		}
		var err error
		dev, err = getDevice(tx.Bucket(bucketDevices), string(id))
		return err
	})
	return dev, err
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Type     DeviceType
	Tag      string
	Untagged bool
}

func (f Filter) matches(d *Device) bool {
	if f.Type != "" && d.GuessedType != f.Type {
		return false
	}
	if f.Tag != "" && !d.HasTag(f.Tag) {
		return false
	}
	if f.Untagged && len(d.Tags) > 0 {
		return false
	}
	return true
}

// List returns all devices matching the filter, ordered by identifier.
func (s *Store) List(ctx context.Context, f Filter) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("decode device: %w", err)
			}
			if f.matches(&dev) {
				out = append(out, dev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddTag appends tag to the device's tag set. Adding a present tag is a
// no-op.
func (s *Store) AddTag(ctx context.Context, id, tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrInvalidInput)
	}
	return s.mutate(ctx, id, func(dev *Device) error {
		if dev.HasTag(tag) {
			return nil
		}
		dev.Tags = append(dev.Tags, tag)
		return nil
	})
}

// RemoveTag removes tag from the device's tag set. Removing an absent tag
// is a no-op.
func (s *Store) RemoveTag(ctx context.Context, id, tag string) error {
	return s.mutate(ctx, id, func(dev *Device) error {
		for i, t := range dev.Tags {
			if t == tag {
				dev.Tags = append(dev.Tags[:i], dev.Tags[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// SetType records an operator-assigned type. Operator values are locked:
// fingerprint guessing never overwrites them afterwards.
func (s *Store) SetType(ctx context.Context, id string, t DeviceType) error {
	if !t.IsValid() {
		return fmt.Errorf("%w: unknown device type %q", ErrInvalidInput, t)
	}
	return s.mutate(ctx, id, func(dev *Device) error {
		dev.GuessedType = t
		dev.TypeLocked = true
		return nil
	})
}

// SetGuessedType records a fingerprint-derived type. It only applies while
// the current type is unknown and not operator-locked.
func (s *Store) SetGuessedType(ctx context.Context, id string, t DeviceType) error {
	if !t.IsValid() {
		return fmt.Errorf("%w: unknown device type %q", ErrInvalidInput, t)
	}
	return s.mutate(ctx, id, func(dev *Device) error {
		if dev.TypeLocked || dev.GuessedType != TypeUnknown {
			return nil
		}
		dev.GuessedType = t
		return nil
	})
}

// SetOwner records the operator-assigned owner.
func (s *Store) SetOwner(ctx context.Context, id, owner string) error {
	return s.mutate(ctx, id, func(dev *Device) error {
		dev.Owner = owner
		return nil
	})
}

// SetRiskScore records the latest anomaly score for the device.
func (s *Store) SetRiskScore(ctx context.Context, id string, score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: risk score %v outside [0,1]", ErrInvalidInput, score)
	}
	return s.mutate(ctx, id, func(dev *Device) error {
		dev.RiskScore = &score
		return nil
	})
}

// Delete removes a device and its IP index entry. Reserved for operator
// action; nothing in the pipeline deletes devices.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		dev, err := getDevice(devices, id)
		if err != nil {
			return err
		}
		if dev.IP != "" {
			if err := tx.Bucket(bucketIPIndex).Delete([]byte(dev.IP)); err != nil {
				return err
			}
		}
		return devices.Delete([]byte(id))
	})
}

// Count returns the number of stored devices.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDevices).Stats().KeyN
		return nil
	})
	return n, err
}

// ── internal helpers ──────────────────────────────────────────────────────

func (s *Store) mutate(ctx context.Context, id string, fn func(*Device) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		devices := tx.Bucket(bucketDevices)
		dev, err := getDevice(devices, id)
		if err != nil {
			return err
		}
		previousIP := dev.IP
		if err := fn(&dev); err != nil {
			return err
		}
		return putDevice(devices, tx.Bucket(bucketIPIndex), dev, previousIP)
	})
}

func getDevice(devices *bolt.Bucket, id string) (Device, error) {
	raw := devices.Get([]byte(id))
	if raw == nil {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	var dev Device
	if err := json.Unmarshal(raw, &dev); err != nil {
		return Device{}, fmt.Errorf("decode device %s: %w", id, err)
	}
	return dev, nil
}

func putDevice(devices, ipIndex *bolt.Bucket, dev Device, previousIP string) error {
	raw, err := json.Marshal(&dev)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", dev.ID, err)
	}
	if err := devices.Put([]byte(dev.ID), raw); err != nil {
		return err
	}
	if previousIP != "" && previousIP != dev.IP {
		if err := ipIndex.Delete([]byte(previousIP)); err != nil {
			return err
		}
	}
	if dev.IP != "" {
		return ipIndex.Put([]byte(dev.IP), []byte(dev.ID))
	}
	return nil
}
