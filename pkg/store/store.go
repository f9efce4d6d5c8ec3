// Package store persists the deferral record that carries the enforcement
// cycle across agent invocations. The agent never runs continuously, so every
// field here must be re-derivable by a fresh process: reads always hit the
// database, and each write is a single small transaction.
package store

import (
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DeferralRecord is the durable state of one enforcement cycle, keyed by
// namespace. Zero timestamps mean unset.
type DeferralRecord struct {
	ID                   uint   `gorm:"primaryKey"`
	Namespace            string `gorm:"uniqueIndex"`
	UpdatesForcedAfter   int64  // epoch seconds; deadline for the cycle
	UpdatesDeferredUntil int64  // epoch seconds; suppress prompting until then
	UpdateList           string `gorm:"type:text"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EnforcementLease guards the prompt and enforcement paths against
// overlapping scheduler invocations. A lease past its expiry is stale and may
// be stolen, so a crashed holder recovers after the TTL.
type EnforcementLease struct {
	ID        uint   `gorm:"primaryKey"`
	Namespace string `gorm:"uniqueIndex"`
	Owner     string
	ExpiresAt time.Time `gorm:"index"`
}

type Store struct {
	db *gorm.DB
	ns string
}

// Open opens (creating if needed) the state database for one cycle namespace.
func Open(path, namespace string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DeferralRecord{}, &EnforcementLease{}); err != nil {
		return nil, err
	}
	return &Store{db: db, ns: namespace}, nil
}

// Load reads the current deferral record. A cycle with no record yet is
// returned as an empty record, not an error.
func (s *Store) Load() (*DeferralRecord, error) {
	var rec DeferralRecord
	err := s.db.Where("namespace = ?", s.ns).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &DeferralRecord{Namespace: s.ns}, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetDeadline persists the enforcement deadline, starting the cycle if no
// record exists yet.
func (s *Store) SetDeadline(epoch int64) error {
	return s.update(func(rec *DeferralRecord) {
		rec.UpdatesForcedAfter = epoch
		// A pulled-in deadline invalidates any grant that now lands past it.
		if rec.UpdatesDeferredUntil > epoch {
			rec.UpdatesDeferredUntil = epoch
		}
	})
}

// Defer records a deferral grant. The suppress-until time is clamped to the
// deadline at write time, so deferredUntil <= enforceAfter holds by
// construction.
func (s *Store) Defer(until, deadline int64) error {
	if deadline > 0 && until > deadline {
		until = deadline
	}
	return s.update(func(rec *DeferralRecord) {
		rec.UpdatesDeferredUntil = until
	})
}

// ClearDeferredUntil consumes the active deferral grant.
func (s *Store) ClearDeferredUntil() error {
	return s.update(func(rec *DeferralRecord) {
		rec.UpdatesDeferredUntil = 0
	})
}

// SetUpdateList caches the human-readable pending-update description captured
// at cycle start, keeping messaging stable if the catalog changes mid-cycle.
func (s *Store) SetUpdateList(list string) error {
	return s.update(func(rec *DeferralRecord) {
		rec.UpdateList = list
	})
}

// Clear concludes the cycle, removing the record and any lease. Idempotent.
func (s *Store) Clear() error {
	if err := s.db.Where("namespace = ?", s.ns).Delete(&DeferralRecord{}).Error; err != nil {
		return err
	}
	return s.db.Where("namespace = ?", s.ns).Delete(&EnforcementLease{}).Error
}

// AcquireLease claims the enforcement lease for owner. Returns false when
// another live holder has it; an expired lease is stolen.
func (s *Store) AcquireLease(owner string, ttl time.Duration, now time.Time) (bool, error) {
	acquired := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var lease EnforcementLease
		err := tx.Where("namespace = ?", s.ns).First(&lease).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			lease = EnforcementLease{Namespace: s.ns}
		case err != nil:
			return err
		default:
			if lease.Owner != owner && now.Before(lease.ExpiresAt) {
				return nil
			}
		}
		lease.Owner = owner
		lease.ExpiresAt = now.Add(ttl)
		if err := tx.Save(&lease).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLease drops the lease if owner still holds it. Idempotent.
func (s *Store) ReleaseLease(owner string) error {
	return s.db.Where("namespace = ? AND owner = ?", s.ns, owner).
		Delete(&EnforcementLease{}).Error
}

// Lease returns the current lease, or nil when none is held.
func (s *Store) Lease() (*EnforcementLease, error) {
	var lease EnforcementLease
	err := s.db.Where("namespace = ?", s.ns).First(&lease).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *Store) update(mutate func(*DeferralRecord)) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec DeferralRecord
		err := tx.Where("namespace = ?", s.ns).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = DeferralRecord{Namespace: s.ns}
		} else if err != nil {
			return err
		}
		mutate(&rec)
		return tx.Save(&rec).Error
	})
}
