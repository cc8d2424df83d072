// Package store implements the persisted state store for session continuity:
// a small fixed set of logical keys (terminal snapshot, file-browser
// snapshot, connection settings, navigation timestamp) kept in a local
// sqlite database with lazy TTL expiry and quota-aware cleanup.
//
// Storage failures are never fatal to the session. Save reports success as a
// boolean and logs a diagnostic; Load treats expired or corrupt entries as
// absent and removes them.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/charles1614/deepwiki-sub000/internal/crypto"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Defaults applied when Config fields are zero.
const (
	DefaultSnapshotTTL          = 30 * time.Minute
	DefaultTerminalHistoryLines = 1000
	DefaultStorageBudgetBytes   = 5 * 1024 * 1024
)

// quotaThreshold is the fraction of the storage budget at which the store
// reports itself unavailable for new writes.
const quotaThreshold = 0.8

// Config tunes TTL, terminal history cap, and the storage budget.
type Config struct {
	SnapshotTTL          time.Duration
	TerminalHistoryLines int
	StorageBudgetBytes   int64
}

// Store is a key-scoped, TTL-bounded, quota-aware persistence layer.
// It is safe for concurrent use; sqlite serializes writes underneath.
type Store struct {
	db     *gorm.DB
	cfg    Config
	cipher *crypto.Cipher
	now    func() time.Time // overridable in tests
}

// Open creates (or opens) the backing database and prepares the store.
func Open(path string, cfg Config) (*Store, error) {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if cfg.TerminalHistoryLines <= 0 {
		cfg.TerminalHistoryLines = DefaultTerminalHistoryLines
	}
	if cfg.StorageBudgetBytes <= 0 {
		cfg.StorageBudgetBytes = DefaultStorageBudgetBytes
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open store database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Snapshot{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db, cfg: cfg, now: time.Now}
	s.cipher = crypto.New(
		func() (string, error) { return s.getSetting("fernet_key") },
		func(v string) error { return s.setSetting("fernet_key", v) },
	)
	return s, nil
}

// Ping verifies the backing database is reachable.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) getSetting(key string) (string, error) {
	var row Setting
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		return "", err
	}
	return row.Value, nil
}

func (s *Store) setSetting(key, value string) error {
	return s.db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// save serializes rec with its timestamp set to now and writes it under kind.
// Returns false (and logs) on any storage or serialization failure.
func (s *Store) save(kind Kind, rec Record) bool {
	rec.stamp(s.now())

	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[store] save %s: marshal failed: %v", kind, err)
		return false
	}

	value := string(data)
	if kind == KindSettings {
		enc, err := s.cipher.Encrypt(value)
		if err != nil {
			log.Printf("[store] save %s: encrypt failed: %v", kind, err)
			return false
		}
		value = enc
	}

	err = s.db.Where("key = ?", string(kind)).
		Assign(Snapshot{Value: value}).
		FirstOrCreate(&Snapshot{Key: string(kind)}).Error
	if err != nil {
		log.Printf("[store] save %s: write failed: %v", kind, err)
		return false
	}
	return true
}

// load reads the entry under kind into rec. Returns false when the entry is
// absent, expired (lazy expiry deletes the row), or corrupt (deleted).
func (s *Store) load(kind Kind, rec Record) bool {
	var row Snapshot
	if err := s.db.Where("key = ?", string(kind)).First(&row).Error; err != nil {
		return false
	}

	value := row.Value
	if kind == KindSettings {
		dec, err := s.cipher.Decrypt(value)
		if err != nil {
			log.Printf("[store] load %s: decrypt failed, dropping entry: %v", kind, err)
			s.Clear(kind)
			return false
		}
		value = dec
	}

	if err := json.Unmarshal([]byte(value), rec); err != nil {
		log.Printf("[store] load %s: corrupt entry, dropping: %v", kind, err)
		s.Clear(kind)
		return false
	}

	if kind.TTLBounded() && s.now().Sub(rec.stamped()) > s.cfg.SnapshotTTL {
		s.Clear(kind)
		return false
	}
	return true
}

// SaveTerminal persists a terminal snapshot, trimming the line buffer to the
// configured history cap (older lines are dropped, not the whole snapshot).
func (s *Store) SaveTerminal(snap TerminalSnapshot) bool {
	if max := s.cfg.TerminalHistoryLines; len(snap.Lines) > max {
		snap.Lines = snap.Lines[len(snap.Lines)-max:]
	}
	return s.save(KindTerminal, &snap)
}

// LoadTerminal returns the persisted terminal snapshot, or nil if absent or expired.
func (s *Store) LoadTerminal() *TerminalSnapshot {
	var snap TerminalSnapshot
	if !s.load(KindTerminal, &snap) {
		return nil
	}
	return &snap
}

// SaveBrowser persists a file-browser snapshot.
func (s *Store) SaveBrowser(snap BrowserSnapshot) bool {
	return s.save(KindBrowser, &snap)
}

// LoadBrowser returns the persisted file-browser snapshot, or nil if absent or expired.
func (s *Store) LoadBrowser() *BrowserSnapshot {
	var snap BrowserSnapshot
	if !s.load(KindBrowser, &snap) {
		return nil
	}
	return &snap
}

// SaveSettings persists connection settings encrypted at rest. Settings do
// not expire: credentials should survive across restarts.
func (s *Store) SaveSettings(settings ConnectionSettings) bool {
	return s.save(KindSettings, &settings)
}

// LoadSettings returns the persisted connection settings, or nil if absent.
func (s *Store) LoadSettings() *ConnectionSettings {
	var settings ConnectionSettings
	if !s.load(KindSettings, &settings) {
		return nil
	}
	return &settings
}

// SaveNavigation persists the navigation-away mark.
func (s *Store) SaveNavigation(mark NavigationMark) bool {
	return s.save(KindNavigation, &mark)
}

// LoadNavigation returns the persisted navigation mark, or nil if absent or expired.
func (s *Store) LoadNavigation() *NavigationMark {
	var mark NavigationMark
	if !s.load(KindNavigation, &mark) {
		return nil
	}
	return &mark
}

// Clear deletes the entry under kind. Idempotent.
func (s *Store) Clear(kind Kind) {
	if err := s.db.Where("key = ?", string(kind)).Delete(&Snapshot{}).Error; err != nil {
		log.Printf("[store] clear %s: %v", kind, err)
	}
}

// ClearAll deletes every managed key. Idempotent.
func (s *Store) ClearAll() {
	for _, kind := range ManagedKinds() {
		s.Clear(kind)
	}
}

// ClearSession deletes the TTL-bounded session snapshots (terminal, browser,
// navigation mark) but keeps connection settings.
func (s *Store) ClearSession() {
	for _, kind := range ManagedKinds() {
		if kind.TTLBounded() {
			s.Clear(kind)
		}
	}
}

// QuotaStatus reports storage utilization against the configured budget.
type QuotaStatus struct {
	Available  bool  `json:"available"`
	UsageBytes int64 `json:"usage_bytes"`
}

// CheckQuota sums the serialized size of all managed keys and compares it
// against the storage budget at the utilization threshold.
func (s *Store) CheckQuota() QuotaStatus {
	keys := make([]string, 0, len(ManagedKinds()))
	for _, kind := range ManagedKinds() {
		keys = append(keys, string(kind))
	}

	var usage int64
	err := s.db.Model(&Snapshot{}).
		Select("COALESCE(SUM(LENGTH(value)), 0)").
		Where("key IN ?", keys).
		Scan(&usage).Error
	if err != nil {
		log.Printf("[store] quota check failed: %v", err)
		return QuotaStatus{Available: true}
	}

	limit := int64(float64(s.cfg.StorageBudgetBytes) * quotaThreshold)
	return QuotaStatus{Available: usage < limit, UsageBytes: usage}
}

// ExpireStale removes every TTL-bounded entry whose embedded timestamp is
// past the TTL window. Load already expires lazily; this sweeps entries that
// are never read again.
func (s *Store) ExpireStale() {
	// Load performs the TTL check and deletes expired rows as a side effect.
	s.LoadTerminal()
	s.LoadBrowser()
	s.LoadNavigation()
}

// Optimize frees space when the quota is exhausted: first expires stale
// TTL-bounded entries; if the store is still over budget, clears everything
// managed (last-resort eviction) and logs a warning.
func (s *Store) Optimize() {
	if s.CheckQuota().Available {
		return
	}

	s.ExpireStale()
	if s.CheckQuota().Available {
		return
	}

	log.Printf("WARNING: [store] quota still exceeded after expiry, clearing all managed keys")
	s.ClearAll()
}
