// Package qikv is an embedded, single-writer LSM key-value store: a
// journaled memtable flushes to leveled, immutable SSTs that a background-
// adjacent compaction pass merges on trigger, all fronted by a bloom filter
// negative-lookup guard (spec §1/§4).
package qikv

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/adwinwhite/qikv/config"
	"github.com/adwinwhite/qikv/internal/bloomfilter"
	"github.com/adwinwhite/qikv/internal/compaction"
	"github.com/adwinwhite/qikv/internal/kvrecord"
	"github.com/adwinwhite/qikv/internal/manifest"
	"github.com/adwinwhite/qikv/internal/memtable"
	"github.com/adwinwhite/qikv/internal/sstable"
)

// defaultBloomCapacity sizes a freshly created store's filter before any
// key count is known. It degrades gracefully (a higher false-positive rate,
// never a false negative) once the live key count grows past it.
const defaultBloomCapacity = 1 << 16

// falsePositiveRate is the target rate the bloom filter is sized for.
const falsePositiveRate = 0.01

// Store is the façade over the durable memtable, manifest, and compaction
// subsystems (spec §4, generalized from the teacher's lsm.LSM).
type Store struct {
	dir   string
	cfg   config.Config
	mem   *memtable.Keeper
	man   *manifest.Keeper
	bloom *bloomfilter.Filter
	log   *logrus.Entry
	runID uuid.UUID

	closed bool
}

// New initializes a fresh store at dir with the spec §6.4 default tuning
// constants. dir must not already contain a MANIFEST_CURRENT pointer file
// (spec §6.3 "new(dir)" usage error).
func New(dir string) (*Store, error) {
	return NewWithConfig(dir, config.Default(dir))
}

// NewWithConfig is New with the five spec §6.4 tuning constants injected
// from cfg instead of left at their defaults (spec §9 "Configurability").
// Any field left zero-valued in cfg falls back to its default.
func NewWithConfig(dir string, cfg config.Config) (*Store, error) {
	cfg = cfg.WithDefaults()
	if _, err := os.Stat(filepath.Join(dir, "MANIFEST_CURRENT")); err == nil {
		return nil, errors.Errorf("qikv: new: %s already contains a store", dir)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "qikv: new: stat %s", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "qikv: new: create data directory")
	}

	memKeeper, err := memtable.Open(dir, int(cfg.MemtableFlushSize))
	if err != nil {
		return nil, errors.Wrap(err, "qikv: new: open memtable log")
	}
	manKeeper, err := manifest.Open(dir)
	if err != nil {
		memKeeper.Close()
		return nil, errors.Wrap(err, "qikv: new: init manifest")
	}

	runID := uuid.New()
	log := logrus.WithField("run_id", runID.String())
	log.WithField("dir", dir).Info("qikv: store initialized")

	return &Store{
		dir:   dir,
		cfg:   cfg,
		mem:   memKeeper,
		man:   manKeeper,
		bloom: bloomfilter.New(defaultBloomCapacity, falsePositiveRate),
		log:   log,
		runID: runID,
	}, nil
}

// Recover rebuilds a store from an existing directory with the spec §6.4
// default tuning constants: the memtable log, the manifest (snapshot + log
// + orphan collection), and a freshly rebuilt bloom filter over every live
// key (spec §6.3 "recover(dir)").
func Recover(dir string) (*Store, error) {
	return RecoverWithConfig(dir, config.Default(dir))
}

// RecoverWithConfig is Recover with cfg's tuning constants injected (spec §9
// "Configurability"). Only MemtableFlushSize affects recovery itself — the
// rest take effect on the next flush/compaction — but cfg is kept on the
// Store so every later operation sees it.
func RecoverWithConfig(dir string, cfg config.Config) (*Store, error) {
	cfg = cfg.WithDefaults()
	memKeeper, err := memtable.Recover(dir, int(cfg.MemtableFlushSize))
	if err != nil {
		return nil, errors.Wrap(err, "qikv: recover: memtable")
	}
	manKeeper, err := manifest.Recover(dir)
	if err != nil {
		memKeeper.Close()
		if stderrors.Is(err, manifest.ErrCorrupt) {
			return nil, errors.Wrapf(ErrCorrupt, "qikv: recover: manifest: %v", err)
		}
		return nil, errors.Wrap(err, "qikv: recover: manifest")
	}

	runID := uuid.New()
	log := logrus.WithField("run_id", runID.String())

	bloom, n, err := rebuildBloom(dir, memKeeper, manKeeper.Manifest())
	if err != nil {
		memKeeper.Close()
		manKeeper.Close()
		if stderrors.Is(err, sstable.ErrCorrupt) {
			return nil, errors.Wrapf(ErrCorrupt, "qikv: recover: rebuild bloom filter: %v", err)
		}
		return nil, errors.Wrap(err, "qikv: recover: rebuild bloom filter")
	}
	log.WithFields(logrus.Fields{"dir": dir, "live_keys": n}).Info("qikv: store recovered")

	return &Store{
		dir:   dir,
		cfg:   cfg,
		mem:   memKeeper,
		man:   manKeeper,
		bloom: bloom,
		log:   log,
		runID: runID,
	}, nil
}

// rebuildBloom scans the recovered memtable and every live SST to reinsert
// every key currently on record — puts and tombstones alike, since the
// filter is only ever a negative-lookup guard and never a source of truth
// for liveness (spec §9 supplemented feature).
func rebuildBloom(dir string, memKeeper *memtable.Keeper, m *manifest.Manifest) (*bloomfilter.Filter, int, error) {
	var keys [][]byte
	for _, pair := range memKeeper.Table().Iter() {
		keys = append(keys, pair.Key)
	}

	for level := uint64(0); level <= m.MaxLevel(); level++ {
		for _, id := range m.SstByLevel(level) {
			sst, err := sstable.Load(sstable.FilePath(dir, id), id)
			if err != nil {
				return nil, 0, fmt.Errorf("load %s: %w", id, err)
			}
			it := sst.Iter()
			for {
				key, _, ok, err := it.Next()
				if err != nil {
					return nil, 0, fmt.Errorf("scan %s: %w", id, err)
				}
				if !ok {
					break
				}
				keys = append(keys, append([]byte(nil), key...))
			}
		}
	}

	capacity := len(keys)
	if capacity == 0 {
		capacity = defaultBloomCapacity
	}
	bloom := bloomfilter.New(capacity, falsePositiveRate)
	for _, key := range keys {
		bloom.Add(key)
	}
	return bloom, len(keys), nil
}

// Stats is a CLI/observability accessor beyond spec §6.3's core API
// surface: per-level live SST counts, for `qikv stats`.
type Stats struct {
	MaxLevel    uint64
	SstsByLevel map[uint64]int
}

// Stats reports the current per-level SST counts.
func (s *Store) Stats() Stats {
	m := s.man.Manifest()
	maxLevel := m.MaxLevel()
	counts := make(map[uint64]int, maxLevel+1)
	for level := uint64(0); level <= maxLevel; level++ {
		counts[level] = len(m.SstByLevel(level))
	}
	return Stats{MaxLevel: maxLevel, SstsByLevel: counts}
}

// Workdir returns the directory this store is rooted at (spec §6.3
// "workdir()", grounded on Store::workdir in the original source).
func (s *Store) Workdir() string { return s.dir }

// Insert records value for key, flushing the memtable and running
// compaction inline when triggers fire (spec §6.3 "insert(key, value)").
func (s *Store) Insert(key, value []byte) error {
	return s.apply(key, kvrecord.Put(value))
}

// Remove tombstones key (spec §6.3 "remove(key)").
func (s *Store) Remove(key []byte) error {
	return s.apply(key, kvrecord.Delete())
}

func (s *Store) apply(key []byte, vu kvrecord.ValueUpdate) error {
	if s.closed {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrKeyEmpty
	}

	s.mem.Insert(key, vu)
	if err := s.mem.Commit(); err != nil {
		return errors.Wrap(err, "qikv: commit")
	}
	s.bloom.Add(key)

	if !s.mem.Table().ShouldFlush() {
		return nil
	}
	if err := s.flush(); err != nil {
		return errors.Wrap(err, "qikv: flush")
	}
	if err := compaction.Run(s.dir, s.man, s.compactionTuning(), s.log); err != nil {
		return errors.Wrap(err, "qikv: compaction")
	}
	return nil
}

// compactionTuning translates the five spec §6.4 constants this Store was
// configured with into the compaction engine's own Tuning shape.
func (s *Store) compactionTuning() compaction.Tuning {
	return compaction.Tuning{
		L0CompactionTrigger: s.cfg.Level0CompactionTrigger,
		ByteTriggerBase:     s.cfg.LevelByteTriggerBase,
		MaxFileSize:         int(s.cfg.SSTableFileSize),
		SparseIndexInterval: s.cfg.SparseIndexInterval,
	}
}

// flush streams the current memtable to a new level-0 SST and installs it
// via one manifest commit, then resets the memtable log (spec §4.B/§4.C
// "Flush to level 0"). Refuses an empty memtable per the settled open
// question in spec §9.
func (s *Store) flush() error {
	table := s.mem.Table()
	if table.Len() == 0 {
		return fmt.Errorf("qikv: refusing to flush an empty memtable")
	}

	id := s.man.AllocateId(0)
	path := sstable.FilePath(s.dir, id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create level-0 dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	builder := sstable.NewBuilderWithInterval(s.cfg.SparseIndexInterval)
	for _, pair := range table.Iter() {
		builder.Add(pair.Key, pair.Update)
	}
	firstKey, lastKey, size, err := builder.Finish(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("finish %s: %w", path, err)
	}

	s.man.StageAdd(id, firstKey, lastKey, int64(size))
	if err := s.man.Commit(); err != nil {
		return fmt.Errorf("install flush %s: %w", id, err)
	}
	s.log.WithFields(logrus.Fields{"sst_id": id.String(), "bytes": size}).Info("qikv: flushed memtable")

	return s.mem.Reset()
}

// Get looks up key through the bloom filter, the memtable, then live SSTs
// in priority order (level 0 newest-first, then ascending levels), stopping
// at the first match (spec §6.3 "get(key)").
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}
	if len(key) == 0 {
		return nil, false, ErrKeyEmpty
	}
	if !s.bloom.MayContain(key) {
		return nil, false, nil
	}

	if vu, ok := s.mem.Table().Get(key); ok {
		if vu.Tombstone {
			return nil, false, nil
		}
		return vu.Value, true, nil
	}

	for _, id := range s.man.Manifest().GetSstByKey(key) {
		sst, err := sstable.Load(sstable.FilePath(s.dir, id), id)
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				// The manifest lists id but the file is gone: a filesystem/
				// manifest disagreement is treated as absent, not surfaced,
				// per spec §7 (indicative of a bug, not a corrupt read).
				continue
			}
			if stderrors.Is(err, sstable.ErrCorrupt) {
				return nil, false, errors.Wrapf(ErrCorrupt, "qikv: load %s: %v", id, err)
			}
			return nil, false, errors.Wrapf(err, "qikv: load %s", id)
		}
		vu, found, err := sst.Get(key)
		if err != nil {
			if stderrors.Is(err, sstable.ErrCorrupt) {
				return nil, false, errors.Wrapf(ErrCorrupt, "qikv: get from %s: %v", id, err)
			}
			return nil, false, errors.Wrapf(err, "qikv: get from %s", id)
		}
		if !found {
			continue
		}
		if vu.Tombstone {
			return nil, false, nil
		}
		return vu.Value, true, nil
	}
	return nil, false, nil
}

// Close releases the memtable and manifest log handles. Later Insert,
// Remove and Get calls return ErrClosed; a second Close returns nil.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	memErr := s.mem.Close()
	manErr := s.man.Close()
	if memErr != nil {
		return errors.Wrap(memErr, "qikv: close memtable")
	}
	if manErr != nil {
		return errors.Wrap(manErr, "qikv: close manifest")
	}
	return nil
}
