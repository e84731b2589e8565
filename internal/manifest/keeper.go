package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/adwinwhite/qikv/internal/sstable"
	"github.com/adwinwhite/qikv/internal/walcodec"
)

const (
	currentFileName  = "MANIFEST_CURRENT"
	snapshotPrefix   = "MANIFEST_SNAPSHOT_"
	logPrefix        = "MANIFEST_LOG_"
)

// Keeper owns the durable Manifest: the current snapshot/log generation,
// the journal writer, and the staged-but-uncommitted batch (spec §4.D).
type Keeper struct {
	dir        string
	manifest   *Manifest
	generation uint64
	log        *walcodec.Writer

	pending           []Action
	pendingNewIdCount map[uint64]uint64
}

func snapshotPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", snapshotPrefix, gen))
}

func logPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", logPrefix, gen))
}

func currentPath(dir string) string { return filepath.Join(dir, currentFileName) }

// Open initializes a fresh manifest (generation 0, empty snapshot and log)
// for a new store directory.
func Open(dir string) (*Keeper, error) {
	k := &Keeper{dir: dir, manifest: New(), pendingNewIdCount: map[uint64]uint64{}}
	if err := k.writeSnapshotAndRotate(0); err != nil {
		return nil, fmt.Errorf("manifest: init: %w", err)
	}
	w, err := walcodec.OpenWriter(logPath(dir, 0))
	if err != nil {
		return nil, fmt.Errorf("manifest: open log: %w", err)
	}
	k.log = w
	return k, nil
}

// Recover rebuilds a Keeper from CURRENT, its snapshot, and its log, then
// performs orphan collection over dir/SST (spec §4.D "Recovery").
func Recover(dir string) (*Keeper, error) {
	raw, err := os.ReadFile(currentPath(dir))
	if err != nil {
		return nil, fmt.Errorf("manifest: read CURRENT: %w", err)
	}
	// CURRENT is written via truncate+write into a fixed-size file region in
	// some deployments; trim any trailing NULs from sparse writes.
	trimmed := bytes.TrimRight(raw, "\x00")
	lines := bytes.SplitN(trimmed, []byte("\n"), 2)
	if len(lines) != 2 {
		return nil, fmt.Errorf("manifest: malformed CURRENT: %w", ErrCorrupt)
	}
	snapGen, err := parseGeneration(string(lines[0]), snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("manifest: malformed CURRENT snapshot name: %v: %w", err, ErrCorrupt)
	}
	logGen, err := parseGeneration(string(lines[1]), logPrefix)
	if err != nil {
		return nil, fmt.Errorf("manifest: malformed CURRENT log name: %v: %w", err, ErrCorrupt)
	}

	snapBuf, err := os.ReadFile(snapshotPath(dir, snapGen))
	if err != nil {
		return nil, fmt.Errorf("manifest: read snapshot: %w", err)
	}
	m, err := decodeSnapshot(snapBuf)
	if err != nil {
		return nil, fmt.Errorf("manifest: decode snapshot: %v: %w", err, ErrCorrupt)
	}

	err = walcodec.Recover(logPath(dir, logGen), func(group [][]byte) error {
		actions := make([]Action, 0, len(group))
		for _, payload := range group {
			a, err := decodeAction(payload)
			if err != nil {
				return fmt.Errorf("manifest: decode action: %v: %w", err, ErrCorrupt)
			}
			actions = append(actions, a)
		}
		for _, a := range actions {
			m.apply(a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("manifest: replay log: %w", err)
	}

	w, err := walcodec.OpenWriter(logPath(dir, logGen))
	if err != nil {
		return nil, fmt.Errorf("manifest: reopen log: %w", err)
	}

	k := &Keeper{dir: dir, manifest: m, generation: logGen, log: w, pendingNewIdCount: map[uint64]uint64{}}
	if err := k.collectOrphans(); err != nil {
		return nil, fmt.Errorf("manifest: orphan collection: %w", err)
	}
	return k, nil
}

var generationPattern = regexp.MustCompile(`^(.+)_(\d+)$`)

func parseGeneration(name, prefix string) (uint64, error) {
	m := generationPattern.FindStringSubmatch(name)
	if m == nil || m[1]+"_" != prefix {
		return 0, fmt.Errorf("name %q does not match prefix %q", name, prefix)
	}
	return strconv.ParseUint(m[2], 10, 64)
}

// Manifest exposes the applied, durable view for reads.
func (k *Keeper) Manifest() *Manifest { return k.manifest }

// StageAdd stages an Add action in the current batch.
func (k *Keeper) StageAdd(id sstable.SstId, firstKey, lastKey []byte, size int64) {
	k.pending = append(k.pending, Action{Kind: ActionAdd, Id: id, FirstKey: firstKey, LastKey: lastKey, Size: size})
}

// StageRemove stages a Remove action in the current batch.
func (k *Keeper) StageRemove(id sstable.SstId) {
	k.pending = append(k.pending, Action{Kind: ActionRemove, Id: id})
}

// StageNextCompact stages a NextCompact action for level in the current batch.
func (k *Keeper) StageNextCompact(level uint64) {
	k.pending = append(k.pending, Action{Kind: ActionNextCompact, Id: sstable.SstId{Level: level}})
}

// AllocateId stages a NewId action for level and returns the id it will
// become once the batch commits. Multiple calls within one uncommitted
// batch return distinct, increasing ids.
func (k *Keeper) AllocateId(level uint64) sstable.SstId {
	next := k.manifest.NewIds[level] + k.pendingNewIdCount[level] + 1
	k.pendingNewIdCount[level]++
	k.pending = append(k.pending, Action{Kind: ActionNewId, Id: sstable.SstId{Level: level}})
	return sstable.SstId{Level: level, Id: next}
}

// Commit encodes the staged batch, writes it with a trailing Commit marker
// in one syscall, fsyncs, applies the batch to the in-memory Manifest, and
// only then deletes the backing files of any Remove actions (spec §4.D,
// §4.E "Atomic install").
func (k *Keeper) Commit() error {
	if len(k.pending) == 0 {
		return nil
	}
	payloads := make([][]byte, len(k.pending))
	for i, a := range k.pending {
		payloads[i] = encodeAction(a)
	}
	if err := k.log.WriteBatch(payloads); err != nil {
		return fmt.Errorf("manifest: commit: %w", err)
	}
	if err := k.log.Sync(); err != nil {
		return fmt.Errorf("manifest: commit sync: %w", err)
	}

	removed := make([]sstable.SstId, 0)
	for _, a := range k.pending {
		k.manifest.apply(a)
		if a.Kind == ActionRemove {
			removed = append(removed, a.Id)
		}
	}
	k.pending = k.pending[:0]
	k.pendingNewIdCount = map[uint64]uint64{}

	for _, id := range removed {
		if err := os.Remove(sstable.FilePath(k.dir, id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("manifest: delete retired sst %s: %w", id, err)
		}
	}
	return nil
}

// writeSnapshotAndRotate implements snapshot() (spec §4.D "Snapshot
// rotation"): write a fresh snapshot and empty log at the new generation,
// fsync both, atomically rewrite CURRENT, then remove the previous pair.
func (k *Keeper) writeSnapshotAndRotate(newGen uint64) error {
	snapBuf := encodeSnapshot(k.manifest)
	sf, err := os.Create(snapshotPath(k.dir, newGen))
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if _, err := sf.Write(snapBuf); err != nil {
		sf.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := sf.Sync(); err != nil {
		sf.Close()
		return fmt.Errorf("fsync snapshot: %w", err)
	}
	sf.Close()

	lf, err := os.Create(logPath(k.dir, newGen))
	if err != nil {
		return fmt.Errorf("create log: %w", err)
	}
	if err := lf.Sync(); err != nil {
		lf.Close()
		return fmt.Errorf("fsync log: %w", err)
	}
	lf.Close()

	content := fmt.Sprintf("%s%d\n%s%d", snapshotPrefix, newGen, logPrefix, newGen)
	if err := writeCurrentAtomically(k.dir, content); err != nil {
		return fmt.Errorf("rewrite CURRENT: %w", err)
	}

	if newGen > 0 {
		os.Remove(snapshotPath(k.dir, newGen-1))
		os.Remove(logPath(k.dir, newGen-1))
	}
	k.generation = newGen
	return nil
}

// Snapshot rotates to generation+1 (see writeSnapshotAndRotate) and reopens
// the log writer. Callers invoke this periodically to bound log growth;
// nothing in the core read/write path requires it.
func (k *Keeper) Snapshot() error {
	if k.log != nil {
		k.log.Close()
	}
	newGen := k.generation + 1
	if err := k.writeSnapshotAndRotate(newGen); err != nil {
		return err
	}
	w, err := walcodec.OpenWriter(logPath(k.dir, newGen))
	if err != nil {
		return fmt.Errorf("manifest: reopen log after snapshot: %w", err)
	}
	k.log = w
	return nil
}

func writeCurrentAtomically(dir, content string) error {
	tmp := currentPath(dir) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()
	return os.Rename(tmp, currentPath(dir))
}

// Close releases the log file handle.
func (k *Keeper) Close() error {
	if k.log == nil {
		return nil
	}
	return k.log.Close()
}
