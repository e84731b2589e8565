package manifest

import (
	"encoding/binary"
	"fmt"

	"github.com/adwinwhite/qikv/internal/sstable"
)

// ActionKind tags one ManifestAction (spec §4.D). Commit itself is not a
// member of this type: it is the walcodec Commit marker that already
// terminates every batch (component A is the shared primitive both the
// memtable log and this log use), so no separate Commit payload exists.
type ActionKind byte

const (
	ActionAdd ActionKind = iota
	ActionRemove
	ActionNewId
	ActionNextCompact
)

// Action is one staged or journaled manifest mutation.
type Action struct {
	Kind     ActionKind
	Id       sstable.SstId // level used alone for NewId/NextCompact
	FirstKey []byte        // Add only
	LastKey  []byte        // Add only
	Size     int64         // Add only: records-section size
}

func encodeAction(a Action) []byte {
	switch a.Kind {
	case ActionAdd:
		buf := make([]byte, 1+8+8+4+len(a.FirstKey)+4+len(a.LastKey)+8)
		off := 0
		buf[off] = byte(a.Kind)
		off++
		binary.LittleEndian.PutUint64(buf[off:], a.Id.Level)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], a.Id.Id)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.FirstKey)))
		off += 4
		off += copy(buf[off:], a.FirstKey)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.LastKey)))
		off += 4
		off += copy(buf[off:], a.LastKey)
		binary.LittleEndian.PutUint64(buf[off:], uint64(a.Size))
		return buf
	case ActionRemove:
		buf := make([]byte, 1+8+8)
		buf[0] = byte(a.Kind)
		binary.LittleEndian.PutUint64(buf[1:], a.Id.Level)
		binary.LittleEndian.PutUint64(buf[9:], a.Id.Id)
		return buf
	case ActionNewId, ActionNextCompact:
		buf := make([]byte, 1+8)
		buf[0] = byte(a.Kind)
		binary.LittleEndian.PutUint64(buf[1:], a.Id.Level)
		return buf
	default:
		panic(fmt.Sprintf("manifest: encode unknown action kind %d", a.Kind))
	}
}

func decodeAction(buf []byte) (Action, error) {
	if len(buf) < 1 {
		return Action{}, fmt.Errorf("manifest: empty action payload")
	}
	kind := ActionKind(buf[0])
	rest := buf[1:]
	switch kind {
	case ActionAdd:
		if len(rest) < 16+4 {
			return Action{}, fmt.Errorf("manifest: truncated Add action")
		}
		level := binary.LittleEndian.Uint64(rest[0:])
		id := binary.LittleEndian.Uint64(rest[8:])
		off := 16
		firstLen := int(binary.LittleEndian.Uint32(rest[off:]))
		off += 4
		if off+firstLen+4 > len(rest) {
			return Action{}, fmt.Errorf("manifest: truncated Add first_key")
		}
		firstKey := append([]byte(nil), rest[off:off+firstLen]...)
		off += firstLen
		lastLen := int(binary.LittleEndian.Uint32(rest[off:]))
		off += 4
		if off+lastLen+8 > len(rest) {
			return Action{}, fmt.Errorf("manifest: truncated Add last_key/size")
		}
		lastKey := append([]byte(nil), rest[off:off+lastLen]...)
		off += lastLen
		size := binary.LittleEndian.Uint64(rest[off:])
		return Action{Kind: ActionAdd, Id: sstable.SstId{Level: level, Id: id}, FirstKey: firstKey, LastKey: lastKey, Size: int64(size)}, nil
	case ActionRemove:
		if len(rest) < 16 {
			return Action{}, fmt.Errorf("manifest: truncated Remove action")
		}
		level := binary.LittleEndian.Uint64(rest[0:])
		id := binary.LittleEndian.Uint64(rest[8:])
		return Action{Kind: ActionRemove, Id: sstable.SstId{Level: level, Id: id}}, nil
	case ActionNewId, ActionNextCompact:
		if len(rest) < 8 {
			return Action{}, fmt.Errorf("manifest: truncated level-only action")
		}
		level := binary.LittleEndian.Uint64(rest[0:])
		return Action{Kind: kind, Id: sstable.SstId{Level: level}}, nil
	default:
		return Action{}, fmt.Errorf("manifest: unknown action tag %d", kind)
	}
}
