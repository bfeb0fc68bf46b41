// Package conflict detects and settles divergence between the local and the
// cloud version of one record.
package conflict

import (
	"fmt"
	"time"

	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/schema"
)

// Side names one end of the sync pair.
type Side string

const (
	SideNone  Side = ""
	SideLocal Side = "local"
	SideCloud Side = "cloud"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	switch s {
	case SideLocal:
		return SideCloud
	case SideCloud:
		return SideLocal
	}
	return SideNone
}

// Version is one side's copy of a record with its content hash.
type Version struct {
	Record *entity.Record
	Hash   string
}

// Resolution is the outcome of settling a conflict.
type Resolution struct {
	Resolved     bool
	Entity       *entity.Record
	Winner       Side
	StrategyUsed schema.ConflictStrategy
	Message      string
}

// HasConflict reports whether both sides changed since the last common sync
// point. A record present on only one side is never a conflict, and two
// sides that changed to identical content have converged rather than
// conflicted.
//
// With no metadata there is no common sync point; two differing versions
// are then a conflict. When the metadata predates content hashes, both
// sides having been modified strictly after lastSyncedAt decides.
func HasConflict(local, cloud *Version, meta *schema.SyncMetadata) bool {
	if local == nil || cloud == nil || local.Record == nil || cloud.Record == nil {
		return false
	}
	if local.Hash == cloud.Hash {
		return false
	}
	if meta == nil {
		return true
	}
	if meta.DataHash != "" {
		return local.Hash != meta.DataHash && cloud.Hash != meta.DataHash
	}
	if meta.LastSyncedAt == nil {
		return true
	}
	return modifiedAfter(local.Record, *meta.LastSyncedAt) && modifiedAfter(cloud.Record, *meta.LastSyncedAt)
}

func modifiedAfter(rec *entity.Record, t time.Time) bool {
	m := rec.LastModified()
	return m != nil && m.After(t)
}

// Resolve settles a conflict between local and cloud with strategy. It is
// deterministic: equal inputs always produce the same winner.
//
// Timestamp strategies break exact ties by preferring the cloud version.
// Manual returns an unresolved outcome and selects nothing.
func Resolve(local, cloud *entity.Record, strategy schema.ConflictStrategy) (Resolution, error) {
	if local == nil || cloud == nil {
		return Resolution{}, fmt.Errorf("conflict resolution needs both versions")
	}
	if local.ID != cloud.ID {
		return Resolution{}, fmt.Errorf("conflict between different records %q and %q", local.ID, cloud.ID)
	}

	res := Resolution{StrategyUsed: strategy}
	lt, ct := local.ModifiedAt(), cloud.ModifiedAt()

	switch strategy {
	case schema.StrategyLastWriteWins:
		if lt.After(ct) {
			res.Winner = SideLocal
			res.Message = fmt.Sprintf("local modified later (%s > %s)", stamp(lt), stamp(ct))
		} else {
			res.Winner = SideCloud
			res.Message = tieMessage(lt, ct, "cloud modified later (%s > %s)", ct, lt)
		}

	case schema.StrategyFirstWriteWins:
		if lt.Before(ct) {
			res.Winner = SideLocal
			res.Message = fmt.Sprintf("local modified first (%s < %s)", stamp(lt), stamp(ct))
		} else {
			res.Winner = SideCloud
			res.Message = tieMessage(lt, ct, "cloud modified first (%s < %s)", ct, lt)
		}

	case schema.StrategyKeepLocal:
		res.Winner = SideLocal
		res.Message = "local version kept"

	case schema.StrategyKeepCloud:
		res.Winner = SideCloud
		res.Message = "cloud version kept"

	case schema.StrategyManual:
		res.Message = "left for manual resolution"
		return res, nil

	default:
		return Resolution{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	res.Resolved = true
	if res.Winner == SideLocal {
		res.Entity = local.Clone()
	} else {
		res.Entity = cloud.Clone()
	}
	return res, nil
}

func tieMessage(lt, ct time.Time, format string, a, b time.Time) string {
	if lt.Equal(ct) {
		return fmt.Sprintf("equal modification times (%s), cloud preferred", stamp(ct))
	}
	return fmt.Sprintf(format, stamp(a), stamp(b))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
