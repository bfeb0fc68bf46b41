// Package entity defines the capability contract a record type must satisfy
// to be synchronized, and the typed registry that maps entity names to
// their adapters.
package entity

import (
	"time"
)

// Syncable is the contract every synchronized entity satisfies. Audit fields
// are maintained by the persistence layer; the engine only reads them.
type Syncable interface {
	PrimaryKey() string
	LastModified() *time.Time
	IsDeleted() bool
}

// Record is the generic row the engine moves between stores. Business
// content lives in Fields; the remaining members are audit metadata.
type Record struct {
	ID     string         `json:"id" yaml:"id"`
	Fields map[string]any `json:"fields" yaml:"fields"`

	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	CreatedBy string     `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
	Deleted   bool       `json:"is_deleted" yaml:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty" yaml:"deleted_by,omitempty"`
}

var _ Syncable = (*Record)(nil)

// PrimaryKey implements Syncable.
func (r *Record) PrimaryKey() string { return r.ID }

// IsDeleted implements Syncable.
func (r *Record) IsDeleted() bool { return r.Deleted }

// LastModified implements Syncable. It returns the latest of the deletion,
// update and creation times, or nil when none is known.
func (r *Record) LastModified() *time.Time {
	var latest *time.Time
	if !r.CreatedAt.IsZero() {
		t := r.CreatedAt
		latest = &t
	}
	for _, t := range []*time.Time{r.UpdatedAt, r.DeletedAt} {
		if t != nil && (latest == nil || t.After(*latest)) {
			v := *t
			latest = &v
		}
	}
	return latest
}

// ModifiedAt is LastModified with the zero time standing in for unknown.
func (r *Record) ModifiedAt() time.Time {
	if t := r.LastModified(); t != nil {
		return *t
	}
	return time.Time{}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = cloneMap(r.Fields)
	c.UpdatedAt = cloneTime(r.UpdatedAt)
	c.DeletedAt = cloneTime(r.DeletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
