// ABOUTME: Field catalogue for the users, sessions and messages collections
// ABOUTME: Normalizes documents, filters and patches to one set of Go types for every backend

package docstore

import (
	"fmt"
	"math"
	"time"
)

// Field names shared by every backend.
const (
	FieldUserID       = "user_id"
	FieldEmail        = "email"
	FieldName         = "name"
	FieldPasswordHash = "password_hash"
	FieldCreatedAt    = "created_at"
	FieldLastActive   = "last_active"

	FieldSessionID    = "session_id"
	FieldOwnerUserID  = "owner_user_id"
	FieldTitle        = "title"
	FieldUpdatedAt    = "updated_at"
	FieldMessageCount = "message_count"
	FieldIsActive     = "is_active"

	FieldMessageID = "message_id"
	FieldRole      = "role"
	FieldContent   = "content"
	FieldTimestamp = "timestamp"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindBool
	kindTime
)

type field struct {
	name string
	kind fieldKind
}

type collectionSchema struct {
	name    Collection
	key     string
	fields  []field
	unique  []string
	indexes [][]SortField
}

var schemas = map[Collection]*collectionSchema{
	Users: {
		name: Users,
		key:  FieldUserID,
		fields: []field{
			{FieldUserID, kindString},
			{FieldEmail, kindString},
			{FieldName, kindString},
			{FieldPasswordHash, kindString},
			{FieldCreatedAt, kindTime},
			{FieldLastActive, kindTime},
		},
		unique: []string{FieldEmail},
	},
	Sessions: {
		name: Sessions,
		key:  FieldSessionID,
		fields: []field{
			{FieldSessionID, kindString},
			{FieldOwnerUserID, kindString},
			{FieldTitle, kindString},
			{FieldCreatedAt, kindTime},
			{FieldUpdatedAt, kindTime},
			{FieldMessageCount, kindInt},
			{FieldIsActive, kindBool},
		},
		indexes: [][]SortField{
			{{Field: FieldOwnerUserID}, {Field: FieldUpdatedAt, Desc: true}},
		},
	},
	Messages: {
		name: Messages,
		key:  FieldMessageID,
		fields: []field{
			{FieldMessageID, kindString},
			{FieldSessionID, kindString},
			{FieldRole, kindString},
			{FieldContent, kindString},
			{FieldTimestamp, kindTime},
		},
		indexes: [][]SortField{
			{{Field: FieldSessionID}, {Field: FieldTimestamp}},
		},
	},
}

func schemaFor(coll Collection) (*collectionSchema, error) {
	s, ok := schemas[coll]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %q", ErrInvalidQuery, coll)
	}
	return s, nil
}

func (s *collectionSchema) kindOf(name string) (fieldKind, bool) {
	for _, f := range s.fields {
		if f.name == name {
			return f.kind, true
		}
	}
	return 0, false
}

// uniqueFields lists the primary key followed by secondary unique keys.
func (s *collectionSchema) uniqueFields() []string {
	return append([]string{s.key}, s.unique...)
}

// normalizeValue coerces v into the canonical Go type for the named field.
func (s *collectionSchema) normalizeValue(name string, v any) (any, error) {
	kind, ok := s.kindOf(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %q in %s", ErrInvalidQuery, name, s.name)
	}

	switch kind {
	case kindString:
		if str, ok := v.(string); ok {
			return str, nil
		}
	case kindInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case kindTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	}
	return nil, fmt.Errorf("%w: field %q in %s has type %T", ErrInvalidQuery, name, s.name, v)
}

// normalizeDocument validates a document for insertion. Nil values are dropped.
func (s *collectionSchema) normalizeDocument(doc Document) (Document, error) {
	out := make(Document, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		nv, err := s.normalizeValue(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	if out.String(s.key) == "" {
		return nil, fmt.Errorf("%w: %s requires %q", ErrInvalidQuery, s.name, s.key)
	}
	return out, nil
}

func (s *collectionSchema) normalizeFilter(filter Filter) (Filter, error) {
	out := make(Filter, len(filter))
	for k, v := range filter {
		nv, err := s.normalizeValue(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func (s *collectionSchema) normalizePatch(p Patch) (Patch, error) {
	if p.empty() {
		return Patch{}, fmt.Errorf("%w: empty patch", ErrInvalidQuery)
	}
	out := Patch{Set: make(map[string]any, len(p.Set)), Inc: make(map[string]int64, len(p.Inc))}
	for k, v := range p.Set {
		if k == s.key {
			return Patch{}, fmt.Errorf("%w: %q cannot be changed", ErrInvalidQuery, k)
		}
		nv, err := s.normalizeValue(k, v)
		if err != nil {
			return Patch{}, err
		}
		out.Set[k] = nv
	}
	for k, v := range p.Inc {
		kind, ok := s.kindOf(k)
		if !ok || kind != kindInt {
			return Patch{}, fmt.Errorf("%w: cannot increment %q in %s", ErrInvalidQuery, k, s.name)
		}
		if _, both := out.Set[k]; both {
			return Patch{}, fmt.Errorf("%w: %q both set and incremented", ErrInvalidQuery, k)
		}
		out.Inc[k] = v
	}
	return out, nil
}

func (s *collectionSchema) validateSort(sort []SortField) error {
	for _, f := range sort {
		if _, ok := s.kindOf(f.Field); !ok {
			return fmt.Errorf("%w: unknown sort field %q in %s", ErrInvalidQuery, f.Field, s.name)
		}
	}
	return nil
}

// compareValues orders two normalized values of the same kind. Absent values sort first.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case int64:
		bv, _ := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case bool:
		bv, _ := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Compare(bv)
	}
	return 0
}

// matches reports whether doc satisfies every equality in filter.
func matches(doc Document, filter Filter) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || compareValues(got, want) != 0 {
			return false
		}
	}
	return true
}
