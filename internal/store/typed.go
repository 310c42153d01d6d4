package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trentd187/jms/internal/jmserr"
)

func encode[T any](key string, v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, jmserr.Wrap(jmserr.Malformed, err, "encoding "+key)
	}
	return b, nil
}

func decode[T any](key string, raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, jmserr.Wrap(jmserr.Malformed, err, "decoding "+key)
	}
	return v, nil
}

// Singleton is a single JSON document at a fixed key with a default value.
type Singleton[T any] struct {
	st  *Store
	key string
	def func() T
}

// NewSingleton binds a singleton document. def builds the value materialised on first read.
func NewSingleton[T any](st *Store, key string, def func() T) Singleton[T] {
	if def == nil {
		def = func() T { var zero T; return zero }
	}
	return Singleton[T]{st: st, key: key, def: def}
}

// Key returns the store key of the document.
func (s Singleton[T]) Key() string { return s.key }

// Get returns the document, inserting the default first if it is missing. Concurrent
// first reads agree on one value because the insert is a set-if-absent.
func (s Singleton[T]) Get(ctx context.Context) (T, error) {
	raw, ok, err := s.st.Get(ctx, s.key)
	if err != nil {
		var zero T
		return zero, err
	}
	if ok {
		return decode[T](s.key, raw)
	}

	def := s.def()
	b, err := encode(s.key, def)
	if err != nil {
		return def, err
	}
	inserted, err := s.st.SetNX(ctx, s.key, b, 0)
	if err != nil || inserted {
		return def, err
	}
	// Someone else materialised it first; read their value.
	raw, ok, err = s.st.Get(ctx, s.key)
	if err != nil || !ok {
		return def, err
	}
	return decode[T](s.key, raw)
}

// Peek returns the document without materialising the default.
func (s Singleton[T]) Peek(ctx context.Context) (T, bool, error) {
	var zero T
	raw, ok, err := s.st.Get(ctx, s.key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := decode[T](s.key, raw)
	return v, err == nil, err
}

// Set overwrites the document.
func (s Singleton[T]) Set(ctx context.Context, v T) error {
	b, err := encode(s.key, v)
	if err != nil {
		return err
	}
	return s.st.Set(ctx, s.key, b)
}

// Delete removes the document; the next Get materialises the default again.
func (s Singleton[T]) Delete(ctx context.Context) error { return s.st.Del(ctx, s.key) }

// Exists reports whether the document is present.
func (s Singleton[T]) Exists(ctx context.Context) (bool, error) { return s.st.Exists(ctx, s.key) }

// Update applies fn to the current value (or the default) atomically and returns the
// stored result.
func (s Singleton[T]) Update(ctx context.Context, fn func(*T) error) (T, error) {
	var out T
	err := s.st.Update(ctx, s.key, func(cur []byte, exists bool) ([]byte, error) {
		v := s.def()
		if exists {
			var err error
			if v, err = decode[T](s.key, cur); err != nil {
				return nil, err
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		out = v
		return encode(s.key, v)
	})
	return out, err
}

// Table maps typed ids to JSON documents stored at "<prefix>:<id>".
type Table[K comparable, V any] struct {
	st     *Store
	prefix string
}

// NewTable binds a table under prefix (without the trailing colon).
func NewTable[K comparable, V any](st *Store, prefix string) Table[K, V] {
	return Table[K, V]{st: st, prefix: strings.TrimSuffix(prefix, ":")}
}

// Prefix returns the key prefix including the trailing colon.
func (t Table[K, V]) Prefix() string { return t.prefix + ":" }

// Key returns the store key for id.
func (t Table[K, V]) Key(id K) string { return fmt.Sprintf("%s:%v", t.prefix, id) }

// IDString strips the table prefix from a store key.
func (t Table[K, V]) IDString(key string) string { return strings.TrimPrefix(key, t.Prefix()) }

// Get loads one row. The boolean is false when the row is absent.
func (t Table[K, V]) Get(ctx context.Context, id K) (V, bool, error) {
	var zero V
	key := t.Key(id)
	raw, ok, err := t.st.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := decode[V](key, raw)
	return v, err == nil, err
}

// Insert writes a row, replacing any existing one.
func (t Table[K, V]) Insert(ctx context.Context, id K, v V) error {
	key := t.Key(id)
	b, err := encode(key, v)
	if err != nil {
		return err
	}
	return t.st.Set(ctx, key, b)
}

// InsertIfAbsent writes a row only if none exists and reports whether it did.
func (t Table[K, V]) InsertIfAbsent(ctx context.Context, id K, v V) (bool, error) {
	key := t.Key(id)
	b, err := encode(key, v)
	if err != nil {
		return false, err
	}
	return t.st.SetNX(ctx, key, b, 0)
}

// Delete removes a row.
func (t Table[K, V]) Delete(ctx context.Context, id K) error { return t.st.Del(ctx, t.Key(id)) }

// Update applies fn atomically. fn sees exists=false and a zero value for a missing row;
// returning an error aborts without writing.
func (t Table[K, V]) Update(ctx context.Context, id K, fn func(v *V, exists bool) error) (V, error) {
	key := t.Key(id)
	var out V
	err := t.st.Update(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
		var v V
		if exists {
			var err error
			if v, err = decode[V](key, cur); err != nil {
				return nil, err
			}
		}
		if err := fn(&v, exists); err != nil {
			return nil, err
		}
		out = v
		return encode(key, v)
	})
	return out, err
}

// Keys lists the store keys of every row.
func (t Table[K, V]) Keys(ctx context.Context) ([]string, error) {
	return t.st.Keys(ctx, t.Prefix())
}

// All loads every row in key order. Rows deleted between the scan and the read are skipped.
func (t Table[K, V]) All(ctx context.Context) ([]V, error) {
	keys, err := t.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]V, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := t.st.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		v, err := decode[V](key, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DeleteAll removes every row of the table.
func (t Table[K, V]) DeleteAll(ctx context.Context) error {
	keys, err := t.Keys(ctx)
	if err != nil {
		return err
	}
	return t.st.Del(ctx, keys...)
}

// Watch streams coalesced changes to rows of the table.
func (t Table[K, V]) Watch(ctx context.Context) (<-chan Change, error) {
	return t.st.Watch(ctx, t.Prefix())
}
