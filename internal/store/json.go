package store

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/trentd187/jms/internal/jmserr"
)

// JSONGet returns the raw JSON found at path inside the document at key. Paths use gjson
// syntax ("red.auto", "teams.0"). The boolean is false when the key or path is missing.
func (s *Store) JSONGet(ctx context.Context, key, path string) (json.RawMessage, bool, error) {
	doc, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, false, jmserr.Newf(jmserr.Malformed, "%s is not a JSON document", key)
	}
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, false, nil
	}
	return json.RawMessage(res.Raw), true, nil
}

// JSONSet replaces the value at path inside the document at key, creating the document
// when it does not exist yet. The read-modify-write is transactional.
func (s *Store) JSONSet(ctx context.Context, key, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return jmserr.Wrap(jmserr.Malformed, err, "encoding value for "+key+" "+path)
	}
	return s.Update(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			cur = []byte("{}")
		}
		if !gjson.ValidBytes(cur) {
			return nil, jmserr.Newf(jmserr.Malformed, "%s is not a JSON document", key)
		}
		next, err := sjson.SetRawBytes(cur, path, raw)
		if err != nil {
			return nil, jmserr.Wrap(jmserr.Malformed, err, "setting "+path+" in "+key)
		}
		return next, nil
	})
}

// JSONDel removes path from the document at key. A missing key is left alone.
func (s *Store) JSONDel(ctx context.Context, key, path string) error {
	return s.Update(ctx, key, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, nil
		}
		next, err := sjson.DeleteBytes(cur, path)
		if err != nil {
			return nil, jmserr.Wrap(jmserr.Malformed, err, "deleting "+path+" in "+key)
		}
		return next, nil
	})
}
