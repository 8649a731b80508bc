// Package storetest contains a conformance suite for store.Store implementations.
package storetest

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/block/ctfplug/internal/store"
)

// Suite runs a comprehensive test suite against a store.Store implementation.
//
// newStore must return an empty store for every call.
func Suite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("PutAndGet", func(t *testing.T) {
		testPutAndGet(t, newStore(t))
	})

	t.Run("NotFound", func(t *testing.T) {
		testNotFound(t, newStore(t))
	})

	t.Run("Overwrite", func(t *testing.T) {
		testOverwrite(t, newStore(t))
	})

	t.Run("Delete", func(t *testing.T) {
		testDelete(t, newStore(t))
	})

	t.Run("ListOrdered", func(t *testing.T) {
		testListOrdered(t, newStore(t))
	})

	t.Run("StructuredValues", func(t *testing.T) {
		testStructuredValues(t, newStore(t))
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		testRejectsInvalid(t, newStore(t))
	})

	t.Run("KeyEscaping", func(t *testing.T) {
		testKeyEscaping(t, newStore(t))
	})
}

func testPutAndGet(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := t.Context()

	before := time.Now().Add(-time.Minute)
	assert.NoError(t, s.Put(ctx, "flag_provider", json.RawMessage(`"plaintext"`)))

	record, err := s.Get(ctx, "flag_provider")
	assert.NoError(t, err)
	assert.Equal(t, "flag_provider", record.Key)
	assertJSONEqual(t, `"plaintext"`, record.Value)
	assert.True(t, record.UpdatedAt.After(before), "updated_at should be set")
}

func testNotFound(t *testing.T, s store.Store) {
	defer s.Close()
	_, err := s.Get(t.Context(), "missing")
	assert.IsError(t, err, os.ErrNotExist)

	records, err := s.List(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, 0, len(records))
}

func testOverwrite(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := t.Context()

	assert.NoError(t, s.Put(ctx, "points_provider", json.RawMessage(`"basic"`)))
	assert.NoError(t, s.Put(ctx, "points_provider", json.RawMessage(`"decay"`)))

	record, err := s.Get(ctx, "points_provider")
	assert.NoError(t, err)
	assertJSONEqual(t, `"decay"`, record.Value)

	records, err := s.List(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(records))
}

func testDelete(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := t.Context()

	assert.NoError(t, s.Put(ctx, "achievement_provider", json.RawMessage(`"solve_count"`)))
	assert.NoError(t, s.Delete(ctx, "achievement_provider"))

	_, err := s.Get(ctx, "achievement_provider")
	assert.IsError(t, err, os.ErrNotExist)

	err = s.Delete(ctx, "achievement_provider")
	assert.IsError(t, err, os.ErrNotExist)
}

func testListOrdered(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := t.Context()

	for _, key := range []string{"points_provider", "achievement_provider", "flag_provider"} {
		assert.NoError(t, s.Put(ctx, key, json.RawMessage(`"x"`)))
	}

	records, err := s.List(ctx)
	assert.NoError(t, err)
	keys := make([]string, 0, len(records))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	assert.Equal(t, []string{"achievement_provider", "flag_provider", "points_provider"}, keys)
}

func testStructuredValues(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := t.Context()

	value := `{"enabled": true, "limits": [1, 2, 3], "name": "ractf", "ratio": 0.5}`
	assert.NoError(t, s.Put(ctx, "competition", json.RawMessage(value)))

	record, err := s.Get(ctx, "competition")
	assert.NoError(t, err)
	assertJSONEqual(t, value, record.Value)
}

func testRejectsInvalid(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := t.Context()

	assert.Error(t, s.Put(ctx, "broken", json.RawMessage(`{not json`)))
	assert.Error(t, s.Put(ctx, "", json.RawMessage(`1`)))

	_, err := s.Get(ctx, "broken")
	assert.IsError(t, err, os.ErrNotExist)
}

func testKeyEscaping(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := t.Context()

	key := "challenge/web 1:flag"
	assert.NoError(t, s.Put(ctx, key, json.RawMessage(`42`)))

	record, err := s.Get(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, key, record.Key)

	records, err := s.List(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(records))
	assert.Equal(t, key, records[0].Key)
}

func assertJSONEqual(t *testing.T, expected string, actual json.RawMessage) {
	t.Helper()
	var e, a any
	assert.NoError(t, json.Unmarshal([]byte(expected), &e))
	assert.NoError(t, json.Unmarshal(actual, &a))
	assert.Equal(t, e, a)
}

