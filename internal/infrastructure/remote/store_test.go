package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
)

func TestSanitize_AbsentValuesBecomeNull(t *testing.T) {
	app := application.Application{
		ID:          "a1",
		StudentName: "Siti",
		CompanyName: "Acme",
		Status:      application.StatusPending,
		CreatedAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	doc, err := Sanitize(app)
	require.NoError(t, err)

	v, ok := doc["supervisor"]
	assert.True(t, ok)
	assert.Nil(t, v)

	v, ok = doc["student_email"]
	assert.True(t, ok)
	assert.Nil(t, v)

	assert.Equal(t, "Siti", doc["student_name"])
	assert.Equal(t, "2025-01-02T03:04:05Z", doc["created_at"])
}

func TestSanitize_NestedStructFilled(t *testing.T) {
	app := application.Application{
		ID:          "a1",
		ReplyLetter: &application.ReplyLetter{FileName: "reply.pdf", Data: "AAAA"},
	}

	doc, err := Sanitize(&app)
	require.NoError(t, err)

	letter, ok := doc["reply_letter"].(map[string]any)
	require.True(t, ok)
	v, present := letter["verified_by"]
	assert.True(t, present)
	assert.Nil(t, v)
	assert.Equal(t, false, letter["is_verified"])
}

func TestSanitize_StructsInSlicesFilled(t *testing.T) {
	cfg := adconfig.Config{Items: []adconfig.Item{{ImageURL: "a.png"}, {ImageURL: "b.png", LinkURL: "https://b.example"}}}

	doc, err := Sanitize(cfg)
	require.NoError(t, err)

	items, ok := doc["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)

	first := items[0].(map[string]any)
	link, present := first["link_url"]
	assert.True(t, present)
	assert.Nil(t, link)
	assert.Equal(t, "https://b.example", items[1].(map[string]any)["link_url"])

	type nested struct {
		ByName map[string]adconfig.Item `json:"by_name"`
	}
	doc, err = Sanitize(nested{ByName: map[string]adconfig.Item{"x": {ImageURL: "x.png"}}})
	require.NoError(t, err)
	_, present = doc["by_name"].(map[string]any)["x"].(map[string]any)["link_url"]
	assert.True(t, present)
}

func TestMemoryStore_StoresExplicitNullsInSlices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	doc, err := Sanitize(adconfig.Config{Items: []adconfig.Item{{ID: "i1", ImageURL: "a.png"}}})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, shared.CollectionAdConfig, adconfig.DocumentID, doc, Replace))

	stored := s.Docs(shared.CollectionAdConfig)
	require.Len(t, stored, 1)
	item := stored[0]["items"].([]any)[0].(map[string]any)
	_, present := item["link_url"]
	assert.True(t, present)
}

func TestSanitize_IsDeepCopy(t *testing.T) {
	type rec struct {
		Tags map[string]any `json:"tags"`
	}
	src := rec{Tags: map[string]any{"k": "v"}}

	doc, err := Sanitize(src)
	require.NoError(t, err)

	doc["tags"].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", src.Tags["k"])
}

func TestSanitize_RejectsNonObject(t *testing.T) {
	_, err := Sanitize([]int{1, 2})
	assert.Error(t, err)
}

func TestBatches(t *testing.T) {
	writes := make([]Write, 450)
	for i := range writes {
		writes[i] = Write{Collection: shared.CollectionCompanies, ID: fmt.Sprint(i)}
	}

	batches := Batches(writes, 200)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 200)
	assert.Len(t, batches[1], 200)
	assert.Len(t, batches[2], 50)
	assert.Equal(t, "449", batches[2][49].ID)

	assert.Len(t, Batches(writes, 0), 1)
	assert.Len(t, Batches(writes, 10_000), 1)
	assert.Empty(t, Batches(nil, 200))
}

func TestDecode_SkipsBadDocuments(t *testing.T) {
	docs := []json.RawMessage{
		json.RawMessage(`{"id":"1","name":"A","is_approved":"yes"}`),
		json.RawMessage(`{"id":2}`),
		json.RawMessage(`{"id":"3","name":"C"}`),
	}

	got, err := Decode[company.Company](docs)
	assert.Error(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsApproved.Bool())
	assert.Equal(t, "3", got[1].ID)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrUnavailable)))
	assert.False(t, IsTransient(ErrPermissionDenied))
	assert.False(t, IsTransient(errors.New("other")))
	assert.True(t, shared.IsAuthorization(ErrPermissionDenied))
}

// ══════════════════════════════════════════════════════════════════════════════
// MEMORY STORE
// ══════════════════════════════════════════════════════════════════════════════

func TestMemoryStore_WatchDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, shared.CollectionCompanies, "c1", Document{"name": "A"}, Replace))

	var snapshots [][]json.RawMessage
	sub, err := s.Watch(ctx, shared.CollectionCompanies, func(docs []json.RawMessage) {
		snapshots = append(snapshots, docs)
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, shared.CollectionCompanies, "c2", Document{"name": "B"}, Replace))
	require.NoError(t, s.Delete(ctx, shared.CollectionCompanies, "c1"))

	require.Len(t, snapshots, 3)
	assert.Len(t, snapshots[0], 1)
	assert.Len(t, snapshots[1], 2)
	assert.Len(t, snapshots[2], 1)
	assert.JSONEq(t, `{"id":"c2","name":"B"}`, string(snapshots[2][0]))

	sub.Cancel()
	sub.Cancel()
	require.NoError(t, s.Set(ctx, shared.CollectionCompanies, "c3", Document{"name": "C"}, Replace))
	assert.Len(t, snapshots, 3)
}

func TestMemoryStore_MergeKeepsOtherFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, shared.CollectionUsers, "u1", Document{"name": "A", "phone": "1"}, Replace))
	require.NoError(t, s.Set(ctx, shared.CollectionUsers, "u1", Document{"name": "B"}, Merge))

	docs := s.Docs(shared.CollectionUsers)
	require.Len(t, docs, 1)
	assert.Equal(t, "B", docs[0]["name"])
	assert.Equal(t, "1", docs[0]["phone"])

	require.NoError(t, s.Set(ctx, shared.CollectionUsers, "u1", Document{"name": "C"}, Replace))
	docs = s.Docs(shared.CollectionUsers)
	_, hasPhone := docs[0]["phone"]
	assert.False(t, hasPhone)
}

func TestMemoryStore_CommitIsOneSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	deliveries := 0
	_, err := s.Watch(ctx, shared.CollectionCompanies, func([]json.RawMessage) { deliveries++ }, nil)
	require.NoError(t, err)
	deliveries = 0

	writes := []Write{
		{Collection: shared.CollectionCompanies, ID: "1", Doc: Document{"name": "A"}},
		{Collection: shared.CollectionCompanies, ID: "2", Doc: Document{"name": "B"}},
	}
	require.NoError(t, s.Commit(ctx, writes))

	assert.Equal(t, 1, deliveries)
	assert.Equal(t, 1, s.Commits())
	assert.Len(t, s.Docs(shared.CollectionCompanies), 2)
}

func TestMemoryStore_CommitTooLarge(t *testing.T) {
	s := NewMemoryStore()
	err := s.Commit(context.Background(), make([]Write, MaxBatchWrites+1))
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestMemoryStore_FailNextAndBreak(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.FailNext(OpMerge, ErrPermissionDenied)
	err := s.Set(ctx, shared.CollectionUsers, "u1", Document{}, Merge)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NoError(t, s.Set(ctx, shared.CollectionUsers, "u1", Document{}, Merge))

	var gotErr error
	_, err = s.Watch(ctx, shared.CollectionUsers, func([]json.RawMessage) {}, func(err error) { gotErr = err })
	require.NoError(t, err)

	s.Break(shared.CollectionUsers, ErrUnavailable)
	assert.ErrorIs(t, gotErr, ErrUnavailable)
}
