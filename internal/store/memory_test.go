package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/store"
)

type widget struct {
	store.Record
	Name string `json:"name"`
	Seq  int    `json:"seq"`
	Ref  *int64 `json:"ref"`
}

func seed(t *testing.T, repo *store.Memory[widget, *widget], company int64, name string, seq int) *widget {
	t.Helper()
	w := &widget{Name: name, Seq: seq}
	w.CompanyID = company
	require.NoError(t, repo.Create(context.Background(), w))
	return w
}

func TestMemoryCreateAssignsMeta(t *testing.T) {
	repo := store.NewMemory[widget]("widget")
	w := seed(t, repo, 1, "a", 1)
	require.NotZero(t, w.ID)
	require.True(t, w.Active)
	require.False(t, w.CreatedAt.IsZero())

	got, err := repo.Get(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, "a", got.Name)

	got.Name = "changed"
	again, err := repo.Get(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, "a", again.Name, "records are copies")
}

func TestMemoryQueryScopesAndFilters(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory[widget]("widget")
	seed(t, repo, 1, "b", 2)
	seed(t, repo, 1, "a", 1)
	seed(t, repo, 2, "a", 3)
	ref := int64(9)
	linked := seed(t, repo, 1, "c", 3)
	linked.Ref = &ref
	require.NoError(t, repo.Update(ctx, linked))

	found, err := repo.Find(ctx, store.Where().Company(1).Eq("name", "a"))
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = repo.Find(ctx, store.Where().Company(1).In("name", store.Strings([]string{"a", "b"})...))
	require.NoError(t, err)
	require.Len(t, found, 2)

	found, err = repo.Find(ctx, store.Where().Company(1).In("name"))
	require.NoError(t, err)
	require.Empty(t, found)

	found, err = repo.Find(ctx, store.Where().Company(1).IsNull("ref"))
	require.NoError(t, err)
	require.Len(t, found, 2)

	found, err = repo.Find(ctx, store.Where().Company(1).Ne("name", "a").OrderBy("seq", true, false))
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "c", found[0].Name)

	n, err := repo.Count(ctx, store.Where())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestMemoryArchiveVisibility(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory[widget]("widget")
	w := seed(t, repo, 1, "old", 1)
	seed(t, repo, 1, "new", 2)
	require.NoError(t, repo.Archive(ctx, w))

	active, err := repo.Find(ctx, store.Where().Company(1))
	require.NoError(t, err)
	require.Len(t, active, 1)

	archived, err := repo.Find(ctx, store.Where().Company(1).WithArchived(store.ArchivedOnly))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.Equal(t, "old", archived[0].Name)

	first, err := repo.First(ctx, store.Where().Company(1).WithArchived(store.IncludeArchived).OrderBy("active", true, false))
	require.NoError(t, err)
	require.Equal(t, "new", first.Name)

	ok, err := store.Exists[widget](ctx, repo, store.Where().Eq("name", "old"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryMissingRecords(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory[widget]("widget")

	_, err := repo.Get(ctx, 42)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = repo.First(ctx, store.Where())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, repo.Update(ctx, &widget{}), store.ErrNotFound)

	w := seed(t, repo, 1, "gone", 1)
	require.NoError(t, repo.Delete(ctx, w.ID))
	require.ErrorIs(t, repo.Delete(ctx, w.ID), store.ErrNotFound)
}

func TestNoTxRunsInline(t *testing.T) {
	called := false
	err := store.NoTx.WithTx(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}

type stamp struct {
	store.Record
	At time.Time `json:"at"`
}

func TestMemoryOrdersSubSecondTimes(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory[stamp]("stamp")
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	for _, ms := range []int{123, 120, 5} {
		s := &stamp{At: base.Add(time.Duration(ms) * time.Millisecond)}
		s.CompanyID = 1
		require.NoError(t, repo.Create(ctx, s))
	}

	found, err := repo.Find(ctx, store.Where().OrderBy("at", true, false))
	require.NoError(t, err)
	require.Len(t, found, 3)
	require.Equal(t, 123*time.Millisecond, found[0].At.Sub(base))
	require.Equal(t, 120*time.Millisecond, found[1].At.Sub(base))
	require.Equal(t, 5*time.Millisecond, found[2].At.Sub(base))
}
