package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence/file"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	return NewRegistry(store)
}

func TestRegistryInstallAndGet(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	ctx := t.Context()

	installation := models.NewWorkerInstallation("pdf-extractor", "1.2.0", 2, time.Minute)
	require.NoError(t, registry.Install(ctx, installation))

	got, err := registry.Get("pdf-extractor")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", got.DefaultVersion)

	_, err = registry.Get("missing")
	assert.ErrorIs(t, err, ErrNotInstalled)

	assert.Len(t, registry.List(), 1)
}

func TestRegistryInstallRejectsInvalid(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)

	installation := models.NewWorkerInstallation("pdf-extractor", "", 2, time.Minute)
	require.Error(t, registry.Install(t.Context(), installation))

	installation = models.NewWorkerInstallation("pdf-extractor", "1.0.0", 0, time.Minute)
	require.Error(t, registry.Install(t.Context(), installation))
}

func TestRegistrySlotAccounting(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	ctx := t.Context()

	require.NoError(t, registry.Install(ctx, models.NewWorkerInstallation("pdf-extractor", "1.0.0", 2, time.Minute)))

	require.NoError(t, registry.Acquire("pdf-extractor"))
	require.NoError(t, registry.Acquire("pdf-extractor"))
	assert.Equal(t, 2, registry.InFlight("pdf-extractor"))

	err := registry.Acquire("pdf-extractor")
	assert.ErrorIs(t, err, ErrNoFreeSlot)

	registry.Release("pdf-extractor")
	assert.Equal(t, 1, registry.InFlight("pdf-extractor"))
	require.NoError(t, registry.Acquire("pdf-extractor"))

	err = registry.Acquire("missing")
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestRegistryReleaseClampsAtZero(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	ctx := t.Context()

	require.NoError(t, registry.Install(ctx, models.NewWorkerInstallation("pdf-extractor", "1.0.0", 1, time.Minute)))

	registry.Release("pdf-extractor")
	assert.Equal(t, 0, registry.InFlight("pdf-extractor"))
}

func TestRegistryUninstallDrains(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	ctx := t.Context()

	require.NoError(t, registry.Install(ctx, models.NewWorkerInstallation("pdf-extractor", "1.0.0", 2, time.Minute)))
	require.NoError(t, registry.Acquire("pdf-extractor"))

	require.NoError(t, registry.Uninstall(ctx, "pdf-extractor"))

	// The occupied slot drains normally, but nothing new starts.
	assert.Equal(t, 1, registry.InFlight("pdf-extractor"))
	assert.ErrorIs(t, registry.Acquire("pdf-extractor"), ErrNotInstalled)

	registry.Release("pdf-extractor")
	assert.Equal(t, 0, registry.InFlight("pdf-extractor"))

	assert.ErrorIs(t, registry.Uninstall(ctx, "pdf-extractor"), ErrNotInstalled)
}

func TestRegistryUpdate(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	ctx := t.Context()

	require.NoError(t, registry.Install(ctx, models.NewWorkerInstallation("pdf-extractor", "1.0.0", 2, time.Minute)))

	options := models.WorkerOptions{
		MaxConcurrent:  4,
		Timeout:        2 * time.Minute,
		ProcessingMode: models.ProcessingModeSingle,
	}

	updated, err := registry.Update(ctx, "pdf-extractor", options, 8, "1.1.0")
	require.NoError(t, err)

	assert.Equal(t, 4, updated.Options.MaxConcurrent)
	assert.Equal(t, 8, updated.Priority)
	assert.Equal(t, "1.1.0", updated.DefaultVersion)

	_, err = registry.Update(ctx, "missing", options, 5, "1.0.0")
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestRegistryLoad(t *testing.T) {
	t.Parallel()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	ctx := t.Context()

	first := NewRegistry(store)
	require.NoError(t, first.Install(ctx, models.NewWorkerInstallation("pdf-extractor", "1.0.0", 2, time.Minute)))

	second := NewRegistry(store)
	require.NoError(t, second.Load(ctx))

	got, err := second.Get("pdf-extractor")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.DefaultVersion)
}
