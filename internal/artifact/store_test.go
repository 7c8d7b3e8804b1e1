package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socascores/ingester/internal/models"
)

func meta(fetched time.Time) models.RawArtifact {
	return models.RawArtifact{
		LeagueID:   "E0",
		SeasonID:   "2021",
		SourceURL:  "https://example.test/E0.csv",
		FetchedAt:  fetched,
		RawColumns: models.StringArray{"Div", "Date", "HomeTeam"},
		RowCount:   1,
		Encoding:   "utf-8",
	}
}

func TestWriteAndReadManifest(t *testing.T) {
	store := NewStore(t.TempDir())
	body := []byte("Div,Date,HomeTeam\nE0,14/08/2021,Arsenal\n")

	written, err := store.Write(meta(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)), body)
	require.NoError(t, err)
	assert.NotEmpty(t, written.ID)
	assert.Equal(t, HashBytes(body), written.ContentHash)
	assert.Equal(t, int64(len(body)), written.SizeBytes)
	assert.Contains(t, written.StoragePath, "20240501T100000.000000000Z_"+written.ID)

	back, err := ReadManifest(written.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, written.ID, back.ID)
	assert.Equal(t, []string{"Div", "Date", "HomeTeam"}, []string(back.RawColumns))
	assert.True(t, written.FetchedAt.Equal(back.FetchedAt))

	data, err := ReadAll(back)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestWriteNeverOverwrites(t *testing.T) {
	store := NewStore(t.TempDir())
	m := meta(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	m.ID = "01HZZZZZZZZZZZZZZZZZZZZZZZ"

	first, err := store.Write(m, []byte("a\n"))
	require.NoError(t, err)

	_, err = store.Write(m, []byte("b\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrExist)

	data, err := ReadAll(first)
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(data))
}

func TestWriteLeavesNothingWhenManifestFails(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	m := meta(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	m.ID = "01HZZZZZZZZZZZZZZZZZZZZZZZ"

	dir := filepath.Join(root, "E0", "2021")
	dataPath := filepath.Join(dir, m.FetchedAt.Format(stampLayout)+"_"+m.ID+dataExt)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(manifestPath(dataPath), []byte("{}"), 0o644))

	_, err := store.Write(m, []byte("a\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrExist)

	_, err = os.Stat(dataPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestListAndLatest(t *testing.T) {
	store := NewStore(t.TempDir())
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	_, err := store.Write(meta(t2), []byte("second\n"))
	require.NoError(t, err)
	_, err = store.Write(meta(t1), []byte("first\n"))
	require.NoError(t, err)

	all, err := store.List("E0", "2021")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].FetchedAt.Equal(t1))

	latest, err := store.Latest("E0", "2021")
	require.NoError(t, err)
	assert.True(t, latest.FetchedAt.Equal(t2))

	_, err = store.Latest("E0", "1999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewIDOrdersByTime(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := NewID(t1)
	b := NewID(t1.Add(time.Millisecond))
	assert.Less(t, a, b)
}
