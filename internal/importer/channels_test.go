package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/source"
)

type fakeValidator struct {
	meta map[string]*source.ChannelMetadata
}

func (f *fakeValidator) Validate(ctx context.Context, ref string) (*source.ChannelMetadata, error) {
	if m, ok := f.meta[ref]; ok {
		return m, nil
	}
	return nil, source.ErrNotFound
}

func (f *fakeValidator) FetchItems(ctx context.Context, ref string, minID int64, windowStart time.Time) ([]source.RawItem, error) {
	return nil, nil
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImportChannels(t *testing.T) {
	db := newTestDB(t)
	path := writeCSV(t, "ref,title\nnews1,Main News\nlocal2,\n")

	imp := NewImporter(db, nil)
	require.NoError(t, imp.ImportChannels(context.Background(), path))

	var channels []models.Channel
	require.NoError(t, db.Select(&channels, "SELECT * FROM channels ORDER BY id"))
	require.Len(t, channels, 2)
	require.Equal(t, "news1", channels[0].Ref)
	require.Equal(t, "Main News", channels[0].Title)
	require.Equal(t, models.HealthHealthy, channels[0].Health)
	require.Zero(t, channels[0].Cursor)
	require.Empty(t, channels[1].Title)
}

func TestImportSkipsDuplicatesAndEmptyRefs(t *testing.T) {
	db := newTestDB(t)
	path := writeCSV(t, "ref,title\nnews1,First\nnews1,Again\n,NoRef\n")

	imp := NewImporter(db, nil)
	require.NoError(t, imp.ImportChannels(context.Background(), path))

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM channels"))
	require.Equal(t, 1, count)

	var title string
	require.NoError(t, db.Get(&title, "SELECT title FROM channels WHERE ref = 'news1'"))
	require.Equal(t, "First", title)
}

func TestImportWithValidationSeedsMetadata(t *testing.T) {
	db := newTestDB(t)
	path := writeCSV(t, "ref,title\nnews1,CSV Title\nghost,Missing\n")

	src := &fakeValidator{meta: map[string]*source.ChannelMetadata{
		"news1": {Ref: "news1", Title: "Validated Title", SubscriberCount: 12345},
	}}
	imp := NewImporter(db, src)
	require.NoError(t, imp.ImportChannels(context.Background(), path))

	// Only the validated channel is registered; the unresolvable ref is
	// reported and skipped.
	var channels []models.Channel
	require.NoError(t, db.Select(&channels, "SELECT * FROM channels"))
	require.Len(t, channels, 1)
	require.Equal(t, "Validated Title", channels[0].Title)
	require.Equal(t, int64(12345), channels[0].SubscriberCount)
}

func TestImportRequiresRefColumn(t *testing.T) {
	db := newTestDB(t)
	path := writeCSV(t, "url,title\nx,y\n")

	imp := NewImporter(db, nil)
	require.Error(t, imp.ImportChannels(context.Background(), path))
}
