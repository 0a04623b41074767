package initial

import (
	"context"
	"path/filepath"
	"testing"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/application/dto/request"
	"KnowForge/internal/modules/dataset/domain/training"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalConfig(t *testing.T) *config.Config {
	conf := config.Default()
	conf.MysqlConfig.Driver = "sqlite"
	conf.MysqlConfig.SqlitePath = filepath.Join(t.TempDir(), "kf.db")
	conf.JwtConfig.Key = "test-key"
	conf.MilvusConfig.VectorDim = 16
	conf.AIConfig.Embedding.Provider = "mock"
	return conf
}

func TestAppSubmitAndDispatch(t *testing.T) {
	ctx := context.Background()
	app, err := NewApp(ctx, newLocalConfig(t))
	require.NoError(t, err)
	defer app.Close()

	p := training.Principal{OwnerID: "team-a"}
	col, err := app.CollectionService.Create(ctx, p, "docs")
	require.NoError(t, err)
	p.CollectionID = col.CollectionID

	res, err := app.IngestService.SubmitIngestion(ctx, p, request.SubmitIngestionRequest{
		CollectionID: col.CollectionID,
		Units:        []request.RawUnit{{Text: "hello"}, {Text: "world"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AcceptedCount)

	d, recorder, err := app.NewDispatcher(ctx)
	require.NoError(t, err)
	defer d.Close()
	defer recorder.Close()

	for i := 0; i < 20; i++ {
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
		d.Wait()
		st, err := app.StatusService.QueryTrainingStatus(ctx, col.CollectionID, 0)
		require.NoError(t, err)
		if st.Done == 2 {
			return
		}
	}
	t.Fatal("jobs did not finish")
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	conf := newLocalConfig(t)
	conf.TrainingConfig.OverlapRatio = 1.5
	_, err := NewApp(context.Background(), conf)
	assert.Error(t, err)
}
