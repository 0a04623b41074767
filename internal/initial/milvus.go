package initial

import (
	"context"
	"errors"
	"strings"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/infrastructure/vectordb"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	defaultMilvusDB         = "knowforge"
	defaultMilvusCollection = "knowforge_units"
)

// NewMilvusStore 连接 Milvus，确保数据库与向量集合存在
func NewMilvusStore(ctx context.Context, conf *config.Config) (*vectordb.MilvusStore, mclient.Client, error) {
	mc := conf.MilvusConfig
	addr := strings.TrimSpace(mc.Address)
	if addr == "" {
		return nil, nil, errors.New("milvus address is empty")
	}
	dbName := strings.TrimSpace(mc.DBName)
	if dbName == "" {
		dbName = defaultMilvusDB
	}
	collection := strings.TrimSpace(mc.CollectionName)
	if collection == "" {
		collection = defaultMilvusCollection
	}
	metric := entity.MetricType(strings.ToUpper(strings.TrimSpace(mc.MetricType)))
	if metric == "" {
		metric = entity.COSINE
	}

	if err := ensureDatabase(ctx, mc, dbName); err != nil {
		return nil, nil, err
	}
	cli, err := mclient.NewClient(ctx, mclient.Config{
		Address:  addr,
		Username: strings.TrimSpace(mc.Username),
		Password: strings.TrimSpace(mc.Password),
		DBName:   dbName,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := vectordb.EnsureCollection(ctx, cli, collection, mc.VectorDim, metric); err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	store, err := vectordb.NewMilvusStore(cli, collection, mc.VectorDim, metric)
	if err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	return store, cli, nil
}

func ensureDatabase(ctx context.Context, mc config.MilvusConfig, dbName string) error {
	defaultCli, err := mclient.NewClient(ctx, mclient.Config{
		Address:  strings.TrimSpace(mc.Address),
		Username: strings.TrimSpace(mc.Username),
		Password: strings.TrimSpace(mc.Password),
		DBName:   "default",
	})
	if err != nil {
		return err
	}
	defer defaultCli.Close()

	dbs, err := defaultCli.ListDatabases(ctx)
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if db.Name == dbName {
			return nil
		}
	}
	return defaultCli.CreateDatabase(ctx, dbName)
}
