package vectordb

import (
	"context"
	"fmt"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	fieldUnitID       = "unit_id"
	fieldOwnerID      = "owner_id"
	fieldCollectionID = "collection_id"
	fieldContent      = "content"
	fieldVector       = "vector"

	maxContentBytes = 8192
)

// Schema 训练向量集合结构：每个 Unit 一条记录，unit_id 为主键
func Schema(collection string, dim int) *entity.Schema {
	return &entity.Schema{
		CollectionName: collection,
		Description:    "KnowForge training vectors",
		Fields: []*entity.Field{
			{
				Name:       fieldUnitID,
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     false,
			},
			{
				Name:       fieldVector,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{entity.TypeParamDim: fmt.Sprintf("%d", dim)},
			},
			{
				Name:       fieldOwnerID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     fieldCollectionID,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       fieldContent,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", maxContentBytes)},
			},
		},
	}
}

// EnsureCollection 集合不存在时建表建索引，最后加载到内存
func EnsureCollection(ctx context.Context, cli mclient.Client, collection string, dim int, metric entity.MetricType) error {
	has, err := cli.HasCollection(ctx, collection)
	if err != nil {
		return err
	}
	if !has {
		if err := cli.CreateCollection(ctx, Schema(collection, dim), entity.DefaultShardNumber); err != nil {
			return err
		}
		idx, err := entity.NewIndexAUTOINDEX(metric)
		if err != nil {
			return err
		}
		if err := cli.CreateIndex(ctx, collection, fieldVector, idx, false); err != nil {
			return err
		}
	}
	return cli.LoadCollection(ctx, collection, false)
}
