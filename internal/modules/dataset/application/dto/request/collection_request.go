package request

type CreateCollectionRequest struct {
	Name string `json:"name" binding:"required"`
}

type DeleteCollectionRequest struct {
	CollectionID int64 `json:"collection_id" binding:"required"`
}

type RepairCollectionRequest struct {
	CollectionID int64 `json:"collection_id" binding:"required"`
}
