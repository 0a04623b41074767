package respond

import "time"

type CollectionRespond struct {
	CollectionID int64     `json:"collection_id"`
	Name         string    `json:"name"`
	OwnerID      string    `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type DeleteCollectionRespond struct {
	DeletedUnits int64 `json:"deleted_units"`
}

type RepairRespond struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
}
