package training

// AuthRequest 鉴权输入；CollectionID 为 0 表示只解析归属方（如创建集合）
type AuthRequest struct {
	Token        string
	CollectionID int64
}

// Principal 鉴权通过后的调用方
type Principal struct {
	OwnerID      string
	MemberID     string
	CollectionID int64
}
