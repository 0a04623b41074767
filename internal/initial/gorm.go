package initial

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/infrastructure/persistence"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewGormDB 按 driver 打开元数据库并自动迁移
func NewGormDB(conf *config.Config) (*gorm.DB, error) {
	dialector, err := dialectorFor(conf)
	if err != nil {
		return nil, err
	}
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if n := conf.MysqlConfig.MaxOpenConns; n > 0 {
		sqlDB.SetMaxOpenConns(n)
	}
	if db.Dialector.Name() == "sqlite" {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	}
	// 自动迁移，如果没有建表，会自动创建对应的表
	if err := persistence.AutoMigrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func dialectorFor(conf *config.Config) (gorm.Dialector, error) {
	mc := conf.MysqlConfig
	switch strings.ToLower(mc.Driver) {
	case "sqlite":
		path := strings.TrimSpace(mc.SqlitePath)
		if path == "" {
			path = filepath.Join("data", conf.AppName+".db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return sqlite.Open(path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), nil
	case "", "mysql":
		dbName := mc.DatabaseName
		if dbName == "" {
			dbName = conf.AppName
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local", mc.User, mc.Password, mc.Host, mc.Port, dbName)
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", mc.Driver)
	}
}
