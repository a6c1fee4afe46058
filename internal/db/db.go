package db

import (
	"fmt"
	"log"

	"xr-compress-lab/internal/config"
	"xr-compress-lab/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MySQLDSN 由配置拼出 DSN
func MySQLDSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.DBName,
		cfg.Charset,
	)
}

// InitMySQL 连接 MySQL 并迁移结果表
func InitMySQL(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(mysql.Open(MySQLDSN(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 自动迁移
	if err := gdb.AutoMigrate(
		&model.ExperimentRun{},
		&model.TaskRecord{},
		&model.ParticipantMetric{},
	); err != nil {
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}

	log.Println("数据库初始化成功")
	return gdb, nil
}
