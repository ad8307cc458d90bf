package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm dialector. A URL wins over the discrete host settings so a hosted
// Postgres connection string can be used as-is.
func Dialect(cfg Config) (gorm.Dialector, error) {
	url := strings.TrimSpace(cfg.URL)
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "mysql":
		if url != "" {
			return mysql.Open(url), nil
		}
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Name,
		)), nil
	case "postgres", "postgresql", "":
		if url != "" {
			return postgres.Open(url), nil
		}
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
			cfg.SSLMode,
		)), nil
	case "sqlite":
		if url == "" {
			url = "storefront.db"
		}
		return sqlite.Open(url), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.Type)
	}
}
