package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		// Embedded migrations are written for postgres. Other dialects
		// (sqlite in tests, mysql) get the schema via AutoMigrate.
		if conn.Dialector.Name() != "postgres" {
			return conn.AutoMigrate(models()...)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
