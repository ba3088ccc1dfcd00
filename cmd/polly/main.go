package main

import (
	"github.com/AaronL1011/polly-ai/internal/clock"
	"github.com/AaronL1011/polly-ai/internal/config"
	"github.com/AaronL1011/polly-ai/internal/logger"
	"github.com/AaronL1011/polly-ai/internal/migration"
	obsmetrics "github.com/AaronL1011/polly-ai/internal/observability/metrics"
	"github.com/AaronL1011/polly-ai/internal/scheduler"
	"github.com/AaronL1011/polly-ai/internal/server"
	"github.com/AaronL1011/polly-ai/internal/session"
	"github.com/AaronL1011/polly-ai/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		obsmetrics.Module,

		// Billing domain
		migration.Module,
		session.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
