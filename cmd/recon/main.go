package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/config"
	"github.com/chowline/recon/internal/idempotency"
	"github.com/chowline/recon/internal/migration"
	"github.com/chowline/recon/internal/monitor"
	"github.com/chowline/recon/internal/notification"
	"github.com/chowline/recon/internal/observability"
	"github.com/chowline/recon/internal/pipeline"
	"github.com/chowline/recon/internal/processor"
	"github.com/chowline/recon/internal/reconcile"
	"github.com/chowline/recon/internal/resolution"
	"github.com/chowline/recon/internal/retention"
	"github.com/chowline/recon/internal/server"
	"github.com/chowline/recon/internal/signature"
	"github.com/chowline/recon/pkg/db"
	"github.com/chowline/recon/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		observability.Module,
		migration.Module,

		// Reconciliation domains
		signature.Module,
		notification.Module,
		idempotency.Module,
		processor.Module,
		resolution.Module,
		reconcile.Module,
		pipeline.Module,
		monitor.Module,
		retention.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
