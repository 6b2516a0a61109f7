package main

import (
	"log"
	"os"

	"github.com/seantiz/stevedore/internal/api"
	"github.com/seantiz/stevedore/internal/config"
	"github.com/seantiz/stevedore/internal/containers"
	"github.com/seantiz/stevedore/internal/deployment"
	"github.com/seantiz/stevedore/internal/machine"
	"github.com/seantiz/stevedore/internal/provisioner"
	"github.com/seantiz/stevedore/internal/store"
	"github.com/seantiz/stevedore/internal/task"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("stevedore: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"drive_loops", cfg.DriveLoops,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	engine, err := containers.NewDockerEngine(cfg.NetworkName, logger)
	if err != nil {
		log.Fatalf("failed to create container engine: %v", err)
	}
	defer engine.Close()

	deploys := deployment.NewManager(db, deployment.PassthroughBuilder{}, deployment.ExternalRunner{}, logger)
	deploys.Start()
	defer deploys.Close()

	env := machine.Env{
		Engine:      engine,
		Provisioner: provisioner.NewHTTPClient(cfg.ProvisionerAddr),
		Deployments: deploys,
	}
	tasks := task.NewOrchestrator(env, db, logger, task.Options{
		DriveLoops:    cfg.DriveLoops,
		QueueCapacity: cfg.QueueCapacity,
		StallTimeout:  cfg.StallTimeout,
	})
	defer tasks.Close()

	srv := api.NewServer(cfg.ListenAddr, db, tasks, deploys, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
