package main

import (
	"github.com/QwertyMD/chat-app/internal/config"
	"github.com/QwertyMD/chat-app/internal/db"
	clog "github.com/QwertyMD/chat-app/internal/log"
	"github.com/QwertyMD/chat-app/internal/registry"
	"github.com/QwertyMD/chat-app/internal/server"
	"github.com/QwertyMD/chat-app/internal/storage"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	store, err := storage.NewStore(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("storage init")
	}

	reg := registry.New()
	r := server.SetupRouter(cfg, gdb, reg, store)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
