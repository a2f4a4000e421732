package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"hangouts-relay/internal/auth"
	"hangouts-relay/internal/config"
	"hangouts-relay/internal/server"
	"hangouts-relay/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	var st store.HangoutStore
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout*3)
		mongoStore, err := store.NewMongo(ctx, store.MongoConfig{
			URI:       cfg.MongoURI,
			Database:  cfg.MongoDatabase,
			OpTimeout: cfg.StoreTimeout,
			DeviceTTL: cfg.DeviceTTL,
		})
		cancel()
		if err != nil {
			log.Fatal(err)
		}
		defer mongoStore.Close(context.Background())
		st = mongoStore
		log.Printf("using mongo store %s/%s", cfg.MongoURI, cfg.MongoDatabase)
	} else {
		st = store.NewMemoryWithOptions(store.Options{DeviceTTL: cfg.DeviceTTL})
		log.Printf("using in-memory store")
	}

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "hangouts-relay",
	}

	router := server.NewRouter(server.Deps{Store: st, TokenConfig: tokenCfg})
	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, router))
}
