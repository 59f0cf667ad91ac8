package main

import (
	"context"
	"e2e_group/internal/config"
	"e2e_group/internal/cryptographic/signature"
	envelopeRepo "e2e_group/internal/repository/envelope"
	keyPackageRepo "e2e_group/internal/repository/keypackage"
	redisSvc "e2e_group/internal/service/redis"
	"e2e_group/internal/service/replication"
	"e2e_group/internal/service/server"
	"e2e_group/internal/utils/log"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML config (default $"+config.EnvVar+")")
		listen     = flag.String("listen", "", "listen address, overrides node.listen")
		nodeID     = flag.Uint32("node-id", 0, "originator id, overrides node.node_id")
		memory     = flag.Bool("memory", false, "keep envelopes and counters in memory instead of MongoDB and Redis")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Node.Listen = *listen
	}
	if *nodeID != 0 {
		cfg.Node.NodeID = *nodeID
	}
	if err := log.Setup(cfg.Log.Level, cfg.Log.JSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *memory); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("node stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, memory bool) error {
	key, err := nodeKey(cfg.Node.SigningKey)
	if err != nil {
		return err
	}
	opts := server.Options{
		NodeID:       cfg.Node.NodeID,
		Key:          key,
		MaxClockSkew: cfg.Node.MaxClockSkew,
	}

	if memory {
		opts.Envelopes = envelopeRepo.NewMemoryRepo()
		opts.KeyPackages = keyPackageRepo.NewMemoryRepo()
		opts.Coordinator = server.NewMemoryCoordinator()
	} else {
		mongoDBClient, err := initMongo(ctx, cfg.Node.MongoURI)
		if err != nil {
			return err
		}
		defer mongoDBClient.Disconnect(context.Background())
		db := mongoDBClient.Database(cfg.Node.MongoDatabase)

		envelopes := envelopeRepo.NewEnvelopeRepo(db)
		if err := envelopes.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("envelope indexes: %w", err)
		}
		keyPackages := keyPackageRepo.NewKeyPackageRepo(db)
		if err := keyPackages.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("key package indexes: %w", err)
		}

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Node.RedisAddr,
			Password: cfg.Node.RedisPassword,
		})
		defer rdb.Close()
		coordinator := redisSvc.NewRedis(rdb)
		if err := coordinator.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.Node.RedisAddr, err)
		}

		opts.Envelopes = envelopes
		opts.KeyPackages = keyPackages
		opts.Coordinator = coordinator
	}

	if cfg.Node.NATSURL != "" && !memory {
		replicator, err := replication.Connect(cfg.Node.NATSURL, cfg.Node.NodeID)
		if err != nil {
			return err
		}
		opts.Replicator = replicator
	}

	srv, err := server.NewHttpServer(opts)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	return srv.Run(ctx, cfg.Node.Listen)
}

func nodeKey(hexKey string) (*signature.NodeKey, error) {
	if hexKey != "" {
		return signature.ParseNodeKey(hexKey)
	}
	key, err := signature.NewNodeKey()
	if err != nil {
		return nil, err
	}
	log.Warn("no node.signing_key configured, using an ephemeral key",
		zap.String("public_key", key.PublicKeyHex()))
	return key, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
