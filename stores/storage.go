package stores

import (
	"chatroom-server/config"
	"chatroom-server/core"
	"chatroom-server/stores/aws"
	"chatroom-server/stores/filesystem"
	"chatroom-server/stores/memory"
	"chatroom-server/stores/postgres"
	"chatroom-server/stores/redis"
	"chatroom-server/stores/sqlite"
	"context"
	"errors"
	stdlog "log"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// splitStore serves messages from one backend and users plus memberships
// from another.
type splitStore struct {
	core.MessageStore
	core.UserStore
	core.MembershipStore
	closers []func() error
}

func (s *splitStore) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func GetStore(cfg config.Config) core.ChatStore {
	var store core.ChatStore

	storageField := logrus.Fields{
		"storageType": cfg.Storage.Type,
	}

	switch cfg.Storage.Type {
	case "sqlite":
		storageField["dataSourceName"] = cfg.Storage.DataSourceName
		store = sqlite.NewStore(cfg.Storage.DataSourceName)
	case "postgres":
		pg, err := postgres.Open(context.Background(), cfg.Storage.PostgresURL)
		if err != nil {
			stdlog.Fatal(err)
		}
		store = pg
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}

	if cfg.Membership.Type == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Membership.RedisAddr,
			Password: cfg.Membership.RedisPassword,
			DB:       cfg.Membership.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			stdlog.Fatalf("redis not available at %s: %v", cfg.Membership.RedisAddr, err)
		}
		memberships := redis.New(client, cfg.Membership.RedisPrefix)
		store = &splitStore{
			MessageStore:    store,
			UserStore:       memberships,
			MembershipStore: memberships,
			closers:         []func() error{store.Close, memberships.Close},
		}
		storageField["membershipStore"] = "redis"
		storageField["redisAddr"] = cfg.Membership.RedisAddr
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store
}

func GetFileStore(cfg config.FilesConfig) core.FileStore {
	fileField := logrus.Fields{
		"fileStore": cfg.Type,
	}

	var store core.FileStore
	switch cfg.Type {
	case "s3":
		fileField["bucket"] = cfg.S3Bucket
		store = aws.NewFileStore(cfg.S3Bucket, cfg.S3URL)
	default:
		fileField["fileStore"] = "filesystem"
		fileField["basePath"] = cfg.LocalPath
		store = filesystem.NewFileStore(cfg.LocalPath, cfg.MediaURL)
	}
	logrus.WithFields(fileField).Info("Use file storage")
	return store
}
