package database

import (
	"fmt"

	"opmsync/config"

	"github.com/valkey-io/valkey-go"
)

// Valkey database index organization
const (
	// GENERAL_CACHE_INDEX (DB 0) holds the run lock and the current run snapshot.
	GENERAL_CACHE_INDEX = iota

	// EVENTS_CACHE_INDEX (DB 1) carries progress pub/sub traffic.
	EVENTS_CACHE_INDEX
)

type CacheClient valkey.Client

type Cache struct {
	General CacheClient
	Events  CacheClient
}

func (s *DB) initializeCacheDB(config config.Config) error {
	log := s.log.Function("initializeCacheDB")
	log.Info("initializing cache database")

	address := fmt.Sprintf("%s:%d", config.DatabaseCacheAddress, config.DatabaseCachePort)

	var cacheDB Cache

	var err error
	cacheDB.General, err = valkey.NewClient(
		valkey.ClientOption{
			InitAddress: []string{address},
			SelectDB:    GENERAL_CACHE_INDEX,
		},
	)
	if err != nil {
		return log.Err("failed to create general valkey client", err, "address", address)
	}

	cacheDB.Events, err = valkey.NewClient(
		valkey.ClientOption{
			InitAddress: []string{address},
			SelectDB:    EVENTS_CACHE_INDEX,
		},
	)
	if err != nil {
		cacheDB.General.Close()
		return log.Err("failed to create events valkey client", err, "address", address)
	}

	s.Cache = cacheDB
	return nil
}
