package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"cloud.google.com/go/firestore"

	"github.com/teamhub/docsync/codec"
	"github.com/teamhub/docsync/config"
	"github.com/teamhub/docsync/server"
	"github.com/teamhub/docsync/store"
	docsync "github.com/teamhub/docsync/sync"
)

func main() {
	cfg, cfgPath, err := config.ParseFlags()
	if err != nil {
		log.Fatal(err)
	}

	st, cleanup, err := openStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	policy := docsync.NewPolicy(cfg.Snapshot.Interval, cfg.Snapshot.Prune)
	srv := docsync.NewServer(st, codec.TextCodec{}, policy)

	hub := server.NewHub(srv)
	srv.SetBroadcaster(hub)
	go hub.Run()

	if cfgPath != "" {
		stop, err := config.Watch(cfgPath, func(next *config.Config) {
			policy.SetInterval(next.Snapshot.Interval)
		})
		if err != nil {
			log.Printf("config watch disabled: %v", err)
		} else {
			defer stop()
		}
	}

	handler := server.NewHandler(srv, hub)
	log.Printf("Starting server on %s (store=%s)", cfg.Addr, cfg.Store.Backend)
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatal(err)
	}
}

func openStore(cfg *config.Config) (store.DocumentStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil, nil
	case config.BackendSQLite:
		s, err := store.OpenSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.BackendFirestore:
		client, err := firestore.NewClient(context.Background(), cfg.Store.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		return store.NewFirestoreStore(client), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
