// Package storetest opens migrated in-memory SQLite stores for tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"formpulse/internal/db"
	"formpulse/internal/store"
)

// DSN returns a private shared-cache in-memory database name.
func DSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
}

// Open returns a migrated store closed at test cleanup.
func Open(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	d, closeFn, err := db.OpenSQLite(DSN())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(closeFn)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx, d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(d, opts...)
}
