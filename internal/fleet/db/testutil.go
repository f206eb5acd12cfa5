package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// NewTestDB creates a new in-memory SQLite database for testing
func NewTestDB(t *testing.T) (*sql.DB, Store) {
	t.Helper()

	// Use in-memory database with shared cache mode
	// This ensures all connections see the same database
	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// Set connection pool to 1 for consistent testing
	db.SetMaxOpenConns(1)

	store := NewStoreFromDB(db)
	if err := store.(*SQLStore).SetupSchema(); err != nil {
		db.Close()
		t.Fatalf("failed to setup test database schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db, store
}

// SeedTestServer creates a test server in the database
func SeedTestServer(t *testing.T, store Store, params CreateServerParams) Server {
	t.Helper()

	if params.Name == "" {
		params.Name = "test-server"
	}
	if params.IP == "" {
		params.IP = "198.51.100.10"
	}
	if params.Login == "" {
		params.Login = "root"
	}
	if params.Password == "" {
		params.Password = "secret"
	}

	server, err := store.CreateServer(context.Background(), params)
	if err != nil {
		t.Fatalf("failed to seed test server: %v", err)
	}
	return server
}

// SeedTestConnection creates a test connection in the database
func SeedTestConnection(t *testing.T, store Store, serverID int64, localIP string) VPNConnection {
	t.Helper()

	conn, err := store.CreateConnection(context.Background(), CreateConnectionParams{
		ServerID:   serverID,
		LocalIP:    localIP,
		Config:     "[Interface]\nAddress = " + localIP + "/32\n",
		ClientName: "wg0-client-1",
	})
	if err != nil {
		t.Fatalf("failed to seed test connection: %v", err)
	}
	return conn
}

// SeedTestUser creates a test user in the database
func SeedTestUser(t *testing.T, store Store, chatID int64) User {
	t.Helper()

	user, err := store.GetOrCreateUserByChatID(context.Background(), chatID)
	if err != nil {
		t.Fatalf("failed to seed test user: %v", err)
	}
	return user
}

// SeedActiveConnection seeds a connection assigned to a user with a lease
func SeedActiveConnection(t *testing.T, store Store, serverID, userID int64, localIP string, availableTo time.Time) VPNConnection {
	t.Helper()

	conn := SeedTestConnection(t, store, serverID, localIP)
	if err := store.ReserveConnection(context.Background(), conn.ID, userID); err != nil {
		t.Fatalf("failed to reserve seeded connection: %v", err)
	}
	if err := store.ActivateConnection(context.Background(), conn.ID, userID, availableTo); err != nil {
		t.Fatalf("failed to activate seeded connection: %v", err)
	}

	conn, err := store.GetConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("failed to reload seeded connection: %v", err)
	}
	return conn
}
