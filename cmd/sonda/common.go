package main

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/metalagman/sonda/internal/db"
)

func openDB() (*sql.DB, string, func(), error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, "", func() {}, err
	}
	sondaDir := filepath.Join(root, ".sonda")
	if err := os.MkdirAll(sondaDir, 0o755); err != nil {
		return nil, "", func() {}, err
	}
	dbPath := filepath.Join(sondaDir, "sonda.db")
	storeDB, err := db.Open(dbPath)
	if err != nil {
		return nil, "", func() {}, err
	}
	return storeDB, root, func() { _ = storeDB.Close() }, nil
}
