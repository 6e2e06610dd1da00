package store

import (
	"planloom.app/agent/core/db"
)

// Store bundles the typed data-access contracts over one database handle.
type Store struct {
	Threads  ThreadStore
	Messages MessageStore
	Runs     RunStore
	Tasks    TaskStore
	Files    FileStore
}

func New(database *db.DB) *Store {
	pool := database.Pool()
	return &Store{
		Threads:  &threadStore{pool: pool},
		Messages: &messageStore{pool: pool},
		Runs:     &runStore{pool: pool},
		Tasks:    &taskStore{pool: pool},
		Files:    &fileStore{pool: pool},
	}
}
