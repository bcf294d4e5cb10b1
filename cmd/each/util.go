package main

import "path/filepath"

// defaultHistoryDB matches run.go's default: the history database lives
// alongside a run's destination directory unless overridden.
func defaultHistoryDB(destination string) string {
	return filepath.Join(destination, ".each-history.db")
}
