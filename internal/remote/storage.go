// Package remote stores the accumulated index on Yandex Disk, one date
// folder per day.
package remote

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DateLayout names the per-day folders.
const DateLayout = "2006-01-02"

// Storage is the remote home of the index document.
type Storage interface {
	// EnsureFolder creates folder unless it already exists.
	EnsureFolder(ctx context.Context, folder string) error
	// DownloadIndex returns the index bytes in folder, or nil when absent.
	DownloadIndex(ctx context.Context, folder string) ([]byte, error)
	// UploadIndex replaces the index in folder.
	UploadIndex(ctx context.Context, folder string, data []byte) error
}

// DayFolder returns "<base>/<YYYY-MM-DD>" for t.
func DayFolder(base string, t time.Time) string {
	return strings.TrimRight(base, "/") + "/" + t.Format(DateLayout)
}

// FolderLocks serializes read-modify-write cycles per remote folder.
type FolderLocks struct {
	mu    sync.Mutex
	locks map[string]*folderLock
}

type folderLock struct {
	mu   sync.Mutex
	refs int
}

// NewFolderLocks returns an empty lock table.
func NewFolderLocks() *FolderLocks {
	return &FolderLocks{locks: make(map[string]*folderLock)}
}

// Lock blocks until folder is free or ctx is done and returns the unlock
// function. Entries are dropped once no holder or waiter remains.
func (f *FolderLocks) Lock(ctx context.Context, folder string) (func(), error) {
	f.mu.Lock()
	l, ok := f.locks[folder]
	if !ok {
		l = &folderLock{}
		f.locks[folder] = l
	}
	l.refs++
	f.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { f.release(folder, l) }, nil
	case <-ctx.Done():
		// Hand the lock back once the pending acquisition completes.
		go func() {
			<-acquired
			f.release(folder, l)
		}()
		return nil, ctx.Err()
	}
}

func (f *FolderLocks) release(folder string, l *folderLock) {
	l.mu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(f.locks, folder)
	}
}

// Len reports how many folders are currently held or awaited.
func (f *FolderLocks) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locks)
}
