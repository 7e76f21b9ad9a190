package realtime

import "errors"

// ErrBacklogFull is returned by Publish when the delivery backlog is at
// capacity and the event was dropped.
var ErrBacklogFull = errors.New("realtime: event backlog full")

// ErrWatcherClosed is returned by a Watcher's Deliver after Close.
var ErrWatcherClosed = errors.New("realtime: watcher closed")
