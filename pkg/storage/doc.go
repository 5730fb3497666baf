/*
Package storage keeps the per-service state file of bgdeploy.

The file is a bbolt database at <state_dir>/<service>.lock.db. Opening it
read-write takes bbolt's exclusive file lock, and that lock is the run lock:
only one deployment of a service can hold it. A second run waits at most
lock.timeout and then fails with ErrLocked before it touches the runtime or
the router.

	┌──────────── <service>.lock.db ────────────┐
	│  lease    current → Lease (JSON)           │
	│  outcome  last    → OutcomeRecord (JSON)   │
	└────────────────────────────────────────────┘

The lease names the holder (run id, host, pid, tag) so a busy lock can be
traced to a process. Close deletes the lease before releasing the lock. The
outcome bucket only ever holds the most recent run; there is no history.

	store, err := storage.Open(cfg.LockPath(), cfg.Lock.Timeout)
	if errors.Is(err, storage.ErrLocked) {
		// another run is in progress
	}
	defer store.Close()

OpenReadOnly serves the status command. It takes a shared lock, so it also
reports ErrLocked while a run is active.
*/
package storage
