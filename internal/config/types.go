package config

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Poller  PollerConfig   `json:"poller"`
	Queue   *QueueConfig   `json:"queue,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer. Nil means the in-memory
// store, which loses all schedules on restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recurd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PollerConfig controls the schedule polling loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "1s"
//   - sync_every: 5 (store re-reads, in poll ticks)
type PollerConfig struct {
	Enabled bool `json:"enabled"`

	// Interval is the sleep between due-check sweeps.
	Interval string `json:"interval,omitempty"`

	// SyncEvery is how many sweeps pass between full store reloads.
	SyncEvery int `json:"sync_every,omitempty"`
}

// QueueConfig controls the dispatch worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
type QueueConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}
