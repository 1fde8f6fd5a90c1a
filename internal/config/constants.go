package config

const (
	// Log Defaults
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
	DefaultLogFile       = ""
	DefaultMaxLogSizeMB  = 100
	DefaultMaxLogBackups = 3

	// Monitor Defaults
	DefaultDebounceWindowMillis = 300
	DefaultDigestChunkSize      = 4096
	DefaultEventBufferSize      = 1024

	// Ledger Defaults
	DefaultLedgerMode             = LedgerModeEthereum
	DefaultLedgerGasLimit         = 3000000
	DefaultLedgerCallTimeoutSecs  = 120
	DefaultLedgerMaxAttempts      = 5
	DefaultLedgerRetryBaseMillis  = 500
	DefaultLedgerRetryMaxMillis   = 10000
	DefaultLedgerHealthTimeoutSec = 5

	// Reconcile Defaults
	DefaultReconcileIntervalSecs  = 300
	DefaultStalenessThresholdSecs = 86400
	DefaultReconcileRehashOnSweep = true
	DefaultReconcileMaxConcurrent = 4

	// Storage Defaults
	DefaultStorageSQLitePath  = "database/anchorwatch.db"
	DefaultStorageLockFile    = "database/anchorwatch.lock"
	DefaultStorageArchivePath = "database/archive"

	// Notification Defaults
	DefaultSMTPPort        = 587
	DefaultSendTimeoutSecs = 30

	// API Defaults
	DefaultAPIListenAddr       = "127.0.0.1:5000"
	DefaultAPIReadTimeoutSecs  = 15
	DefaultAPIWriteTimeoutSecs = 30
	DefaultAPIAlertLimit       = 50

	// ConfigEnvVar names the environment variable holding the config file path.
	ConfigEnvVar = "ANCHORWATCH_CONFIG"
)

// Ledger modes.
const (
	LedgerModeEthereum = "ethereum"
	LedgerModeMemory   = "memory"
)
