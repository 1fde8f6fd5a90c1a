package config

// StorageConfig defines configuration for data storage
type StorageConfig struct {
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty" validate:"required"`
	LockFile    string `json:"lock_file,omitempty" yaml:"lock_file,omitempty" validate:"required"`
	ArchivePath string `json:"archive_path,omitempty" yaml:"archive_path,omitempty"`
}

// NewDefaultStorageConfig creates default storage configuration
func NewDefaultStorageConfig() StorageConfig {
	return StorageConfig{
		SQLitePath:  DefaultStorageSQLitePath,
		LockFile:    DefaultStorageLockFile,
		ArchivePath: DefaultStorageArchivePath,
	}
}
