package config

import "time"

// Config represents the complete depositd configuration.
type Config struct {
	// Include lists further YAML files merged into this one, typically the
	// storage inventory kept apart from service settings.
	Include   []string        `yaml:"include,omitempty"`
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	API       APIConfig       `yaml:"api"`
	Downloads DownloadsConfig `yaml:"downloads"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Storage   StorageConfig   `yaml:"storage"`
	Inventory Inventory       `yaml:"inventory"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where the SQLite database and scratch space live.
type StateConfig struct {
	Path       string `yaml:"path"`
	ScratchDir string `yaml:"scratch_dir"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen         string `yaml:"listen"`
	BaseURL        string `yaml:"base_url,omitempty"`
	ServiceTitle   string `yaml:"service_title"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MaxMETSBytes   int64  `yaml:"max_mets_bytes"`
}

// DownloadsConfig bounds background batch downloads.
type DownloadsConfig struct {
	MaxBatches     int           `yaml:"max_batches"`
	URLConcurrency int           `yaml:"url_concurrency"`
	Attempts       int           `yaml:"attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	Timeout        time.Duration `yaml:"timeout"`
}

// ApprovalConfig tunes the hand-off to processing pipelines.
type ApprovalConfig struct {
	WatchDelay time.Duration `yaml:"watch_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	Scheme     string        `yaml:"scheme"`
}

// StorageConfig selects how files are copied and how often spaces are verified.
type StorageConfig struct {
	SyncMode       string        `yaml:"sync_mode"` // native or rsync
	RsyncPath      string        `yaml:"rsync_path,omitempty"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
	VerifyCacheTTL time.Duration `yaml:"verify_cache_ttl"`
}

// Inventory is the storage topology seeded into the database at start.
type Inventory struct {
	Spaces       []SpaceConf       `yaml:"spaces"`
	Locations    []LocationConf    `yaml:"locations"`
	Pipelines    []PipelineConf    `yaml:"pipelines"`
	SwordServers []SwordServerConf `yaml:"sword_servers"`
}

type SpaceConf struct {
	UUID     string   `yaml:"uuid"`
	Protocol string   `yaml:"protocol"` // FS or NFS
	Path     string   `yaml:"path"`
	Size     *int64   `yaml:"size,omitempty"`
	NFS      *NFSConf `yaml:"nfs,omitempty"`
}

type NFSConf struct {
	RemoteName      string `yaml:"remote_name"`
	RemotePath      string `yaml:"remote_path"`
	Version         string `yaml:"version"`
	ManuallyMounted bool   `yaml:"manually_mounted"`
}

type LocationConf struct {
	UUID         string   `yaml:"uuid"`
	Space        string   `yaml:"space"`
	Purpose      string   `yaml:"purpose"`
	RelativePath string   `yaml:"relative_path"`
	Description  string   `yaml:"description,omitempty"`
	Quota        *int64   `yaml:"quota,omitempty"`
	Disabled     bool     `yaml:"disabled,omitempty"`
	Pipelines    []string `yaml:"pipelines,omitempty"`
}

type PipelineConf struct {
	UUID        string `yaml:"uuid"`
	Description string `yaml:"description,omitempty"`
	RemoteName  string `yaml:"remote_name"`
	APIUsername string `yaml:"api_username"`
	APIKey      string `yaml:"api_key"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
}

type SwordServerConf struct {
	UUID     string `yaml:"uuid"`
	Space    string `yaml:"space"`
	Pipeline string `yaml:"pipeline"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "depositd",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:       "./data/state.db",
			ScratchDir: "./data/scratch",
		},
		API: APIConfig{
			Listen:       "127.0.0.1:8000",
			ServiceTitle: "Storage Service",
			MaxMETSBytes: 16 << 20,
		},
		Downloads: DownloadsConfig{
			MaxBatches:     4,
			URLConcurrency: 4,
			Attempts:       3,
			RetryDelay:     5 * time.Second,
			Timeout:        30 * time.Minute,
		},
		Approval: ApprovalConfig{
			WatchDelay: 5 * time.Second,
			Timeout:    30 * time.Second,
			Scheme:     "http",
		},
		Storage: StorageConfig{
			SyncMode:       "native",
			VerifyInterval: 10 * time.Minute,
			VerifyCacheTTL: 15 * time.Minute,
		},
	}
}
