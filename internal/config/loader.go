package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, merging any files named in
// its include array, then applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := verifyAllConfigHashes(paths); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations:
// $DEPOSITD_CONFIG, ./config.yaml, ~/.config/depositd/config.yaml, /etc/depositd/config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("DEPOSITD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("DEPOSITD_CONFIG points at missing file %s", p)
	}

	candidates := []string{"./config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "depositd", "config.yaml"))
	}
	candidates = append(candidates, "/etc/depositd/config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $DEPOSITD_CONFIG, %s)", strings.Join(candidates, ", "))
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolved)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst. Non-zero scalars in src win; inventory
// lists are appended.
func mergeConfig(dst, src *Config) {
	setString(&dst.Service.Name, src.Service.Name)
	setString(&dst.Service.LogLevel, src.Service.LogLevel)
	setString(&dst.Service.LogFormat, src.Service.LogFormat)

	setString(&dst.State.Path, src.State.Path)
	setString(&dst.State.ScratchDir, src.State.ScratchDir)

	setString(&dst.API.Listen, src.API.Listen)
	setString(&dst.API.BaseURL, src.API.BaseURL)
	setString(&dst.API.ServiceTitle, src.API.ServiceTitle)
	if src.API.MaxUploadBytes != 0 {
		dst.API.MaxUploadBytes = src.API.MaxUploadBytes
	}
	if src.API.MaxMETSBytes != 0 {
		dst.API.MaxMETSBytes = src.API.MaxMETSBytes
	}

	if src.Downloads != (DownloadsConfig{}) {
		dst.Downloads = src.Downloads
	}
	if src.Approval != (ApprovalConfig{}) {
		dst.Approval = src.Approval
	}
	if src.Storage != (StorageConfig{}) {
		dst.Storage = src.Storage
	}

	dst.Inventory.Spaces = append(dst.Inventory.Spaces, src.Inventory.Spaces...)
	dst.Inventory.Locations = append(dst.Inventory.Locations, src.Inventory.Locations...)
	dst.Inventory.Pipelines = append(dst.Inventory.Pipelines, src.Inventory.Pipelines...)
	dst.Inventory.SwordServers = append(dst.Inventory.SwordServers, src.Inventory.SwordServers...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()

	setDefault(&cfg.Service.Name, d.Service.Name)
	setDefault(&cfg.Service.LogLevel, d.Service.LogLevel)
	setDefault(&cfg.Service.LogFormat, d.Service.LogFormat)
	setDefault(&cfg.State.Path, d.State.Path)
	setDefault(&cfg.State.ScratchDir, d.State.ScratchDir)
	setDefault(&cfg.API.Listen, d.API.Listen)
	setDefault(&cfg.API.ServiceTitle, d.API.ServiceTitle)
	if cfg.API.MaxMETSBytes == 0 {
		cfg.API.MaxMETSBytes = d.API.MaxMETSBytes
	}

	if cfg.Downloads.MaxBatches == 0 {
		cfg.Downloads.MaxBatches = d.Downloads.MaxBatches
	}
	if cfg.Downloads.URLConcurrency == 0 {
		cfg.Downloads.URLConcurrency = d.Downloads.URLConcurrency
	}
	if cfg.Downloads.Attempts == 0 {
		cfg.Downloads.Attempts = d.Downloads.Attempts
	}
	if cfg.Downloads.RetryDelay == 0 {
		cfg.Downloads.RetryDelay = d.Downloads.RetryDelay
	}
	if cfg.Downloads.Timeout == 0 {
		cfg.Downloads.Timeout = d.Downloads.Timeout
	}

	// A zero watch delay is a valid choice, so only the timeout and scheme default.
	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = d.Approval.Timeout
	}
	setDefault(&cfg.Approval.Scheme, d.Approval.Scheme)

	setDefault(&cfg.Storage.SyncMode, d.Storage.SyncMode)
	if cfg.Storage.VerifyInterval == 0 {
		cfg.Storage.VerifyInterval = d.Storage.VerifyInterval
	}
	if cfg.Storage.VerifyCacheTTL == 0 {
		cfg.Storage.VerifyCacheTTL = d.Storage.VerifyCacheTTL
	}

	for i := range cfg.Inventory.Spaces {
		setDefault(&cfg.Inventory.Spaces[i].Protocol, "FS")
	}
	return cfg
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, v string) error {
	if m := envVarPattern.FindStringSubmatch(v); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

var (
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validPurposes  = map[string]bool{"TS": true, "AS": true, "CP": true, "SD": true}
)

// validate performs basic validation on the configuration, including the
// references between inventory entries.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Downloads.MaxBatches < 0 || cfg.Downloads.URLConcurrency < 0 || cfg.Downloads.Attempts < 0 {
		return fmt.Errorf("downloads limits must not be negative")
	}
	if cfg.Approval.WatchDelay < 0 {
		return fmt.Errorf("approval.watch_delay must not be negative")
	}
	if s := cfg.Approval.Scheme; s != "http" && s != "https" {
		return fmt.Errorf("approval.scheme must be http or https (got %q)", s)
	}
	switch cfg.Storage.SyncMode {
	case "native", "rsync", "auto":
	default:
		return fmt.Errorf("storage.sync_mode must be one of: native, rsync, auto (got %q)", cfg.Storage.SyncMode)
	}

	inv := cfg.Inventory
	spaces := make(map[string]bool, len(inv.Spaces))
	for i, sp := range inv.Spaces {
		if sp.UUID == "" {
			return fmt.Errorf("inventory.spaces[%d].uuid is required", i)
		}
		if spaces[sp.UUID] {
			return fmt.Errorf("inventory.spaces[%d]: duplicate uuid %s", i, sp.UUID)
		}
		spaces[sp.UUID] = true
		if !filepath.IsAbs(sp.Path) {
			return fmt.Errorf("inventory.spaces[%d].path must be absolute (got %q)", i, sp.Path)
		}
		switch sp.Protocol {
		case "FS":
		case "NFS":
			if sp.NFS == nil || sp.NFS.RemoteName == "" || sp.NFS.RemotePath == "" {
				return fmt.Errorf("inventory.spaces[%d]: NFS spaces need nfs.remote_name and nfs.remote_path", i)
			}
		default:
			return fmt.Errorf("inventory.spaces[%d].protocol must be FS or NFS (got %q)", i, sp.Protocol)
		}
	}

	pipelines := make(map[string]bool, len(inv.Pipelines))
	for i, p := range inv.Pipelines {
		if p.UUID == "" {
			return fmt.Errorf("inventory.pipelines[%d].uuid is required", i)
		}
		pipelines[p.UUID] = true
		if err := unresolved(fmt.Sprintf("inventory.pipelines[%d].api_key", i), p.APIKey); err != nil {
			return err
		}
	}

	for i, loc := range inv.Locations {
		if loc.UUID == "" {
			return fmt.Errorf("inventory.locations[%d].uuid is required", i)
		}
		if !spaces[loc.Space] {
			return fmt.Errorf("inventory.locations[%d]: unknown space %q", i, loc.Space)
		}
		if !validPurposes[loc.Purpose] {
			return fmt.Errorf("inventory.locations[%d].purpose must be one of TS, AS, CP, SD (got %q)", i, loc.Purpose)
		}
		for _, p := range loc.Pipelines {
			if !pipelines[p] {
				return fmt.Errorf("inventory.locations[%d]: unknown pipeline %q", i, p)
			}
		}
	}

	for i, w := range inv.SwordServers {
		if w.UUID == "" {
			return fmt.Errorf("inventory.sword_servers[%d].uuid is required", i)
		}
		if !spaces[w.Space] {
			return fmt.Errorf("inventory.sword_servers[%d]: unknown space %q", i, w.Space)
		}
		if !pipelines[w.Pipeline] {
			return fmt.Errorf("inventory.sword_servers[%d]: unknown pipeline %q", i, w.Pipeline)
		}
	}
	return nil
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums means the directory is not locked.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expected, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: depositd config lock --config %s", basename, dir, path)
			}
			if err := VerifyFileHash(path, expected); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: depositd config lock --config %s", path, err, path)
			}
		}
	}
	return nil
}

// ConfigFiles returns the absolute paths of configPath and everything it
// includes, sorted.
func ConfigFiles(configPath string) ([]string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}
	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}
