// Package config loads the service configuration: one JSON document
// found on a fixed search path, layered with .env and LTMC_* environment
// overrides, validated before use.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ConfigFileName is the JSON document looked up on the search path.
const ConfigFileName = "ltmc_config.json"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	Neo4j       Neo4jConfig       `json:"neo4j"`
	OpenAI      OpenAIConfig      `json:"openai"`
	Features    FeaturesConfig    `json:"features"`
	Performance PerformanceConfig `json:"performance"`
	Paths       PathsConfig       `json:"paths"`
}

// ServerConfig represents the HTTP surface configuration
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// DatabaseConfig represents the embedded store configuration: the
// relational catalog file, the vector index blob, and the embedding
// parameters shared by the chunking pipeline.
type DatabaseConfig struct {
	DBPath               string `json:"db_path"`
	VectorIndexPath      string `json:"faiss_index_path"`
	EmbeddingModel       string `json:"embedding_model"`
	VectorDimension      int    `json:"vector_dimension"`
	MaxChunkSize         int    `json:"max_chunk_size"`
	ChunkOverlap         int    `json:"chunk_overlap"`
	FlushIntervalSeconds int    `json:"flush_interval_seconds"`
}

// RedisConfig represents the cache store configuration
type RedisConfig struct {
	Enabled           bool   `json:"enabled"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Password          string `json:"password"`
	DB                int    `json:"db"`
	ConnectionTimeout int    `json:"connection_timeout_seconds"`
}

// Addr returns the host:port address of the redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Neo4jConfig represents the graph store configuration
type Neo4jConfig struct {
	Enabled           bool   `json:"enabled"`
	URI               string `json:"uri"`
	User              string `json:"user"`
	Password          string `json:"password"`
	Database          string `json:"database"`
	ConnectionTimeout int    `json:"connection_timeout_seconds"`
}

// OpenAIConfig represents the real-mode embedding client configuration
type OpenAIConfig struct {
	APIKey         string `json:"-"` // Never serialize API key
	RequestTimeout int    `json:"request_timeout_seconds"`
	RateLimitRPM   int    `json:"rate_limit_rpm"`
}

// FeaturesConfig toggles optional behavior
type FeaturesConfig struct {
	CacheEnabled        bool `json:"cache_enabled"`
	BufferEnabled       bool `json:"buffer_enabled"`
	SessionStateEnabled bool `json:"session_state_enabled"`
	TestMode            bool `json:"test_mode"`
}

// PerformanceConfig tunes pools, batches, deadlines, and cache TTLs
type PerformanceConfig struct {
	ConnectionPoolSize  int `json:"connection_pool_size"`
	QueryTimeout        int `json:"query_timeout"`
	BulkInsertBatchSize int `json:"bulk_insert_batch_size"`
	CacheTTLSeconds     int `json:"cache_ttl_seconds"`
	EmbeddingCacheSize  int `json:"embedding_cache_size"`
}

// PathsConfig represents filesystem layout
type PathsConfig struct {
	DataDir   string `json:"data_dir"`
	TempDir   string `json:"temp_dir"`
	BackupDir string `json:"backup_dir"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Database: DatabaseConfig{
			DBPath:               "data/ltmc.db",
			VectorIndexPath:      "data/ltmc_index.bin",
			EmbeddingModel:       "text-embedding-3-small",
			VectorDimension:      384,
			MaxChunkSize:         1000,
			ChunkOverlap:         100,
			FlushIntervalSeconds: 30,
		},
		Redis: RedisConfig{
			Enabled:           true,
			Host:              "localhost",
			Port:              6379,
			DB:                0,
			ConnectionTimeout: 5,
		},
		Neo4j: Neo4jConfig{
			Enabled:           true,
			URI:               "bolt://localhost:7687",
			User:              "neo4j",
			Database:          "neo4j",
			ConnectionTimeout: 10,
		},
		OpenAI: OpenAIConfig{
			RequestTimeout: 30,
			RateLimitRPM:   60,
		},
		Features: FeaturesConfig{
			CacheEnabled:        true,
			BufferEnabled:       true,
			SessionStateEnabled: true,
			TestMode:            false,
		},
		Performance: PerformanceConfig{
			ConnectionPoolSize:  4,
			QueryTimeout:        30,
			BulkInsertBatchSize: 100,
			CacheTTLSeconds:     3600,
			EmbeddingCacheSize:  4096,
		},
		Paths: PathsConfig{
			DataDir:   "data",
			TempDir:   "tmp",
			BackupDir: "backups",
		},
	}
}

// LoadConfig loads configuration from the JSON document on the search
// path (or an explicit path), layered with environment overrides.
// A missing config file means all defaults.
func LoadConfig(explicitPath string) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()

	path, err := findConfigFile(explicitPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := loadFile(config, path); err != nil {
			return nil, err
		}
		config.resolveRelativePaths(filepath.Dir(path))
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// findConfigFile walks the search path: explicit path, current working
// directory, executable directory, user home, system directory. Returns
// the empty string when no file exists anywhere.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicitPath, err)
		}
		return explicitPath, nil
	}

	var candidates []string
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ConfigFileName))
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), ConfigFileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".ltmc", ConfigFileName))
	}
	candidates = append(candidates, filepath.Join("/etc/ltmc", ConfigFileName))

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

func loadFile(config *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the fixed search path
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// resolveRelativePaths anchors relative file paths at the config file's
// directory.
func (c *Config) resolveRelativePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.Database.DBPath = resolve(c.Database.DBPath)
	c.Database.VectorIndexPath = resolve(c.Database.VectorIndexPath)
	c.Paths.DataDir = resolve(c.Paths.DataDir)
	c.Paths.TempDir = resolve(c.Paths.TempDir)
	c.Paths.BackupDir = resolve(c.Paths.BackupDir)
}

// loadFromEnv loads configuration overrides from environment variables
func loadFromEnv(config *Config) {
	loadServerEnv(config)
	loadDatabaseEnv(config)
	loadRedisEnv(config)
	loadNeo4jEnv(config)
	loadOpenAIEnv(config)
	loadFeaturesEnv(config)
	loadPerformanceEnv(config)
	loadPathsEnv(config)
}

func loadServerEnv(config *Config) {
	setString(&config.Server.Host, "LTMC_HOST")
	setInt(&config.Server.Port, "LTMC_PORT")
	setInt(&config.Server.ReadTimeout, "LTMC_READ_TIMEOUT_SECONDS")
	setInt(&config.Server.WriteTimeout, "LTMC_WRITE_TIMEOUT_SECONDS")
}

func loadDatabaseEnv(config *Config) {
	setString(&config.Database.DBPath, "LTMC_DB_PATH")
	setString(&config.Database.VectorIndexPath, "LTMC_INDEX_PATH")
	setString(&config.Database.EmbeddingModel, "LTMC_EMBEDDING_MODEL")
	setInt(&config.Database.VectorDimension, "LTMC_VECTOR_DIMENSION")
	setInt(&config.Database.MaxChunkSize, "LTMC_MAX_CHUNK_SIZE")
	setInt(&config.Database.ChunkOverlap, "LTMC_CHUNK_OVERLAP")
	setInt(&config.Database.FlushIntervalSeconds, "LTMC_FLUSH_INTERVAL_SECONDS")
}

func loadRedisEnv(config *Config) {
	setBool(&config.Redis.Enabled, "LTMC_REDIS_ENABLED")
	setString(&config.Redis.Host, "LTMC_REDIS_HOST", "REDIS_HOST")
	setInt(&config.Redis.Port, "LTMC_REDIS_PORT", "REDIS_PORT")
	setString(&config.Redis.Password, "LTMC_REDIS_PASSWORD", "REDIS_PASSWORD")
	setInt(&config.Redis.DB, "LTMC_REDIS_DB")
	setInt(&config.Redis.ConnectionTimeout, "LTMC_REDIS_CONNECTION_TIMEOUT_SECONDS")
}

func loadNeo4jEnv(config *Config) {
	setBool(&config.Neo4j.Enabled, "LTMC_NEO4J_ENABLED")
	setString(&config.Neo4j.URI, "LTMC_NEO4J_URI", "NEO4J_URI")
	setString(&config.Neo4j.User, "LTMC_NEO4J_USER", "NEO4J_USER")
	setString(&config.Neo4j.Password, "LTMC_NEO4J_PASSWORD", "NEO4J_PASSWORD")
	setString(&config.Neo4j.Database, "LTMC_NEO4J_DATABASE")
	setInt(&config.Neo4j.ConnectionTimeout, "LTMC_NEO4J_CONNECTION_TIMEOUT_SECONDS")
}

func loadOpenAIEnv(config *Config) {
	setString(&config.OpenAI.APIKey, "LTMC_OPENAI_API_KEY", "OPENAI_API_KEY")
	setInt(&config.OpenAI.RequestTimeout, "LTMC_OPENAI_REQUEST_TIMEOUT_SECONDS")
	setInt(&config.OpenAI.RateLimitRPM, "LTMC_OPENAI_RATE_LIMIT_RPM")
}

func loadFeaturesEnv(config *Config) {
	setBool(&config.Features.CacheEnabled, "LTMC_CACHE_ENABLED")
	setBool(&config.Features.BufferEnabled, "LTMC_BUFFER_ENABLED")
	setBool(&config.Features.SessionStateEnabled, "LTMC_SESSION_STATE_ENABLED")
	setBool(&config.Features.TestMode, "LTMC_TEST_MODE")
}

func loadPerformanceEnv(config *Config) {
	setInt(&config.Performance.ConnectionPoolSize, "LTMC_CONNECTION_POOL_SIZE")
	setInt(&config.Performance.QueryTimeout, "LTMC_QUERY_TIMEOUT_SECONDS")
	setInt(&config.Performance.BulkInsertBatchSize, "LTMC_BULK_INSERT_BATCH_SIZE")
	setInt(&config.Performance.CacheTTLSeconds, "LTMC_CACHE_TTL_SECONDS")
	setInt(&config.Performance.EmbeddingCacheSize, "LTMC_EMBEDDING_CACHE_SIZE")
}

func loadPathsEnv(config *Config) {
	setString(&config.Paths.DataDir, "LTMC_DATA_DIR")
	setString(&config.Paths.TempDir, "LTMC_TEMP_DIR")
	setString(&config.Paths.BackupDir, "LTMC_BACKUP_DIR")
}

func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			*dst = v
			return
		}
	}
}

func setInt(dst *int, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
			return
		}
	}
}

func setBool(dst *bool, keys ...string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
			return
		}
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Database.DBPath == "" {
		return errors.New("database.db_path is required")
	}
	if c.Database.VectorIndexPath == "" {
		return errors.New("database.faiss_index_path is required")
	}
	if c.Database.VectorDimension <= 0 {
		return fmt.Errorf("database.vector_dimension must be positive, got %d", c.Database.VectorDimension)
	}
	if c.Database.MaxChunkSize <= 0 {
		return fmt.Errorf("database.max_chunk_size must be positive, got %d", c.Database.MaxChunkSize)
	}
	if c.Database.ChunkOverlap < 0 || c.Database.ChunkOverlap >= c.Database.MaxChunkSize {
		return fmt.Errorf("database.chunk_overlap must be within [0, max_chunk_size), got %d", c.Database.ChunkOverlap)
	}
	if c.Database.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("database.flush_interval_seconds must be positive, got %d", c.Database.FlushIntervalSeconds)
	}
	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			return errors.New("redis.host is required when redis is enabled")
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			return fmt.Errorf("redis.port out of range: %d", c.Redis.Port)
		}
	}
	if c.Neo4j.Enabled {
		if c.Neo4j.URI == "" {
			return errors.New("neo4j.uri is required when neo4j is enabled")
		}
		if c.Neo4j.User == "" {
			return errors.New("neo4j.user is required when neo4j is enabled")
		}
	}
	if c.Performance.QueryTimeout <= 0 {
		return fmt.Errorf("performance.query_timeout must be positive, got %d", c.Performance.QueryTimeout)
	}
	if c.Performance.CacheTTLSeconds <= 0 {
		return fmt.Errorf("performance.cache_ttl_seconds must be positive, got %d", c.Performance.CacheTTLSeconds)
	}
	if c.Performance.BulkInsertBatchSize <= 0 {
		return fmt.Errorf("performance.bulk_insert_batch_size must be positive, got %d", c.Performance.BulkInsertBatchSize)
	}
	if c.Performance.EmbeddingCacheSize <= 0 {
		return fmt.Errorf("performance.embedding_cache_size must be positive, got %d", c.Performance.EmbeddingCacheSize)
	}
	return nil
}

// QueryTimeout returns the per-backend call deadline
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Performance.QueryTimeout) * time.Second
}

// CacheTTL returns the default cache entry lifetime
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Performance.CacheTTLSeconds) * time.Second
}

// FlushInterval returns the vector index background save period
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Database.FlushIntervalSeconds) * time.Second
}
