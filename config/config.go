// Package config loads ZO_* environment variables into a process-wide
// singleton, generalizing the teacher's storage.Settings global-variable
// pattern to an atomically-swapped pointer: refresh re-reads from disk/env
// and replaces the whole struct, it never edits fields in place.
package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
)

// NodeRole is the closed set of process roles a node can run as: all,
// ingester, querier, compactor, router, alertmanager.
type NodeRole string

const (
	RoleAll          NodeRole = "all"
	RoleIngester     NodeRole = "ingester"
	RoleQuerier      NodeRole = "querier"
	RoleCompactor    NodeRole = "compactor"
	RoleRouter       NodeRole = "router"
	RoleAlertmanager NodeRole = "alertmanager"
)

// MetaStore is the closed set of metadata-store backends: sqlite,
// mysql, postgresql, nats. Only sqlite is implemented by this module;
// the others are named so config can carry them. Load does not validate
// ZO_META_STORE: any other string is stored unchanged.
type MetaStore string

const (
	MetaStoreSQLite     MetaStore = "sqlite"
	MetaStoreMySQL      MetaStore = "mysql"
	MetaStorePostgreSQL MetaStore = "postgresql"
	MetaStoreNATS       MetaStore = "nats"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	NodeRole NodeRole

	DataWALDir   string
	DataCacheDir string
	DataDBDir    string

	GRPCPort int
	HTTPPort int

	MetaStore MetaStore

	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3ForcePathStyle bool
	S3Provider       string // "aws" | "ceph"

	MemoryCacheMaxBytes int64
	DiskCacheMaxBytes   int64

	WALMaxFileSize int64
	WALMaxFileAge  time.Duration

	ArrowBudgetBytes       int64
	ArrowRotateRows        int
	ArrowRotateBytes       int64
	ArrowRotateAge         time.Duration
	ArrowBackpressureRatio float64 // e.g. 0.9

	CompactStepSeconds      int64
	CompactSafetyWindow     time.Duration
	CompactTargetFileBytes  int64

	EtcdEndpoints []string
	EtcdNamespace string

	SchedulerMaxQueued        int
	SchedulerProcessingTimeout time.Duration

	SearchMaxPartitions  int
	SearchEnqueueTimeout time.Duration
}

var current atomic.Pointer[Config]

func defaults(v *viper.Viper) {
	v.SetDefault("ZO_NODE_ROLE", "all")
	v.SetDefault("ZO_DATA_DIR", "./data")
	v.SetDefault("ZO_GRPC_PORT", 5081)
	v.SetDefault("ZO_HTTP_PORT", 5080)
	v.SetDefault("ZO_META_STORE", "sqlite")
	v.SetDefault("ZO_MEMORY_CACHE_MAX_SIZE", int64(1<<30))
	v.SetDefault("ZO_DISK_CACHE_MAX_SIZE", int64(10<<30))
	v.SetDefault("ZO_WAL_MAX_FILE_SIZE", int64(256<<20))
	v.SetDefault("ZO_WAL_MAX_FILE_AGE_SECONDS", 600)
	v.SetDefault("ZO_ARROW_BUDGET_BYTES", int64(2<<30))
	v.SetDefault("ZO_ARROW_ROTATE_ROWS", 1_000_000)
	v.SetDefault("ZO_ARROW_ROTATE_BYTES", int64(128<<20))
	v.SetDefault("ZO_ARROW_ROTATE_AGE_SECONDS", 600)
	v.SetDefault("ZO_ARROW_BACKPRESSURE_RATIO", 0.9)
	v.SetDefault("ZO_COMPACT_STEP_SECONDS", 3600)
	v.SetDefault("ZO_COMPACT_SAFETY_WINDOW_SECONDS", 3600)
	v.SetDefault("ZO_COMPACT_TARGET_FILE_BYTES", int64(64<<20))
	v.SetDefault("ZO_ETCD_ENDPOINTS", "127.0.0.1:2379")
	v.SetDefault("ZO_ETCD_NAMESPACE", "/corepipe")
	v.SetDefault("ZO_SCHEDULER_MAX_QUEUED", 10_000)
	v.SetDefault("ZO_SCHEDULER_PROCESSING_TIMEOUT_SECONDS", 300)
	v.SetDefault("ZO_SEARCH_MAX_PARTITIONS", 128)
	v.SetDefault("ZO_SEARCH_ENQUEUE_TIMEOUT_SECONDS", 30)
	v.SetDefault("ZO_S3_PROVIDER", "aws")
}

// Load reads ZO_* environment variables and replaces the process-wide
// singleton atomically. Safe to call again to pick up a changed
// environment (e.g. SIGHUP reload); it never mutates the previous Config
// in place, so readers holding an old *Config see a consistent snapshot.
func Load() *Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	dataDir := v.GetString("ZO_DATA_DIR")
	cfg := &Config{
		NodeRole:     NodeRole(v.GetString("ZO_NODE_ROLE")),
		DataWALDir:   firstNonEmpty(v.GetString("ZO_DATA_WAL_DIR"), dataDir+"/wal"),
		DataCacheDir: firstNonEmpty(v.GetString("ZO_DATA_CACHE_DIR"), dataDir+"/cache"),
		DataDBDir:    firstNonEmpty(v.GetString("ZO_DATA_DB_DIR"), dataDir+"/db"),

		GRPCPort: v.GetInt("ZO_GRPC_PORT"),
		HTTPPort: v.GetInt("ZO_HTTP_PORT"),

		MetaStore: MetaStore(v.GetString("ZO_META_STORE")),

		S3Bucket:         v.GetString("ZO_S3_BUCKET"),
		S3Region:         v.GetString("ZO_S3_REGION"),
		S3Endpoint:       v.GetString("ZO_S3_ENDPOINT"),
		S3AccessKey:      v.GetString("ZO_S3_ACCESS_KEY"),
		S3SecretKey:      v.GetString("ZO_S3_SECRET_KEY"),
		S3ForcePathStyle: v.GetBool("ZO_S3_FORCE_PATH_STYLE"),
		S3Provider:       v.GetString("ZO_S3_PROVIDER"),

		MemoryCacheMaxBytes: v.GetInt64("ZO_MEMORY_CACHE_MAX_SIZE"),
		DiskCacheMaxBytes:   v.GetInt64("ZO_DISK_CACHE_MAX_SIZE"),

		WALMaxFileSize: v.GetInt64("ZO_WAL_MAX_FILE_SIZE"),
		WALMaxFileAge:  time.Duration(v.GetInt64("ZO_WAL_MAX_FILE_AGE_SECONDS")) * time.Second,

		ArrowBudgetBytes:       v.GetInt64("ZO_ARROW_BUDGET_BYTES"),
		ArrowRotateRows:        v.GetInt("ZO_ARROW_ROTATE_ROWS"),
		ArrowRotateBytes:       v.GetInt64("ZO_ARROW_ROTATE_BYTES"),
		ArrowRotateAge:         time.Duration(v.GetInt64("ZO_ARROW_ROTATE_AGE_SECONDS")) * time.Second,
		ArrowBackpressureRatio: v.GetFloat64("ZO_ARROW_BACKPRESSURE_RATIO"),

		CompactStepSeconds:     v.GetInt64("ZO_COMPACT_STEP_SECONDS"),
		CompactSafetyWindow:    time.Duration(v.GetInt64("ZO_COMPACT_SAFETY_WINDOW_SECONDS")) * time.Second,
		CompactTargetFileBytes: v.GetInt64("ZO_COMPACT_TARGET_FILE_BYTES"),

		EtcdEndpoints: strings.Split(v.GetString("ZO_ETCD_ENDPOINTS"), ","),
		EtcdNamespace: v.GetString("ZO_ETCD_NAMESPACE"),

		SchedulerMaxQueued:         v.GetInt("ZO_SCHEDULER_MAX_QUEUED"),
		SchedulerProcessingTimeout: time.Duration(v.GetInt64("ZO_SCHEDULER_PROCESSING_TIMEOUT_SECONDS")) * time.Second,

		SearchMaxPartitions:  v.GetInt("ZO_SEARCH_MAX_PARTITIONS"),
		SearchEnqueueTimeout: time.Duration(v.GetInt64("ZO_SEARCH_ENQUEUE_TIMEOUT_SECONDS")) * time.Second,
	}
	current.Store(cfg)
	return cfg
}

// Get returns the current process-wide config, loading defaults if Load
// was never called (useful in tests).
func Get() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	return Load()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
