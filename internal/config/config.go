// Package config loads the process-wide tuning constants: initialized
// once from the environment and passed explicitly to constructors
// rather than read from globals.
package config

import (
	"os"
	"strconv"
)

// Config holds every knob a node process needs to build its pipeline,
// storage backend, registry connection, and transport.
type Config struct {
	// Pipeline tuning constants.
	WorkItemSize       int
	WarmupSize         int
	LoadWorkersPerNode int
	PUsPerNode         int
	SaveWorkersPerNode int
	TasksInQueuePerPU  int
	QueueCapacity      int

	// Cluster identity and transport.
	Rank       int
	Size       int
	MasterAddr string
	ListenAddr string

	// Job identity.
	DatasetID string
	JobID     string
	JobName   string

	// Storage backend.
	StorageBackend string
	StorageRoot    string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	// Registry (operational job/node liveness mirror; not the
	// authoritative work-item plan).
	RegistryDSN string

	// Admin HTTP surface.
	AdminAddr string
}

func FromEnv() Config {
	return Config{
		WorkItemSize:       getenvInt("VFLOW_WORK_ITEM_SIZE", 32),
		WarmupSize:         getenvInt("VFLOW_WARMUP_SIZE", 0),
		LoadWorkersPerNode: getenvInt("VFLOW_LOAD_WORKERS_PER_NODE", 2),
		PUsPerNode:         getenvInt("VFLOW_PUS_PER_NODE", 1),
		SaveWorkersPerNode: getenvInt("VFLOW_SAVE_WORKERS_PER_NODE", 2),
		TasksInQueuePerPU:  getenvInt("VFLOW_TASKS_IN_QUEUE_PER_PU", 4),
		QueueCapacity:      getenvInt("VFLOW_QUEUE_CAPACITY", 16),

		Rank:       getenvInt("VFLOW_RANK", 0),
		Size:       getenvInt("VFLOW_CLUSTER_SIZE", 1),
		MasterAddr: getenv("VFLOW_MASTER_ADDR", "127.0.0.1:7070"),
		ListenAddr: getenv("VFLOW_LISTEN_ADDR", "127.0.0.1:7070"),

		DatasetID: getenv("VFLOW_DATASET_ID", ""),
		JobID:     getenv("VFLOW_JOB_ID", ""),
		JobName:   getenv("VFLOW_JOB_NAME", ""),

		StorageBackend: getenv("VFLOW_STORAGE_BACKEND", "local"),
		StorageRoot:    getenv("VFLOW_STORAGE_ROOT", "/tmp/vflow-db"),
		MinIOEndpoint:  getenv("VFLOW_MINIO_ENDPOINT", ""),
		MinIOAccessKey: getenv("VFLOW_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getenv("VFLOW_MINIO_SECRET_KEY", ""),
		MinIOBucket:    getenv("VFLOW_MINIO_BUCKET", "vflow"),
		MinIOUseSSL:    getenvBool("VFLOW_MINIO_USE_SSL", false),

		RegistryDSN: getenv("VFLOW_REGISTRY_DSN", ""),

		AdminAddr: getenv("VFLOW_ADMIN_ADDR", ""),
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
