package util

import (
	"time"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	SetDefault(key string, value interface{})
}

// ReplConfig carries the replication engine settings, normally loaded from
// replication.toml but constructible directly in tests.
type ReplConfig struct {
	PlanQuantum          time.Duration
	MaxQuantumBytes      uint64
	HugeBlobsInFlightMax int
	AccelerationMode     string // "skip_one_slowest" or "skip_marked"
	AllowKeepFlags       bool
	HugeBlobSize         uint64
	PDiskWriteRateBytes  int64 // bytes per second, 0 disables quoting
	MaxRecoveryTasks     int
	SstChunkSize         uint32
	ChunksPerSst         int
}

const (
	AccelerationModeSkipOneSlowest = "skip_one_slowest"
	AccelerationModeSkipMarked     = "skip_marked"
)

func DefaultReplConfig() *ReplConfig {
	return &ReplConfig{
		PlanQuantum:          50 * time.Millisecond,
		MaxQuantumBytes:      384 * 1024 * 1024,
		HugeBlobsInFlightMax: 3,
		AccelerationMode:     AccelerationModeSkipOneSlowest,
		AllowKeepFlags:       true,
		HugeBlobSize:         512 * 1024,
		PDiskWriteRateBytes:  0,
		MaxRecoveryTasks:     8192,
		SstChunkSize:         8 * 1024 * 1024,
		ChunksPerSst:         8,
	}
}

// LoadReplConfig reads the [repl] section of replication.toml from the
// usual search paths. Missing file or keys fall back to defaults.
func LoadReplConfig(dir string) *ReplConfig {
	v := viper.New()
	v.SetConfigName("replication")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.blobgroup")
	v.AddConfigPath("/etc/blobgroup/")

	def := DefaultReplConfig()
	v.SetDefault("repl.plan_quantum_ms", int(def.PlanQuantum/time.Millisecond))
	v.SetDefault("repl.max_quantum_bytes", int64(def.MaxQuantumBytes))
	v.SetDefault("repl.huge_blobs_in_flight_max", def.HugeBlobsInFlightMax)
	v.SetDefault("repl.acceleration_mode", def.AccelerationMode)
	v.SetDefault("repl.allow_keep_flags", def.AllowKeepFlags)
	v.SetDefault("repl.huge_blob_size", int64(def.HugeBlobSize))
	v.SetDefault("repl.pdisk_write_rate_bytes", def.PDiskWriteRateBytes)
	v.SetDefault("repl.max_recovery_tasks", def.MaxRecoveryTasks)
	v.SetDefault("repl.sst_chunk_size", int64(def.SstChunkSize))
	v.SetDefault("repl.chunks_per_sst", def.ChunksPerSst)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			glog.V(1).Infof("no replication.toml found, using defaults")
		} else {
			glog.Warningf("reading replication.toml: %v", err)
		}
	} else {
		glog.V(0).Infof("loaded configuration from %s", v.ConfigFileUsed())
	}

	return &ReplConfig{
		PlanQuantum:          time.Duration(v.GetInt("repl.plan_quantum_ms")) * time.Millisecond,
		MaxQuantumBytes:      uint64(v.GetInt64("repl.max_quantum_bytes")),
		HugeBlobsInFlightMax: v.GetInt("repl.huge_blobs_in_flight_max"),
		AccelerationMode:     v.GetString("repl.acceleration_mode"),
		AllowKeepFlags:       v.GetBool("repl.allow_keep_flags"),
		HugeBlobSize:         uint64(v.GetInt64("repl.huge_blob_size")),
		PDiskWriteRateBytes:  v.GetInt64("repl.pdisk_write_rate_bytes"),
		MaxRecoveryTasks:     v.GetInt("repl.max_recovery_tasks"),
		SstChunkSize:         uint32(v.GetInt64("repl.sst_chunk_size")),
		ChunksPerSst:         v.GetInt("repl.chunks_per_sst"),
	}
}
