// Package config defines the shuffle worker's configuration surface
// and loads it by evaluating a Jsonnet document, mirroring the
// teacher's pkg/util/jsonnet.go loader. Because this repository has
// no generated protobuf configuration message, the evaluated JSON is
// unmarshalled with encoding/json into the plain struct below instead
// of via protojson — documented in DESIGN.md as the one deliberate
// stdlib substitution in the ambient stack.
package config

import (
	"encoding/json"
	"io"
	"os"

	"github.com/google/go-jsonnet"
)

// DiskConfig describes one local disk root and its health tunables.
type DiskConfig struct {
	Root                 string  `json:"root"`
	HighWatermark        float64 `json:"highWatermark"`
	LowWatermark         float64 `json:"lowWatermark"`
	HealthyCheckIntervalSec int  `json:"healthyCheckIntervalSec"`
	BandwidthBytesPerSec int64   `json:"bandwidthBytesPerSec"`
	ReadRatio            float64 `json:"readRatio"`
	AppendRatio          float64 `json:"appendRatio"`
	SharedRatio          float64 `json:"sharedRatio"`
}

// Config is the single configuration document described in spec §6
// ("CLI/config surface").
type Config struct {
	// Memory buffer store.
	MemCapacityBytes   int64   `json:"memCapacityBytes"`
	TicketTimeoutSec   int     `json:"ticketTimeoutSec"`
	MemHighWatermark   float64 `json:"memHighWatermark"`
	MemLowWatermark    float64 `json:"memLowWatermark"`

	// Local disks.
	Disks []DiskConfig `json:"disks"`

	// Hybrid store.
	SpillWorkers int `json:"spillWorkers"`

	// App & partition manager.
	HeartbeatTimeoutMin                int     `json:"heartbeatTimeoutMin"`
	HugePartitionMarkedThresholdBytes  int64   `json:"hugePartitionMarkedThresholdBytes"`
	HugePartitionMemoryLimitPercent    float64 `json:"hugePartitionMemoryLimitPercent"`
	AliveAppCountLimit                 int     `json:"aliveAppCountLimit"`

	// Health aggregator.
	AllocatorFootprintCeilingBytes int64 `json:"allocatorFootprintCeilingBytes"`
	StuckWindowSec                 int   `json:"stuckWindowSec"`

	// Network surface.
	GRPCPort      int    `json:"grpcPort"`
	URPCPort      int    `json:"urpcPort,omitempty"`
	AdminHTTPPort int    `json:"adminHttpPort"`
	MetricsPushEndpoint string `json:"metricsPushEndpoint,omitempty"`

	// Discovery.
	ServiceType string `json:"serviceType"`
	ClusterName string `json:"clusterName,omitempty"`
	Version     string `json:"version"`

	// Observability.
	LogEndpoint     string `json:"logEndpoint,omitempty"`
	TracingEndpoint string `json:"tracingEndpoint,omitempty"`
}

// Load evaluates the Jsonnet document at path (or stdin if path is
// "-"), binding every process environment variable as an ExtVar, then
// unmarshals the resulting JSON into a Config.
func Load(path string) (*Config, error) {
	var snippet []byte
	var err error
	if path == "-" {
		snippet, err = io.ReadAll(os.Stdin)
	} else {
		snippet, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	vm := jsonnet.MakeVM()
	for _, kv := range os.Environ() {
		key, val := splitEnv(kv)
		vm.ExtVar(key, val)
	}

	output, err := vm.EvaluateAnonymousSnippet(path, string(snippet))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal([]byte(output), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitEnv(kv string) (key, val string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}
