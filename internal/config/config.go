// Package config loads the RDMA transport's tunables from an optional
// key=value file (conf/RDMA.conf, the same layout the original C++
// Config::load parses) and overlays RDMA_*/SEQUENCER_*/MLX5_SINGLE_THREADED
// environment variables on top, matching spec section 6's configuration
// table key-for-key.
package config

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-envparse"

	"github.com/behrlich/rdma-manager/internal/logging"
)

// Config holds every tunable named in spec section 6, with the same
// defaults.
type Config struct {
	RDMAMemSize          uint64 // RDMA_MEMSIZE, bytes
	RDMANumaRegion       int    // RDMA_NUMAREGION
	RDMAIBPort           uint32 // RDMA_IBPORT
	RDMAServerAddresses  []string
	RDMAPort             uint16 // RDMA_PORT
	RDMAMaxWR            uint32 // RDMA_MAX_WR
	RDMAUDMTU            uint32 // RDMA_UD_MTU
	SequencerIP          string
	SequencerPort        uint16
	RDMAInterface        string // RDMA_INTERFACE
	RDMAGetNodeIDRetries int    // RDMA_GET_NODE_ID_RETRIES
	MLX5SingleThreaded   bool   // MLX5_SINGLE_THREADED

	// Derived / fixed constants (not independently configurable, but
	// kept on Config so callers have one place to read them from).
	MaxRCInlineSend uint32
	MaxUDInlineSend uint32
	UDGRHPrefix     uint32
	SleepIntervalUs int
}

// Default returns the defaults from spec section 6.
func Default() *Config {
	return &Config{
		RDMAMemSize:          8 << 30, // 8 GiB
		RDMANumaRegion:       1,
		RDMAIBPort:           1,
		RDMAServerAddresses:  nil,
		RDMAPort:             5200,
		RDMAMaxWR:            4096,
		RDMAUDMTU:            4096,
		SequencerIP:          "127.0.0.1",
		SequencerPort:        5600,
		RDMAInterface:        "ib1",
		RDMAGetNodeIDRetries: 5,
		MLX5SingleThreaded:   true,

		MaxRCInlineSend: 220,
		MaxUDInlineSend: 188,
		UDGRHPrefix:     40,
		SleepIntervalUs: 100,
	}
}

// Load reads an optional envparse-formatted file (pass "" to skip) and
// then overlays process environment variables, mirroring the original
// Config::load(file) followed by setenv-based overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	values := map[string]string{}
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			parsed, perr := envparse.Parse(f)
			if perr != nil {
				return nil, perr
			}
			values = parsed
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Environment overrides the file, the file overrides built-in defaults.
	get := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		if v, ok := values[key]; ok {
			return v, true
		}
		return "", false
	}

	if v, ok := get("RDMA_MEMSIZE"); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.RDMAMemSize = n
		}
	}
	if v, ok := get("RDMA_NUMAREGION"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RDMANumaRegion = n
		}
	}
	if v, ok := get("RDMA_IBPORT"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.RDMAIBPort = uint32(n)
		}
	}
	if v, ok := get("RDMA_SERVER_ADDRESSES"); ok && v != "" {
		cfg.RDMAServerAddresses = strings.Split(v, ",")
	}
	if v, ok := get("RDMA_PORT"); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.RDMAPort = uint16(n)
		}
	}
	if v, ok := get("RDMA_MAX_WR"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.RDMAMaxWR = uint32(n)
		}
	}
	if v, ok := get("RDMA_UD_MTU"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.RDMAUDMTU = uint32(n)
		}
	}
	if v, ok := get("SEQUENCER_IP"); ok {
		cfg.SequencerIP = v
	}
	if v, ok := get("SEQUENCER_PORT"); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.SequencerPort = uint16(n)
		}
	}
	if v, ok := get("RDMA_INTERFACE"); ok {
		cfg.RDMAInterface = v
	}
	if v, ok := get("RDMA_GET_NODE_ID_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RDMAGetNodeIDRetries = n
		}
	}
	if v, ok := get("MLX5_SINGLE_THREADED"); ok {
		cfg.MLX5SingleThreaded = v == "1" || strings.EqualFold(v, "true")
	}

	// Mirror the original's setenv("MLX5_SINGLE_THREADED", ...) call so
	// any HCA driver consulting the environment directly observes it too.
	single := "0"
	if cfg.MLX5SingleThreaded {
		single = "1"
	}
	_ = os.Setenv("MLX5_SINGLE_THREADED", single)

	return cfg, nil
}

// ResolveInterfaceIP resolves RDMAInterface to its first IPv4 address,
// mirroring Config::getIP(string&) which resolves RDMA_INTERFACE via an
// ioctl on the interface name.
func (c *Config) ResolveInterfaceIP() (string, error) {
	iface, err := net.InterfaceByName(c.RDMAInterface)
	if err != nil {
		logging.Default().Warn("could not resolve configured interface, falling back to loopback", "interface", c.RDMAInterface, "error", err)
		return "127.0.0.1", nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "127.0.0.1", nil
}
