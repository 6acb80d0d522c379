package rdma

import "github.com/behrlich/rdma-manager/internal/config"

// Config is re-exported from internal/config so external callers can
// build the value NewClient/NewServer require — internal/config.Config
// itself is unreachable from outside this module's tree, the same
// reason Error/ErrorCode are re-exported in errors.go.
type Config = config.Config

// DefaultConfig and LoadConfig re-export internal/config's constructors
// for the same reason: the only way to produce a *Config from outside
// this module.
var (
	DefaultConfig = config.Default
	LoadConfig    = config.Load
)
