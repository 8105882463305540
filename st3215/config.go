package st3215

import (
	"time"

	"go.uber.org/zap"

	"github.com/Cogni-Robot/st3215/protocol"
	"github.com/Cogni-Robot/st3215/transports"
)

// Defaults applied by OpenConfig.
const (
	DefaultBaudRate      = transports.DefaultBaudRate
	DefaultMaxAttempts   = 3
	DefaultTimeout       = 100 * time.Millisecond
	DefaultScanTimeout   = 20 * time.Millisecond
	DefaultMinCommandGap = time.Millisecond
	DefaultMaxDiscard    = 256
)

// RetryPolicy controls how many times a transaction is attempted and how
// long each attempt waits for its reply.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Timeout bounds each attempt, from the end of the write to the reply.
	Timeout time.Duration

	// RetryWrites allows WRITE and REG_WRITE to be repeated after a timeout
	// or corrupt reply. Only set it when writing the same value twice is
	// known to be harmless for every register written.
	RetryWrites bool
}

// DefaultRetryPolicy returns the policy used for register traffic.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		Timeout:     DefaultTimeout,
	}
}

// attempts returns how many times inst may be sent under this policy.
func (p RetryPolicy) attempts(inst protocol.Instruction) int {
	n := max(p.MaxAttempts, 1)
	if !inst.Idempotent() && !p.RetryWrites {
		return 1
	}
	return n
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// Config holds configuration for opening a servo bus.
type Config struct {
	// Transport is the underlying communication transport.
	// If nil, Port must be specified to open a serial connection.
	Transport Transport

	// Port is the serial port path (e.g., "/dev/ttyACM0"). When Transport is
	// also set, Port only names the device for exclusive-use tracking.
	Port string

	// BaudRate is the communication speed. Default is 1000000.
	BaudRate int

	// Retry governs register reads, writes and pings.
	Retry RetryPolicy

	// ScanTimeout is how long a bus scan waits for each id. Default is 20ms.
	ScanTimeout time.Duration

	// MinCommandGap is the minimum time between commands. Default is 1ms.
	MinCommandGap time.Duration

	// MaxDiscard is how many unframed bytes a reply may contain before
	// the transaction gives up resynchronising. Default is 256.
	MaxDiscard int

	// Logger receives structured driver logs. Default is a no-op logger.
	Logger *zap.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.MinCommandGap == 0 {
		cfg.MinCommandGap = DefaultMinCommandGap
	}
	if cfg.MaxDiscard == 0 {
		cfg.MaxDiscard = DefaultMaxDiscard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// scanPolicy probes each id once; absence is the common answer.
func (cfg Config) scanPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Timeout: cfg.ScanTimeout}
}
