package policy

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies and logs denials without blocking
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds fetch policy configuration
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	Mode    Mode `mapstructure:"mode"`
	// Path is a directory of .rego files; empty uses the built-in fetch policy
	Path string `mapstructure:"path"`
	// FailClosed denies every fetch when policies cannot be loaded or evaluated
	FailClosed bool `mapstructure:"fail_closed"`
	// BlockedDomains are matched as host suffixes
	BlockedDomains []string `mapstructure:"blocked_domains"`
	// AllowPrivate permits loopback and private network hosts
	AllowPrivate bool `mapstructure:"allow_private"`
}

// DefaultConfig enforces the built-in policy
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Mode:    ModeEnforce,
	}
}
