package vmm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SyscallHookPolicy selects how EFER-based syscall interception treats
// the SYSCALL/SYSRET fast path. The safe policy keeps EFER.SCE visible
// to the guest and emulates the #UD round trip; the unsafe policy
// shortcuts the emulation for speed at the cost of detectability.
type SyscallHookPolicy string

const (
	SyscallHookSafe   SyscallHookPolicy = "safe"
	SyscallHookUnsafe SyscallHookPolicy = "unsafe"
)

// PoolConfig sizes the pre-reserved page pools. Pages are reserved
// before launch because pool consumers run in VMX root context where
// allocation is forbidden.
type PoolConfig struct {
	SplitPages      int `yaml:"split_pages"`
	TrampolinePages int `yaml:"trampoline_pages"`
	DetailPages     int `yaml:"detail_pages"`
}

// Config is the immutable session configuration, resolved once before
// launch. Root-context code only ever reads it.
type Config struct {
	// Vpid tags this hypervisor's TLB entries. Zero is reserved for the
	// hypervisor itself, so guests get 1 by default.
	Vpid uint16 `yaml:"vpid"`

	SyscallHookPolicy SyscallHookPolicy `yaml:"syscall_hook_policy"`

	Pool PoolConfig `yaml:"pool"`

	// MovCr3Exiting enables CR3-load exiting on every core at launch,
	// for process-switch tracing.
	MovCr3Exiting bool `yaml:"mov_cr3_exiting"`

	// ExceptionBitmap is the initial exception bitmap applied to every
	// VMCS; per-core changes come later through the configuration API.
	ExceptionBitmap uint32 `yaml:"exception_bitmap"`
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Vpid:              1,
		SyscallHookPolicy: SyscallHookSafe,
		Pool: PoolConfig{
			SplitPages:      32,
			TrampolinePages: 16,
			DetailPages:     16,
		},
	}
}

// ParseConfig decodes and validates a YAML configuration, filling in
// defaults for absent fields.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("vmm: parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vmm: read config: %w", err)
	}
	return ParseConfig(data)
}

func (c Config) validate() error {
	switch c.SyscallHookPolicy {
	case SyscallHookSafe, SyscallHookUnsafe:
	default:
		return fmt.Errorf("vmm: invalid syscall hook policy %q", c.SyscallHookPolicy)
	}
	if c.Vpid == 0 {
		return fmt.Errorf("vmm: VPID 0 is reserved for the hypervisor")
	}
	if c.Pool.SplitPages < 0 || c.Pool.TrampolinePages < 0 || c.Pool.DetailPages < 0 {
		return fmt.Errorf("vmm: pool sizes must not be negative")
	}
	return nil
}
