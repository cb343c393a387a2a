package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
	"github.com/riftdbg/rift/internal/cpu/sim"
	"github.com/riftdbg/rift/internal/ept"
	"github.com/riftdbg/rift/internal/hook"
	"github.com/riftdbg/rift/internal/vmm"
)

func run() error {
	// Flags
	configPath := flag.String("config", "", "session configuration file (YAML)")
	cores := flag.Int("cores", 4, "number of simulated cores")
	memory := flag.Int64("memory", 64, "simulated physical memory in MiB")
	check := flag.Bool("check", false, "probe VMX/EPT support and exit")
	demo := flag.Bool("demo", false, "run a scripted hook session and exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `riftctl - drive a hypervisor session on the simulated backend

USAGE:
  riftctl [flags]

FLAGS:
  -config FILE   Session configuration (YAML); defaults apply when omitted
  -cores N       Simulated core count (default: 4)
  -memory MIB    Simulated physical memory in MiB (default: 64)
  -check         Probe VMX and EPT support on every core, then exit
  -demo          Launch, install and exercise an EPT hook, then tear down
  -verbose       Debug-level logging

EXAMPLES:
  riftctl -check                     Verify the backend passes the feature probes
  riftctl -demo                      Full launch/hook/terminate round trip
  riftctl -config session.yaml -demo Round trip with a custom configuration
`)
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := vmm.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = vmm.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	machine := sim.New(sim.Options{
		Cores:          *cores,
		PhysicalMemory: uint64(*memory) << 20,
	})
	defer machine.Close()

	if *check {
		return runCheck(machine, logger)
	}
	if *demo {
		return runDemo(machine, logger, cfg, uint64(*memory)<<20)
	}

	flag.Usage()
	return fmt.Errorf("riftctl: nothing to do, pass -check or -demo")
}

func runCheck(machine *sim.Machine, logger *slog.Logger) error {
	ctx := context.Background()
	err := machine.RunOnAllCores(ctx, func(core cpu.Core) error {
		if err := vmm.CheckVmxSupport(core); err != nil {
			return err
		}
		if err := ept.CheckEptSupport(core); err != nil {
			return err
		}
		logger.Info("core supports VMX and EPT", "core", core.ID(),
			"execute-only", ept.SupportsExecuteOnly(core))
		return nil
	})
	if err != nil {
		return fmt.Errorf("feature probe: %w", err)
	}
	fmt.Println("all cores support VMX and EPT")
	return nil
}

// runDemo walks the full lifecycle: launch on every core, install a
// breakpoint hook in a fake process, take an EPT violation through the
// single-step path, flip a few per-core controls, and terminate.
func runDemo(machine *sim.Machine, logger *slog.Logger, cfg vmm.Config, physBytes uint64) error {
	const (
		pid = uint32(4242)
		cr3 = uint64(0x00FED000)
		va  = uint64(0x00007FF8_00400000)
		pa  = uint64(48 << 20)
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cluster := vmm.New(logger, machine, machine.Allocator(), machine.Mapper(), machine.Pool(),
		physBytes, cfg)

	start := time.Now()
	if err := cluster.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	logger.Info("launched", "took", time.Since(start))

	// fabricate a guest process with one code page
	machine.MapProcessPage(pid, cr3, va, pa)
	code := make([]byte, arch.PageSize)
	code[0] = 0x48
	code[1] = 0xB8 // mov rax, imm64
	binary.LittleEndian.PutUint64(code[2:], 0xDEADBEEFCAFEF00D)
	for i := 10; i < len(code); i++ {
		code[i] = 0x90
	}
	if err := machine.Mapper().WriteVirtualSafe(va, code, cr3); err != nil {
		return fmt.Errorf("seed guest page: %w", err)
	}

	handle, err := cluster.EptHookBreakpoint(ctx, va+0x40, pid)
	if err != nil {
		return fmt.Errorf("install hook: %w", err)
	}
	logger.Info("breakpoint installed", "handle", handle, "va", fmt.Sprintf("0x%x", va+0x40))

	// an instruction fetch on the hooked page: trap, single step, re-protect
	if err := machine.TriggerEptViolation(ctx, 0,
		pa+0x40, arch.EptViolationQualification(1<<2)); err != nil {
		return fmt.Errorf("violation round trip: %w", err)
	}
	logger.Info("violation handled",
		"violations", cluster.VirtualProcessor(0).ExitCount(arch.ExitReasonEptViolation),
		"single-steps", cluster.VirtualProcessor(0).ExitCount(arch.ExitReasonMonitorTrapFlag))

	if err := cluster.SetRdtscExiting(ctx, 0, true); err != nil {
		return fmt.Errorf("rdtsc exiting: %w", err)
	}
	if err := cluster.SetEferSyscallHookAllCores(ctx, true); err != nil {
		return fmt.Errorf("syscall hook: %w", err)
	}
	logger.Info("per-core controls applied", "policy", string(cfg.SyscallHookPolicy))

	// a hidden detour on a second page of the same process
	const detourVa = va + 0x2000
	machine.MapProcessPage(pid, cr3, detourVa, pa+0x2000)
	if err := machine.Mapper().WriteVirtualSafe(detourVa, code, cr3); err != nil {
		return fmt.Errorf("seed detour page: %w", err)
	}
	detourHandle, err := cluster.EptHookDetour(ctx, detourVa, pid, hook.DetourOptions{
		Target: 0xFFFF8000_00700000,
		Hidden: true,
	})
	if err != nil {
		return fmt.Errorf("install detour: %w", err)
	}
	logger.Info("hidden detour installed", "handle", detourHandle,
		"va", fmt.Sprintf("0x%x", detourVa))

	if err := cluster.EptUnhook(ctx, va+0x40, pid); err != nil {
		return fmt.Errorf("unhook: %w", err)
	}
	if err := cluster.UnhookAll(ctx); err != nil {
		return fmt.Errorf("unhook all: %w", err)
	}
	if cluster.HookEngine().Len() != 0 {
		return fmt.Errorf("hooks survived removal")
	}

	if err := cluster.Terminate(ctx); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	logger.Info("terminated cleanly")

	fmt.Println("demo session completed")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "riftctl: %v\n", err)
		os.Exit(1)
	}
}
