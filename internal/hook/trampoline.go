package hook

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/riftdbg/rift/internal/mm"
)

// detourPatchLength is the size of the absolute jump written over the
// hooked prologue: jmp [rip+0] followed by the 64-bit destination.
const detourPatchLength = 14

// maxPrologueBytes bounds how far the relocator scans for whole
// instructions covering the patch site.
const maxPrologueBytes = 64

// encodeAbsoluteJump emits `jmp [rip+0]; dq target`.
func encodeAbsoluteJump(target uint64) []byte {
	patch := make([]byte, detourPatchLength)
	patch[0] = 0xFF
	patch[1] = 0x25
	binary.LittleEndian.PutUint64(patch[6:], target)
	return patch
}

// buildTrampoline copies whole instructions from va until at least
// detourPatchLength bytes are covered, appends a jump back to the first
// uncopied instruction, and places the result in an executable pool
// page. Returns the trampoline region and the guest address execution
// resumes at after the relocated prologue.
func (e *Engine) buildTrampoline(va uint64, cr3 uint64) (mm.Region, uint64, error) {
	prologue := make([]byte, maxPrologueBytes)
	if err := e.mapper.ReadVirtualSafe(va, prologue, cr3); err != nil {
		return mm.Region{}, 0, fmt.Errorf("hook: read prologue at 0x%x: %w", va, err)
	}

	covered, err := instructionBoundary(prologue, detourPatchLength)
	if err != nil {
		return mm.Region{}, 0, fmt.Errorf("hook: prologue at 0x%x: %w", va, err)
	}

	region, err := e.pool.Request(mm.PoolIntentExecTrampoline)
	if err != nil {
		return mm.Region{}, 0, fmt.Errorf("hook: trampoline page: %w", err)
	}

	copy(region.Bytes, prologue[:covered])
	copy(region.Bytes[covered:], encodeAbsoluteJump(va+uint64(covered)))

	return region, va + uint64(covered), nil
}

// instructionBoundary decodes instructions from code until at least
// need bytes are covered, rejecting anything that cannot be relocated
// verbatim.
func instructionBoundary(code []byte, need int) (int, error) {
	covered := 0
	for covered < need {
		inst, err := x86asm.Decode(code[covered:], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: undecodable byte 0x%02x at offset %d",
				ErrUnsupportedInstruction, code[covered], covered)
		}
		if err := checkRelocatable(inst); err != nil {
			return 0, fmt.Errorf("%w at offset %d", err, covered)
		}
		covered += inst.Len
	}
	return covered, nil
}

// checkRelocatable rejects instructions whose meaning changes when
// copied to a different address.
func checkRelocatable(inst x86asm.Inst) error {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return fmt.Errorf("%w: RIP-relative %s", ErrUnsupportedInstruction, inst.Op)
		}
		if _, ok := arg.(x86asm.Rel); ok {
			return fmt.Errorf("%w: relative branch %s", ErrUnsupportedInstruction, inst.Op)
		}
	}
	return nil
}
