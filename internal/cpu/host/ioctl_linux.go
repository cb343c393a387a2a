//go:build linux

package host

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/riftdbg/rift/internal/cpu"
)

// ioctl ABI of the companion kernel driver (/dev/rift). The driver runs
// the privileged VMX instructions on the caller's current CPU, so every
// request is issued from a thread pinned to the target core.

const riftIoctlMagic = 0xB7

// _IOC encoding, linux asm-generic/ioctl.h
const (
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | riftIoctlMagic<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func ior(nr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }

// Request numbers. Keep in sync with the driver header.
const (
	nrVmxInstr   = 0x01
	nrCpuid      = 0x02
	nrControlReg = 0x03
	nrDescTable  = 0x04
	nrSelectors  = 0x05
	nrWaitExit   = 0x06
	nrResume     = 0x07
)

// Status codes reported in vmxInstrRequest.Status.
const (
	statusOK               = 0
	statusVmFailValid      = 1
	statusVmFailInvalid    = 2
	statusNotInVmxOp       = 3
	statusFault            = 4
	statusUnsupportedInstr = 5
)

// Opcodes of vmxInstrRequest.Op.
const (
	opVmxon = iota + 1
	opVmxoff
	opVmclear
	opVmptrld
	opVmread
	opVmwrite
	opVmlaunch
	opVmresume
	opInvept
	opInvvpid
	opVmcall
	opVmfunc
	opReadRflags
)

// vmxInstrRequest carries one VMX instruction. Arg0..Arg3 are
// instruction specific: physical address or field encoding in Arg0,
// value or descriptor words in Arg1..Arg3. Result returns VMREAD and
// RFLAGS values.
type vmxInstrRequest struct {
	Op     uint32
	Status int32
	Arg0   uint64
	Arg1   uint64
	Arg2   uint64
	Arg3   uint64
	Result uint64
}

type cpuidRequest struct {
	Leaf    uint32
	Subleaf uint32
	Eax     uint32
	Ebx     uint32
	Ecx     uint32
	Edx     uint32
}

// controlRegRequest reads or writes CR0/CR3/CR4 (Reg 0, 3, 4).
type controlRegRequest struct {
	Reg   uint32
	Write uint32
	Value uint64
}

// descTableRequest snapshots the GDT (Which 0) or IDT (Which 1),
// copying up to len(Image) descriptor bytes.
type descTableRequest struct {
	Which uint32
	Limit uint16
	_     uint16
	Base  uint64
	Image [4096]byte
}

type selectorsRequest struct {
	Es, Cs, Ss, Ds, Fs, Gs, Ldtr, Tr uint16
}

// exitRecord is filled by the wait-exit ioctl when the driver parks a
// core in its exit handler and hands control to userspace.
type exitRecord struct {
	Reason        uint32
	_             uint32
	Qualification uint64
	GuestPhysical uint64
	GuestRip      uint64
	GuestRsp      uint64
	InstrLength   uint64
}

var (
	iocVmxInstr   = iowr(nrVmxInstr, unsafe.Sizeof(vmxInstrRequest{}))
	iocCpuid      = iowr(nrCpuid, unsafe.Sizeof(cpuidRequest{}))
	iocControlReg = iowr(nrControlReg, unsafe.Sizeof(controlRegRequest{}))
	iocDescTable  = iowr(nrDescTable, unsafe.Sizeof(descTableRequest{}))
	iocSelectors  = ior(nrSelectors, unsafe.Sizeof(selectorsRequest{}))
	iocWaitExit   = ior(nrWaitExit, unsafe.Sizeof(exitRecord{}))
	iocResume     = iow(nrResume, unsafe.Sizeof(uint64(0)))
)

func doIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// vmxStatusError maps the driver status word onto the cpu sentinels.
func vmxStatusError(op string, status int32) error {
	switch status {
	case statusOK:
		return nil
	case statusVmFailValid, statusVmFailInvalid:
		return fmt.Errorf("host: %s: %w", op, cpu.ErrVmFail)
	case statusNotInVmxOp:
		return fmt.Errorf("host: %s: %w", op, cpu.ErrNotInVmxOperation)
	case statusFault:
		return fmt.Errorf("host: %s faulted", op)
	case statusUnsupportedInstr:
		return fmt.Errorf("host: %s: %w", op, cpu.ErrVmxNotSupported)
	default:
		return fmt.Errorf("host: %s: driver status %d", op, status)
	}
}
