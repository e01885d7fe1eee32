package arm64

import (
	"fmt"

	"github.com/faddat/vcode/internal/engine/wazevo/backend/regalloc"
)

// Arm64-specific registers.
//
// See https://developer.arm.com/documentation/dui0801/a/Overview-of-AArch64-state/Predeclared-core-register-names-in-AArch64-state

const (
	// General purpose registers. Note that we do not distinguish wn and xn registers
	// because they are the same from the perspective of register allocator, and
	// the size can be determined by the type of the instruction.

	x0 = regalloc.RealRegInvalid + 1 + iota
	x1
	x2
	x3
	x4
	x5
	x6
	x7
	x8
	x9
	x10
	x11
	x12
	x13
	x14
	x15
	x16
	x17
	x18
	x19
	x20
	x21
	x22
	x23
	x24
	x25
	x26
	x27
	x28
	x29
	x30

	// Vector registers. Note that we do not distinguish vn and dn, ... registers
	// because they are the same from the perspective of register allocator, and
	// the size can be determined by the type of the instruction.

	v0
	v1
	v2
	v3
	v4
	v5
	v6
	v7
	v8
	v9
	v10
	v11
	v12
	v13
	v14
	v15
	v16
	v17
	v18
	v19
	v20
	v21
	v22
	v23
	v24
	v25
	v26
	v27
	v28
	v29
	v30
	v31

	// Special registers

	xzr
	sp
	numRegisters
)

const (
	// fp is the frame pointer.
	fp = x29
	// lr is the link register.
	lr = x30
	// tmp is the register used by the multi-instruction sequences. It is never allocated.
	tmp = x16
	// tmp2 is the second register used by the multi-instruction sequences. It is never allocated.
	tmp2 = x17
	// sretReg holds the address of the memory area receiving the results which do not fit in registers.
	sretReg = x8
)

var (
	x0VReg = regalloc.FromRealReg(x0, regalloc.RegTypeInt)
	x1VReg = regalloc.FromRealReg(x1, regalloc.RegTypeInt)
	x2VReg = regalloc.FromRealReg(x2, regalloc.RegTypeInt)
	x3VReg = regalloc.FromRealReg(x3, regalloc.RegTypeInt)
	x4VReg = regalloc.FromRealReg(x4, regalloc.RegTypeInt)
	x5VReg = regalloc.FromRealReg(x5, regalloc.RegTypeInt)
	x6VReg = regalloc.FromRealReg(x6, regalloc.RegTypeInt)
	x7VReg = regalloc.FromRealReg(x7, regalloc.RegTypeInt)
	x8VReg = regalloc.FromRealReg(x8, regalloc.RegTypeInt)
	x9VReg = regalloc.FromRealReg(x9, regalloc.RegTypeInt)
	x10VReg = regalloc.FromRealReg(x10, regalloc.RegTypeInt)
	x11VReg = regalloc.FromRealReg(x11, regalloc.RegTypeInt)
	x12VReg = regalloc.FromRealReg(x12, regalloc.RegTypeInt)
	x13VReg = regalloc.FromRealReg(x13, regalloc.RegTypeInt)
	x14VReg = regalloc.FromRealReg(x14, regalloc.RegTypeInt)
	x15VReg = regalloc.FromRealReg(x15, regalloc.RegTypeInt)
	x16VReg = regalloc.FromRealReg(x16, regalloc.RegTypeInt)
	x17VReg = regalloc.FromRealReg(x17, regalloc.RegTypeInt)
	x18VReg = regalloc.FromRealReg(x18, regalloc.RegTypeInt)
	x19VReg = regalloc.FromRealReg(x19, regalloc.RegTypeInt)
	x20VReg = regalloc.FromRealReg(x20, regalloc.RegTypeInt)
	x21VReg = regalloc.FromRealReg(x21, regalloc.RegTypeInt)
	x22VReg = regalloc.FromRealReg(x22, regalloc.RegTypeInt)
	x23VReg = regalloc.FromRealReg(x23, regalloc.RegTypeInt)
	x24VReg = regalloc.FromRealReg(x24, regalloc.RegTypeInt)
	x25VReg = regalloc.FromRealReg(x25, regalloc.RegTypeInt)
	x26VReg = regalloc.FromRealReg(x26, regalloc.RegTypeInt)
	x27VReg = regalloc.FromRealReg(x27, regalloc.RegTypeInt)
	x28VReg = regalloc.FromRealReg(x28, regalloc.RegTypeInt)
	x29VReg = regalloc.FromRealReg(x29, regalloc.RegTypeInt)
	x30VReg = regalloc.FromRealReg(x30, regalloc.RegTypeInt)
	v0VReg = regalloc.FromRealReg(v0, regalloc.RegTypeFloat)
	v1VReg = regalloc.FromRealReg(v1, regalloc.RegTypeFloat)
	v2VReg = regalloc.FromRealReg(v2, regalloc.RegTypeFloat)
	v3VReg = regalloc.FromRealReg(v3, regalloc.RegTypeFloat)
	v4VReg = regalloc.FromRealReg(v4, regalloc.RegTypeFloat)
	v5VReg = regalloc.FromRealReg(v5, regalloc.RegTypeFloat)
	v6VReg = regalloc.FromRealReg(v6, regalloc.RegTypeFloat)
	v7VReg = regalloc.FromRealReg(v7, regalloc.RegTypeFloat)
	v8VReg = regalloc.FromRealReg(v8, regalloc.RegTypeFloat)
	v9VReg = regalloc.FromRealReg(v9, regalloc.RegTypeFloat)
	v10VReg = regalloc.FromRealReg(v10, regalloc.RegTypeFloat)
	v11VReg = regalloc.FromRealReg(v11, regalloc.RegTypeFloat)
	v12VReg = regalloc.FromRealReg(v12, regalloc.RegTypeFloat)
	v13VReg = regalloc.FromRealReg(v13, regalloc.RegTypeFloat)
	v14VReg = regalloc.FromRealReg(v14, regalloc.RegTypeFloat)
	v15VReg = regalloc.FromRealReg(v15, regalloc.RegTypeFloat)
	v16VReg = regalloc.FromRealReg(v16, regalloc.RegTypeFloat)
	v17VReg = regalloc.FromRealReg(v17, regalloc.RegTypeFloat)
	v18VReg = regalloc.FromRealReg(v18, regalloc.RegTypeFloat)
	v19VReg = regalloc.FromRealReg(v19, regalloc.RegTypeFloat)
	v20VReg = regalloc.FromRealReg(v20, regalloc.RegTypeFloat)
	v21VReg = regalloc.FromRealReg(v21, regalloc.RegTypeFloat)
	v22VReg = regalloc.FromRealReg(v22, regalloc.RegTypeFloat)
	v23VReg = regalloc.FromRealReg(v23, regalloc.RegTypeFloat)
	v24VReg = regalloc.FromRealReg(v24, regalloc.RegTypeFloat)
	v25VReg = regalloc.FromRealReg(v25, regalloc.RegTypeFloat)
	v26VReg = regalloc.FromRealReg(v26, regalloc.RegTypeFloat)
	v27VReg = regalloc.FromRealReg(v27, regalloc.RegTypeFloat)
	v28VReg = regalloc.FromRealReg(v28, regalloc.RegTypeFloat)
	v29VReg = regalloc.FromRealReg(v29, regalloc.RegTypeFloat)
	v30VReg = regalloc.FromRealReg(v30, regalloc.RegTypeFloat)
	v31VReg = regalloc.FromRealReg(v31, regalloc.RegTypeFloat)
	xzrVReg = regalloc.FromRealReg(xzr, regalloc.RegTypeInt)
	spVReg  = regalloc.FromRealReg(sp, regalloc.RegTypeInt)
	fpVReg  = x29VReg
	lrVReg  = x30VReg
	tmpVReg = x16VReg
)

var regNames = [...]string{
	x0: "x0",
	x1: "x1",
	x2: "x2",
	x3: "x3",
	x4: "x4",
	x5: "x5",
	x6: "x6",
	x7: "x7",
	x8: "x8",
	x9: "x9",
	x10: "x10",
	x11: "x11",
	x12: "x12",
	x13: "x13",
	x14: "x14",
	x15: "x15",
	x16: "x16",
	x17: "x17",
	x18: "x18",
	x19: "x19",
	x20: "x20",
	x21: "x21",
	x22: "x22",
	x23: "x23",
	x24: "x24",
	x25: "x25",
	x26: "x26",
	x27: "x27",
	x28: "x28",
	x29: "x29",
	x30: "x30",
	v0: "v0",
	v1: "v1",
	v2: "v2",
	v3: "v3",
	v4: "v4",
	v5: "v5",
	v6: "v6",
	v7: "v7",
	v8: "v8",
	v9: "v9",
	v10: "v10",
	v11: "v11",
	v12: "v12",
	v13: "v13",
	v14: "v14",
	v15: "v15",
	v16: "v16",
	v17: "v17",
	v18: "v18",
	v19: "v19",
	v20: "v20",
	v21: "v21",
	v22: "v22",
	v23: "v23",
	v24: "v24",
	v25: "v25",
	v26: "v26",
	v27: "v27",
	v28: "v28",
	v29: "v29",
	v30: "v30",
	v31: "v31",
	xzr: "xzr",
	sp:  "sp",
}

// regNumberInEncoding is the number of the register in the instruction encoding.
var regNumberInEncoding = [...]uint32{
	x0: 0,
	x1: 1,
	x2: 2,
	x3: 3,
	x4: 4,
	x5: 5,
	x6: 6,
	x7: 7,
	x8: 8,
	x9: 9,
	x10: 10,
	x11: 11,
	x12: 12,
	x13: 13,
	x14: 14,
	x15: 15,
	x16: 16,
	x17: 17,
	x18: 18,
	x19: 19,
	x20: 20,
	x21: 21,
	x22: 22,
	x23: 23,
	x24: 24,
	x25: 25,
	x26: 26,
	x27: 27,
	x28: 28,
	x29: 29,
	x30: 30,
	v0: 0,
	v1: 1,
	v2: 2,
	v3: 3,
	v4: 4,
	v5: 5,
	v6: 6,
	v7: 7,
	v8: 8,
	v9: 9,
	v10: 10,
	v11: 11,
	v12: 12,
	v13: 13,
	v14: 14,
	v15: 15,
	v16: 16,
	v17: 17,
	v18: 18,
	v19: 19,
	v20: 20,
	v21: 21,
	v22: 22,
	v23: 23,
	v24: 24,
	v25: 25,
	v26: 26,
	v27: 27,
	v28: 28,
	v29: 29,
	v30: 30,
	v31: 31,
	xzr: 31,
	sp:  31,
}

func formatVRegSized(r regalloc.VReg, size byte) string {
	if r.IsRealReg() {
		name := regNames[r.RealReg()]
		if r.RegType() == regalloc.RegTypeFloat || r.RealReg() >= v0 && r.RealReg() <= v31 {
			return fmt.Sprintf("%c%s", floatRegPrefix(size), name[1:])
		}
		if size == 32 && r.RealReg() != sp {
			if r.RealReg() == xzr {
				return "wzr"
			}
			return "w" + name[1:]
		}
		return name
	}
	switch r.RegType() {
	case regalloc.RegTypeInt:
		if size == 32 {
			return fmt.Sprintf("w%d?", r.ID())
		}
		return fmt.Sprintf("x%d?", r.ID())
	case regalloc.RegTypeFloat:
		return fmt.Sprintf("%c%d?", floatRegPrefix(size), r.ID())
	default:
		panic(fmt.Sprintf("BUG: %s has no register type", r))
	}
}

func floatRegPrefix(size byte) byte {
	if size == 32 {
		return 's'
	}
	return 'd'
}

func formatVReg(r regalloc.VReg) string { return formatVRegSized(r, 64) }

// realRegName is the namer given to regalloc.
func realRegName(r regalloc.RealReg) string {
	if int(r) < len(regNames) && regNames[r] != "" {
		return regNames[r]
	}
	return r.String()
}

// regInfo describes the registers available to the register allocator.
var regInfo = &regalloc.RegInfo{
	AllocatableRegisters: [regalloc.NumRegType][]regalloc.RealReg{
		regalloc.RegTypeInt: {
			x19, x20, x21, x22, x23, x24, x25, x26, x27, x28,
			x12, x13, x14, x15,
		},
		regalloc.RegTypeFloat: {
			v8, v9, v10, v11, v12, v13, v14, v15,
			v16, v17, v18, v19, v20, v21, v22, v23, v24, v25, v26, v27, v28, v29,
		},
	},
	ScratchRegisters: [regalloc.NumRegType][]regalloc.RealReg{
		regalloc.RegTypeInt:   {x9, x10, x11},
		regalloc.RegTypeFloat: {v30, v31},
	},
	CalleeSavedRegisters: regalloc.NewRegSet(
		x19, x20, x21, x22, x23, x24, x25, x26, x27, x28,
		v8, v9, v10, v11, v12, v13, v14, v15,
	),
	RealRegName: realRegName,
}

// callerSavedRegisters are the registers a call may overwrite.
var callerSavedRegisters = []regalloc.VReg{
	x0VReg, x1VReg, x2VReg, x3VReg, x4VReg, x5VReg, x6VReg, x7VReg,
	x8VReg, x9VReg, x10VReg, x11VReg, x12VReg, x13VReg, x14VReg, x15VReg,
	x16VReg, x17VReg, lrVReg,
	v0VReg, v1VReg, v2VReg, v3VReg, v4VReg, v5VReg, v6VReg, v7VReg,
	v16VReg, v17VReg, v18VReg, v19VReg, v20VReg, v21VReg, v22VReg, v23VReg,
	v24VReg, v25VReg, v26VReg, v27VReg, v28VReg, v29VReg, v30VReg, v31VReg,
}
