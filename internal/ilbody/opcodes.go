package ilbody

import (
	"encoding/binary"
	"fmt"
	"strings"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
)

// OperandType is the inline operand encoding of an opcode.
type OperandType uint8

const (
	InlineNone OperandType = iota
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	ShortInlineBrTarget
	InlineBrTarget
	ShortInlineVar
	InlineVar
	InlineSwitch
	InlineMethod
	InlineField
	InlineType
	InlineTok
	InlineString
	InlineSig
)

var operandSizes = [...]int{
	InlineNone: 0, ShortInlineI: 1, InlineI: 4, InlineI8: 8, ShortInlineR: 4, InlineR: 8,
	ShortInlineBrTarget: 1, InlineBrTarget: 4, ShortInlineVar: 1, InlineVar: 2, InlineSwitch: 4,
	InlineMethod: 4, InlineField: 4, InlineType: 4, InlineTok: 4, InlineString: 4, InlineSig: 4,
}

// IsToken reports whether the operand is a metadata token.
func (o OperandType) IsToken() bool { return o >= InlineMethod }

// OpCode describes one IL instruction.
type OpCode struct {
	Value   uint16 // one-byte opcodes, or 0xFExx
	Name    string
	Operand OperandType
}

func (op *OpCode) String() string { return op.Name }

var (
	oneByte [0x100]*OpCode
	twoByte [0x100]*OpCode
)

func def(v uint16, name string, operand OperandType) {
	op := &OpCode{Value: v, Name: name, Operand: operand}
	if v>>8 == 0xFE {
		twoByte[v&0xFF] = op
	} else {
		oneByte[v] = op
	}
}

// defRun registers consecutive opcodes sharing an operand type.
func defRun(first uint16, operand OperandType, names string) {
	for i, n := range strings.Fields(names) {
		def(first+uint16(i), n, operand)
	}
}

func init() {
	defRun(0x00, InlineNone, "nop break ldarg.0 ldarg.1 ldarg.2 ldarg.3 ldloc.0 ldloc.1 ldloc.2 ldloc.3 stloc.0 stloc.1 stloc.2 stloc.3")
	defRun(0x0E, ShortInlineVar, "ldarg.s ldarga.s starg.s ldloc.s ldloca.s stloc.s")
	defRun(0x14, InlineNone, "ldnull ldc.i4.m1 ldc.i4.0 ldc.i4.1 ldc.i4.2 ldc.i4.3 ldc.i4.4 ldc.i4.5 ldc.i4.6 ldc.i4.7 ldc.i4.8")
	def(0x1F, "ldc.i4.s", ShortInlineI)
	def(0x20, "ldc.i4", InlineI)
	def(0x21, "ldc.i8", InlineI8)
	def(0x22, "ldc.r4", ShortInlineR)
	def(0x23, "ldc.r8", InlineR)
	defRun(0x25, InlineNone, "dup pop")
	def(0x27, "jmp", InlineMethod)
	def(0x28, "call", InlineMethod)
	def(0x29, "calli", InlineSig)
	def(0x2A, "ret", InlineNone)
	defRun(0x2B, ShortInlineBrTarget, "br.s brfalse.s brtrue.s beq.s bge.s bgt.s ble.s blt.s bne.un.s bge.un.s bgt.un.s ble.un.s blt.un.s")
	defRun(0x38, InlineBrTarget, "br brfalse brtrue beq bge bgt ble blt bne.un bge.un bgt.un ble.un blt.un")
	def(0x45, "switch", InlineSwitch)
	defRun(0x46, InlineNone, "ldind.i1 ldind.u1 ldind.i2 ldind.u2 ldind.i4 ldind.u4 ldind.i8 ldind.i ldind.r4 ldind.r8 ldind.ref "+
		"stind.ref stind.i1 stind.i2 stind.i4 stind.i8 stind.r4 stind.r8 "+
		"add sub mul div div.un rem rem.un and or xor shl shr shr.un neg not "+
		"conv.i1 conv.i2 conv.i4 conv.i8 conv.r4 conv.r8 conv.u4 conv.u8")
	def(0x6F, "callvirt", InlineMethod)
	def(0x70, "cpobj", InlineType)
	def(0x71, "ldobj", InlineType)
	def(0x72, "ldstr", InlineString)
	def(0x73, "newobj", InlineMethod)
	def(0x74, "castclass", InlineType)
	def(0x75, "isinst", InlineType)
	def(0x76, "conv.r.un", InlineNone)
	def(0x79, "unbox", InlineType)
	def(0x7A, "throw", InlineNone)
	defRun(0x7B, InlineField, "ldfld ldflda stfld ldsfld ldsflda stsfld")
	def(0x81, "stobj", InlineType)
	defRun(0x82, InlineNone, "conv.ovf.i1.un conv.ovf.i2.un conv.ovf.i4.un conv.ovf.i8.un conv.ovf.u1.un conv.ovf.u2.un "+
		"conv.ovf.u4.un conv.ovf.u8.un conv.ovf.i.un conv.ovf.u.un")
	def(0x8C, "box", InlineType)
	def(0x8D, "newarr", InlineType)
	def(0x8E, "ldlen", InlineNone)
	def(0x8F, "ldelema", InlineType)
	defRun(0x90, InlineNone, "ldelem.i1 ldelem.u1 ldelem.i2 ldelem.u2 ldelem.i4 ldelem.u4 ldelem.i8 ldelem.i ldelem.r4 ldelem.r8 ldelem.ref "+
		"stelem.i stelem.i1 stelem.i2 stelem.i4 stelem.i8 stelem.r4 stelem.r8 stelem.ref")
	defRun(0xA3, InlineType, "ldelem stelem unbox.any")
	defRun(0xB3, InlineNone, "conv.ovf.i1 conv.ovf.u1 conv.ovf.i2 conv.ovf.u2 conv.ovf.i4 conv.ovf.u4 conv.ovf.i8 conv.ovf.u8")
	def(0xC2, "refanyval", InlineType)
	def(0xC3, "ckfinite", InlineNone)
	def(0xC6, "mkrefany", InlineType)
	def(0xD0, "ldtoken", InlineTok)
	defRun(0xD1, InlineNone, "conv.u2 conv.u1 conv.i conv.ovf.i conv.ovf.u add.ovf add.ovf.un mul.ovf mul.ovf.un sub.ovf sub.ovf.un endfinally")
	def(0xDD, "leave", InlineBrTarget)
	def(0xDE, "leave.s", ShortInlineBrTarget)
	def(0xDF, "stind.i", InlineNone)
	def(0xE0, "conv.u", InlineNone)

	defRun(0xFE00, InlineNone, "arglist ceq cgt cgt.un clt clt.un")
	defRun(0xFE06, InlineMethod, "ldftn ldvirtftn")
	defRun(0xFE09, InlineVar, "ldarg ldarga starg ldloc ldloca stloc")
	def(0xFE0F, "localloc", InlineNone)
	def(0xFE11, "endfilter", InlineNone)
	def(0xFE12, "unaligned.", ShortInlineI)
	defRun(0xFE13, InlineNone, "volatile. tail.")
	defRun(0xFE15, InlineType, "initobj constrained.")
	defRun(0xFE17, InlineNone, "cpblk initblk")
	def(0xFE19, "no.", ShortInlineI)
	def(0xFE1A, "rethrow", InlineNone)
	def(0xFE1C, "sizeof", InlineType)
	defRun(0xFE1D, InlineNone, "refanytype readonly.")
}

// Lookup returns the opcode for a one-byte value or a 0xFExx value.
func Lookup(v uint16) *OpCode {
	if v>>8 == 0xFE {
		return twoByte[v&0xFF]
	}
	if v > 0xFF {
		return nil
	}
	return oneByte[v]
}

// Instruction is one decoded IL instruction.
type Instruction struct {
	Offset  uint32
	Op      *OpCode
	Operand uint64  // raw little-endian operand bits
	Targets []int32 // switch branch deltas
	Size    int
}

// Token returns the metadata token operand.
func (in Instruction) Token() uint32 { return uint32(in.Operand) }

// BranchTarget returns the absolute code offset of a branch; ok is false for
// non-branch instructions.
func (in Instruction) BranchTarget() (uint32, bool) {
	next := int64(in.Offset) + int64(in.Size)
	switch in.Op.Operand {
	case ShortInlineBrTarget:
		return uint32(next + int64(int8(in.Operand))), true
	case InlineBrTarget:
		return uint32(next + int64(int32(in.Operand))), true
	}
	return 0, false
}

func (in Instruction) String() string {
	switch {
	case in.Op.Operand == InlineNone:
		return fmt.Sprintf("IL_%04x: %s", in.Offset, in.Op.Name)
	case in.Op.Operand.IsToken():
		return fmt.Sprintf("IL_%04x: %s 0x%08x", in.Offset, in.Op.Name, in.Token())
	case in.Op.Operand == InlineSwitch:
		return fmt.Sprintf("IL_%04x: %s (%d targets)", in.Offset, in.Op.Name, len(in.Targets))
	}
	if t, ok := in.BranchTarget(); ok {
		return fmt.Sprintf("IL_%04x: %s IL_%04x", in.Offset, in.Op.Name, t)
	}
	return fmt.Sprintf("IL_%04x: %s %d", in.Offset, in.Op.Name, in.Operand)
}

// Instructions decodes the body's IL stream.
func (b *Body) Instructions() ([]Instruction, error) {
	if b.Unavailable {
		return nil, b.Err
	}
	code := b.Code
	var out []Instruction
	for pos := 0; pos < len(code); {
		start := pos
		v := uint16(code[pos])
		pos++
		if v == 0xFE {
			if pos >= len(code) {
				return nil, b.ilError(start, "truncated two-byte opcode")
			}
			v = 0xFE00 | uint16(code[pos])
			pos++
		}
		op := Lookup(v)
		if op == nil {
			return nil, b.ilError(start, fmt.Sprintf("unknown opcode 0x%x", v))
		}
		in := Instruction{Offset: uint32(start), Op: op}
		n := operandSizes[op.Operand]
		if pos+n > len(code) {
			return nil, b.ilError(start, op.Name+" operand runs past the end of the code")
		}
		switch n {
		case 1:
			in.Operand = uint64(code[pos])
		case 2:
			in.Operand = uint64(binary.LittleEndian.Uint16(code[pos:]))
		case 4:
			in.Operand = uint64(binary.LittleEndian.Uint32(code[pos:]))
		case 8:
			in.Operand = binary.LittleEndian.Uint64(code[pos:])
		}
		pos += n
		if op.Operand == InlineSwitch {
			count := int(in.Operand)
			if count < 0 || count > (len(code)-pos)/4 {
				return nil, b.ilError(start, "switch table runs past the end of the code")
			}
			in.Targets = make([]int32, count)
			for i := range in.Targets {
				in.Targets[i] = int32(binary.LittleEndian.Uint32(code[pos:]))
				pos += 4
			}
		}
		in.Size = pos - start
		out = append(out, in)
	}
	return out, nil
}

func (b *Body) ilError(pos int, msg string) error {
	return mderrors.Corrupt(mderrors.SubBodyOutOfBounds, "IL_%04x: %s", pos, msg).
		WithToken(b.Token).WithOffset(b.Offset + int64(b.HeaderSize) + int64(pos))
}
