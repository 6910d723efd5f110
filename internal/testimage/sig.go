package testimage

import (
	"encoding/binary"

	"github.com/zelig-tools/mdimport/internal/metadata"
)

// Compress encodes an ECMA-335 compressed unsigned integer.
func Compress(v uint32) []byte {
	switch {
	case v < 0x80:
		return []byte{byte(v)}
	case v < 0x4000:
		return []byte{byte(v>>8) | 0x80, byte(v)}
	default:
		return []byte{byte(v>>24) | 0xC0, byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func typeDefOrRef(tok metadata.Token) []byte {
	v, ok := metadata.CodedTypeDefOrRef.Encode(tok)
	if !ok {
		panic("testimage: " + tok.String() + " is not a TypeDefOrRef")
	}
	return Compress(v)
}

// Prim is a primitive element type.
func Prim(e metadata.ElementType) []byte { return []byte{byte(e)} }

// Class is a CLASS type signature.
func Class(tok metadata.Token) []byte {
	return append([]byte{byte(metadata.ElemClass)}, typeDefOrRef(tok)...)
}

// ValueType is a VALUETYPE type signature.
func ValueType(tok metadata.Token) []byte {
	return append([]byte{byte(metadata.ElemValueType)}, typeDefOrRef(tok)...)
}

// SZArray is a single-dimension zero-based array of t.
func SZArray(t []byte) []byte {
	return append([]byte{byte(metadata.ElemSZArray)}, t...)
}

// GenericInst instantiates a generic class with args.
func GenericInst(tok metadata.Token, args ...[]byte) []byte {
	out := []byte{byte(metadata.ElemGenericInst), byte(metadata.ElemClass)}
	out = append(out, typeDefOrRef(tok)...)
	out = append(out, Compress(uint32(len(args)))...)
	for _, a := range args {
		out = append(out, a...)
	}
	return out
}

// Var is a type generic parameter reference.
func Var(n uint32) []byte {
	return append([]byte{byte(metadata.ElemVar)}, Compress(n)...)
}

// FieldSig wraps a type in a field signature.
func FieldSig(t []byte) []byte {
	return append([]byte{0x06}, t...)
}

// MethodSig builds a default-convention method signature.
func MethodSig(hasThis bool, ret []byte, params ...[]byte) []byte {
	conv := byte(0x00)
	if hasThis {
		conv |= 0x20
	}
	out := append([]byte{conv}, Compress(uint32(len(params)))...)
	out = append(out, ret...)
	for _, p := range params {
		out = append(out, p...)
	}
	return out
}

// LocalsSig builds a LOCAL_SIG blob.
func LocalsSig(types ...[]byte) []byte {
	out := append([]byte{0x07}, Compress(uint32(len(types)))...)
	for _, t := range types {
		out = append(out, t...)
	}
	return out
}

// TinyBody encodes a tiny-format method body.
func TinyBody(code []byte) []byte {
	if len(code) >= 64 {
		panic("testimage: tiny body too large")
	}
	return append([]byte{byte(len(code)<<2) | 0x2}, code...)
}

// Clause is a small-format exception clause.
type Clause struct {
	Kind                     uint16
	TryOffset, HandlerOffset uint16
	TryLength, HandlerLength uint8
	ClassToken               uint32
}

// FatBody encodes a fat-format method body with optional small EH clauses.
func FatBody(maxStack uint16, localsToken uint32, initLocals bool, code []byte, clauses ...Clause) []byte {
	le := binary.LittleEndian
	flags := uint16(0x3) | 3<<12
	if initLocals {
		flags |= 0x10
	}
	if len(clauses) > 0 {
		flags |= 0x08
	}
	out := make([]byte, 12, 12+len(code))
	le.PutUint16(out[0:], flags)
	le.PutUint16(out[2:], maxStack)
	le.PutUint32(out[4:], uint32(len(code)))
	le.PutUint32(out[8:], localsToken)
	out = append(out, code...)
	if len(clauses) == 0 {
		return out
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	out = append(out, 0x01, byte(4+12*len(clauses)), 0, 0)
	for _, cl := range clauses {
		var rec [12]byte
		le.PutUint16(rec[0:], cl.Kind)
		le.PutUint16(rec[2:], cl.TryOffset)
		rec[4] = cl.TryLength
		le.PutUint16(rec[5:], cl.HandlerOffset)
		rec[7] = cl.HandlerLength
		le.PutUint32(rec[8:], cl.ClassToken)
		out = append(out, rec[:]...)
	}
	return out
}
