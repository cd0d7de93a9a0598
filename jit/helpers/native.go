package helpers

import (
	"math"
	"math/bits"
	"time"

	"github.com/slowlang/armjit/compiler/ir"
)

// Catalog indices. They are stable: persisted code refers to helpers by index.
const (
	GetFunctionAddress = iota
	GetIndirectFunctionAddress
	EnqueueForRejit
	CheckSynchronization
	SupervisorCall
	Break
	Undefined
	GetCntpctEl0

	ReadByte
	ReadUInt16
	ReadUInt32
	ReadUInt64
	WriteByte
	WriteUInt16
	WriteUInt32
	WriteUInt64

	CountLeadingSigns
	ReverseBits
	SignedAddSaturate
	UnsignedAddSaturate
	FPAdd64
	FPMul64

	CatalogSize
)

var start = time.Now()

// Default builds the full catalog in index order.
func Default() *Registry {
	r := NewRegistry()

	i64 := ir.I64
	i32 := ir.I32

	list := []Helper{
		GetFunctionAddress: {Name: "NativeInterface.GetFunctionAddress", Ret: i64, Args: []ir.Type{i64}, Fn: func(env Env, a []uint64) uint64 {
			return env.GetFunctionAddress(a[0])
		}},
		GetIndirectFunctionAddress: {Name: "NativeInterface.GetIndirectFunctionAddress", Ret: i64, Args: []ir.Type{i64, i64}, Fn: func(env Env, a []uint64) uint64 {
			return env.GetIndirectFunctionAddress(a[0], a[1])
		}},
		EnqueueForRejit: {Name: "NativeInterface.EnqueueForRejit", Args: []ir.Type{i64}, Fn: func(env Env, a []uint64) uint64 {
			env.EnqueueForRejit(a[0])
			return 0
		}},
		CheckSynchronization: {Name: "NativeInterface.CheckSynchronization", Ret: i32, Fn: func(env Env, a []uint64) uint64 {
			return b2u(env.Context().CheckInterrupt())
		}},
		SupervisorCall: {Name: "NativeInterface.SupervisorCall", Args: []ir.Type{i64, i32}, Fn: func(env Env, a []uint64) uint64 {
			env.Context().SupervisorCall(a[0], uint32(a[1]))
			return 0
		}},
		Break: {Name: "NativeInterface.Break", Args: []ir.Type{i64, i32}, Fn: func(env Env, a []uint64) uint64 {
			env.Context().Break(a[0], uint32(a[1]))
			return 0
		}},
		Undefined: {Name: "NativeInterface.Undefined", Args: []ir.Type{i64, i32}, Fn: func(env Env, a []uint64) uint64 {
			env.Context().Undefined(a[0], uint32(a[1]))
			return 0
		}},
		GetCntpctEl0: {Name: "NativeInterface.GetCntpctEl0", Ret: i64, Fn: func(env Env, a []uint64) uint64 {
			return uint64(time.Since(start))
		}},

		ReadByte: {Name: "NativeInterface.ReadByte", Ret: i32, Args: []ir.Type{i64}, Fn: func(env Env, a []uint64) uint64 {
			return read(env, a[0], 1)
		}},
		ReadUInt16: {Name: "NativeInterface.ReadUInt16", Ret: i32, Args: []ir.Type{i64}, Fn: func(env Env, a []uint64) uint64 {
			return read(env, a[0], 2)
		}},
		ReadUInt32: {Name: "NativeInterface.ReadUInt32", Ret: i32, Args: []ir.Type{i64}, Fn: func(env Env, a []uint64) uint64 {
			return read(env, a[0], 4)
		}},
		ReadUInt64: {Name: "NativeInterface.ReadUInt64", Ret: i64, Args: []ir.Type{i64}, Fn: func(env Env, a []uint64) uint64 {
			return read(env, a[0], 8)
		}},
		WriteByte: {Name: "NativeInterface.WriteByte", Args: []ir.Type{i64, i32}, Fn: func(env Env, a []uint64) uint64 {
			return write(env, a[0], a[1], 1)
		}},
		WriteUInt16: {Name: "NativeInterface.WriteUInt16", Args: []ir.Type{i64, i32}, Fn: func(env Env, a []uint64) uint64 {
			return write(env, a[0], a[1], 2)
		}},
		WriteUInt32: {Name: "NativeInterface.WriteUInt32", Args: []ir.Type{i64, i32}, Fn: func(env Env, a []uint64) uint64 {
			return write(env, a[0], a[1], 4)
		}},
		WriteUInt64: {Name: "NativeInterface.WriteUInt64", Args: []ir.Type{i64, i64}, Fn: func(env Env, a []uint64) uint64 {
			return write(env, a[0], a[1], 8)
		}},

		CountLeadingSigns: {Name: "SoftFallback.CountLeadingSigns", Ret: i64, Args: []ir.Type{i64, i32}, Fn: func(env Env, a []uint64) uint64 {
			return countLeadingSigns(a[0], int(a[1]))
		}},
		ReverseBits: {Name: "SoftFallback.ReverseBits", Ret: i64, Args: []ir.Type{i64, i32}, Fn: func(env Env, a []uint64) uint64 {
			if a[1] == 32 {
				return uint64(bits.Reverse32(uint32(a[0])))
			}

			return bits.Reverse64(a[0])
		}},
		SignedAddSaturate: {Name: "SoftFallback.SignedAddSaturate", Ret: i64, Args: []ir.Type{i64, i64}, Fn: func(env Env, a []uint64) uint64 {
			return uint64(signedAddSaturate(int64(a[0]), int64(a[1])))
		}},
		UnsignedAddSaturate: {Name: "SoftFallback.UnsignedAddSaturate", Ret: i64, Args: []ir.Type{i64, i64}, Fn: func(env Env, a []uint64) uint64 {
			s, c := bits.Add64(a[0], a[1], 0)
			if c != 0 {
				return math.MaxUint64
			}

			return s
		}},
		FPAdd64: {Name: "SoftFloat64.FPAdd", Ret: i64, Args: []ir.Type{i64, i64}, Fn: func(env Env, a []uint64) uint64 {
			return math.Float64bits(math.Float64frombits(a[0]) + math.Float64frombits(a[1]))
		}},
		FPMul64: {Name: "SoftFloat64.FPMul", Ret: i64, Args: []ir.Type{i64, i64}, Fn: func(env Env, a []uint64) uint64 {
			return math.Float64bits(math.Float64frombits(a[0]) * math.Float64frombits(a[1]))
		}},
	}

	for _, h := range list {
		r.Register(h)
	}

	return r
}

func read(env Env, addr uint64, size int) uint64 {
	var b [8]byte

	if err := env.Memory().Read(addr, b[:size]); err != nil {
		panic(err)
	}

	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}

func write(env Env, addr, v uint64, size int) uint64 {
	var b [8]byte

	for i := 0; i < size; i++ {
		b[i] = byte(v >> (8 * i))
	}

	if err := env.Memory().Write(addr, b[:size]); err != nil {
		panic(err)
	}

	return 0
}

func countLeadingSigns(x uint64, size int) uint64 {
	if size == 32 {
		v := uint32(x)

		return uint64(bits.LeadingZeros32((v^(v<<1))|1))
	}

	return uint64(bits.LeadingZeros64((x ^ (x << 1)) | 1))
}

func signedAddSaturate(x, y int64) int64 {
	s := x + y

	if (x >= 0) == (y >= 0) && (s >= 0) != (x >= 0) {
		if x < 0 {
			return math.MinInt64
		}

		return math.MaxInt64
	}

	return s
}

func b2u(v bool) uint64 {
	if v {
		return 1
	}

	return 0
}
