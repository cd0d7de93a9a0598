package ir

import (
	"tlog.app/go/tlog/tlwire"
)

func Const(t Type, v uint64) Operand {
	return Operand{Kind: KindConst, Type: t, Value: truncate(t, v)}
}

func Const32(v int32) Operand { return Const(I32, uint64(uint32(v))) }

func Const64(v int64) Operand { return Const(I64, uint64(v)) }

func ConstSym(v uint64, sym SymbolType, symv uint64) Operand {
	return Operand{Kind: KindConst, Type: I64, Value: v, Sym: Symbol{Type: sym, Value: symv}}
}

func Reg(index int, class RegClass, t Type) Operand {
	return Operand{Kind: KindRegister, Type: t, Class: class, Value: uint64(index)}
}

func Undef(t Type) Operand {
	return Operand{Kind: KindUndef, Type: t}
}

func LocalN(n int, t Type) Operand {
	return Operand{Kind: KindLocal, Type: t, Value: uint64(n)}
}

func (o Operand) IsNone() bool     { return o.Kind == KindNone }
func (o Operand) IsConst() bool    { return o.Kind == KindConst }
func (o Operand) IsRegister() bool { return o.Kind == KindRegister }
func (o Operand) IsLocal() bool    { return o.Kind == KindLocal }

func (o Operand) Index() int { return int(o.Value) }

func (o Operand) Key() RegKey {
	return MakeRegKey(o.Class, int(o.Value))
}

func MakeRegKey(c RegClass, index int) RegKey {
	return RegKey(int(c)*RegsPerClass + index)
}

func (k RegKey) Class() RegClass { return RegClass(int(k) / RegsPerClass) }
func (k RegKey) Index() int      { return int(k) % RegsPerClass }

func truncate(t Type, v uint64) uint64 {
	if t == I32 || t == FP32 {
		return uint64(uint32(v))
	}

	return v
}

func (o Operand) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	switch o.Kind {
	case KindNone:
		return e.AppendNil(b)
	case KindConst:
		if o.Sym.Type != SymNone {
			return e.AppendFormat(b, "%#x:%v(%v)", o.Value, o.Sym.Type, o.Sym.Value)
		}

		return e.AppendFormat(b, "%#x:%v", o.Value, o.Type)
	case KindRegister:
		return e.AppendFormat(b, "%v%d:%v", o.Class, o.Value, o.Type)
	case KindLocal:
		return e.AppendFormat(b, "l%d:%v", o.Value, o.Type)
	case KindUndef:
		return e.AppendFormat(b, "undef:%v", o.Type)
	}

	return e.AppendFormat(b, "operand?%d", o.Kind)
}
