package ir

import "math/bits"

// Eval reports whether x cmp y holds for integers of type t.
func (c Comparison) Eval(t Type, x, y uint64) bool {
	x, y = truncate(t, x), truncate(t, y)
	sx, sy := signed(t, x), signed(t, y)

	switch c {
	case Equal:
		return x == y
	case NotEqual:
		return x != y
	case Greater:
		return sx > sy
	case GreaterOrEqual:
		return sx >= sy
	case Less:
		return sx < sy
	case LessOrEqual:
		return sx <= sy
	case GreaterUI:
		return x > y
	case GreaterOrEqualUI:
		return x >= y
	case LessUI:
		return x < y
	case LessOrEqualUI:
		return x <= y
	}

	return false
}

// Eval computes a pure integer instruction of result type t
// with the first source of type st.
// It returns false for instructions which are not pure computations.
func Eval(inst Inst, t, st Type, s []uint64) (r uint64, ok bool) {
	arg := func(i int) uint64 {
		if i < len(s) {
			return s[i]
		}

		return 0
	}

	x, y := arg(0), arg(1)
	w := uint64(t.Size() * 8)

	switch inst {
	case Add:
		r = x + y
	case Subtract:
		r = x - y
	case Multiply:
		r = x * y
	case Multiply64HighUI:
		r, _ = bits.Mul64(x, y)
	case Multiply64HighSI:
		r = mulHighSigned(int64(x), int64(y))
	case Divide:
		if truncate(t, y) == 0 {
			return 0, true
		}

		r = uint64(signed(t, x) / signed(t, y))
	case DivideUI:
		if truncate(t, y) == 0 {
			return 0, true
		}

		r = truncate(t, x) / truncate(t, y)
	case Negate:
		r = -x
	case BitwiseAnd:
		r = x & y
	case BitwiseOr:
		r = x | y
	case BitwiseExclusiveOr:
		r = x ^ y
	case BitwiseNot:
		r = ^x
	case ShiftLeft:
		r = x << (y & (w - 1))
	case ShiftRightUI:
		r = truncate(t, x) >> (y & (w - 1))
	case ShiftRightSI:
		r = uint64(signed(t, x) >> (y & (w - 1)))
	case RotateRight:
		if t == I32 {
			r = uint64(bits.RotateLeft32(uint32(x), -int(y&31)))
		} else {
			r = bits.RotateLeft64(x, -int(y&63))
		}
	case CountLeadingZeros:
		if t == I32 {
			r = uint64(bits.LeadingZeros32(uint32(x)))
		} else {
			r = uint64(bits.LeadingZeros64(x))
		}
	case ByteSwap:
		if t == I32 {
			r = uint64(bits.ReverseBytes32(uint32(x)))
		} else {
			r = bits.ReverseBytes64(x)
		}
	case SignExtend8:
		r = uint64(int64(int8(x)))
	case SignExtend16:
		r = uint64(int64(int16(x)))
	case SignExtend32:
		r = uint64(int64(int32(x)))
	case ZeroExtend8:
		r = uint64(uint8(x))
	case ZeroExtend16:
		r = uint64(uint16(x))
	case ZeroExtend32, ConvertI64ToI32:
		r = uint64(uint32(x))
	case Copy:
		r = x
	case Compare:
		if Comparison(arg(2)).Eval(st, x, y) {
			r = 1
		}
	case ConditionalSelect:
		if x != 0 {
			r = y
		} else {
			r = arg(2)
		}
	default:
		return 0, false
	}

	return truncate(t, r), true
}

func signed(t Type, x uint64) int64 {
	if t == I32 {
		return int64(int32(x))
	}

	return int64(x)
}

func mulHighSigned(x, y int64) uint64 {
	hi, _ := bits.Mul64(uint64(x), uint64(y))

	if x < 0 {
		hi -= uint64(y)
	}

	if y < 0 {
		hi -= uint64(x)
	}

	return hi
}
