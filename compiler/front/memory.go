package front

import (
	"github.com/slowlang/armjit/compiler/ir"
	"github.com/slowlang/armjit/jit/helpers"
)

// EmitLoad reads size bytes of guest memory zero extended to t.
func (c *Context) EmitLoad(t ir.Type, addr ir.Operand, size int) ir.Operand {
	base, mask := c.Env.PageTable()
	if mask == 0 {
		var h int
		var rt ir.Type = ir.I32

		switch size {
		case 1:
			h = helpers.ReadByte
		case 2:
			h = helpers.ReadUInt16
		case 4:
			h = helpers.ReadUInt32
		default:
			h, rt = helpers.ReadUInt64, ir.I64
		}

		v := c.Call(h, rt, addr)

		return c.fit(t, v)
	}

	host := c.hostAddress(addr, base, mask)

	switch size {
	case 1:
		return c.fit(t, c.Load8(host))
	case 2:
		return c.fit(t, c.Load16(host))
	case 4:
		if t == ir.I64 {
			return c.ZeroExtend32(ir.I64, c.Load(ir.I32, host))
		}

		return c.Load(ir.I32, host)
	default:
		return c.fit(t, c.Load(ir.I64, host))
	}
}

// EmitStore writes the low size bytes of v to guest memory.
func (c *Context) EmitStore(addr, v ir.Operand, size int) {
	base, mask := c.Env.PageTable()
	if mask == 0 {
		switch size {
		case 1:
			c.Call(helpers.WriteByte, ir.None, addr, c.fit(ir.I32, v))
		case 2:
			c.Call(helpers.WriteUInt16, ir.None, addr, c.fit(ir.I32, v))
		case 4:
			c.Call(helpers.WriteUInt32, ir.None, addr, c.fit(ir.I32, v))
		default:
			c.Call(helpers.WriteUInt64, ir.None, addr, c.fit(ir.I64, v))
		}

		return
	}

	host := c.hostAddress(addr, base, mask)

	switch size {
	case 1:
		c.Store8(host, v)
	case 2:
		c.Store16(host, v)
	case 4:
		c.Store(host, c.fit(ir.I32, v))
	default:
		c.Store(host, c.fit(ir.I64, v))
	}
}

func (c *Context) hostAddress(addr ir.Operand, base uintptr, mask uint64) ir.Operand {
	if addr.Type == ir.I32 {
		addr = c.ZeroExtend32(ir.I64, addr)
	}

	off := c.BitwiseAnd(addr, ir.Const64(int64(mask)))

	return c.Add(ir.ConstSym(uint64(base), ir.SymPageTable, 0), off)
}

func (c *Context) fit(t ir.Type, v ir.Operand) ir.Operand {
	switch {
	case t == v.Type:
		return v
	case t == ir.I32 && v.Type == ir.I64:
		return c.ConvertI64ToI32(v)
	case t == ir.I64 && v.Type == ir.I32:
		return c.ZeroExtend32(ir.I64, v)
	}

	return v
}
