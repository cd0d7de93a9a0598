package translator

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/compiler/back/interp"
	"github.com/slowlang/armjit/config"
	"github.com/slowlang/armjit/jit/addrtable"
	"github.com/slowlang/armjit/jit/counttable"
	"github.com/slowlang/armjit/jit/helpers"
	"github.com/slowlang/armjit/jit/jitcache"
	"github.com/slowlang/armjit/jit/jumptable"
	"github.com/slowlang/armjit/jit/stubs"
	"github.com/slowlang/armjit/jit/unwind"
)

type (
	// Backend is a code generator which can also run and relocate its code.
	Backend interface {
		back.Backend
		back.Patcher
	}

	// Context owns everything generated code links against.
	// It is built once and shared by the translators using it.
	Context struct {
		Config *config.Config
		Mode   asm.Mode

		Backend Backend
		Exec    back.Executor
		Helpers *helpers.Registry

		Cache  *jitcache.Cache
		Unwind *unwind.Table

		Addrs *addrtable.Table
		Stubs *stubs.Stubs

		// Jumps is nil unless the jump table is enabled.
		Jumps *jumptable.Table

		// Counts is nil unless baseline code is published.
		Counts *counttable.Table
	}
)

var ErrUnknownBackend = errors.New("unknown backend")

func NewContext(ctx context.Context, cfg *config.Config, mode asm.Mode) (_ *Context, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "translator context", "mode", mode, "backend", cfg.Translator.Backend, "cache", cfg.Cache.Size)
	defer tr.Finish("err", &err)

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	c := &Context{
		Config:  cfg,
		Mode:    mode,
		Helpers: helpers.Default(),
	}

	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.Cache, err = jitcache.New(int(cfg.Cache.Size), cfg.Cache.Alignment)
	if err != nil {
		return nil, errors.Wrap(err, "code cache")
	}

	switch cfg.Translator.Backend {
	case "interp":
		c.Backend = interp.New()
		c.Exec = interp.NewMachine(c.Cache, c.Helpers)
	default:
		return nil, errors.Wrap(ErrUnknownBackend, "%q", cfg.Translator.Backend)
	}

	c.Unwind, err = unwind.ForCache(c.Cache)
	if err != nil {
		return nil, errors.Wrap(err, "unwind table")
	}

	installed, err := c.Unwind.Install()
	if err != nil {
		return nil, errors.Wrap(err, "install unwind table")
	}

	levels := addrtable.Levels64
	if mode != asm.Aarch64 {
		levels = addrtable.Levels32
	}

	c.Addrs, err = addrtable.New(levels, 0)
	if err != nil {
		return nil, errors.Wrap(err, "address table")
	}

	c.Stubs, err = stubs.Generate(ctx, c.Backend, c.Cache, c.Addrs)
	if err != nil {
		return nil, err
	}

	err = c.Addrs.SetFill(c.Stubs.SlowDispatch)
	if err != nil {
		return nil, errors.Wrap(err, "address table fill")
	}

	if cfg.Translator.UseJumpTable {
		opts := jumptable.Options{
			StaticEntries: cfg.JumpTable.StaticEntries,
			DynamicElems:  cfg.JumpTable.DynamicElems,
		}

		if cfg.Translator.DynamicTable {
			opts.DynamicSites = cfg.JumpTable.DynamicSites
		}

		c.Jumps, err = jumptable.New(opts, jumptable.Stubs{
			DirectMiss:   c.Stubs.DirectMiss,
			IndirectMiss: c.Stubs.IndirectMiss,
		})
		if err != nil {
			return nil, errors.Wrap(err, "jump table")
		}
	}

	if cfg.Translator.AllowLcqInFunctionTable {
		c.Counts, err = counttable.New(cfg.JumpTable.Counters)
		if err != nil {
			return nil, err
		}
	}

	tr.Printw("context ready", "code_base", tlog.FormatNext("%#x"), c.Cache.Base(), "unwind_installed", installed, "jump_table", c.Jumps != nil)

	return c, nil
}

// Close releases the tables and the code cache.
// No generated code may run afterwards.
func (c *Context) Close() (err error) {
	closeIt := func(name string, f func() error) {
		e := f()
		if e != nil && err == nil {
			err = errors.Wrap(e, "close %v", name)
		}
	}

	if c.Counts != nil {
		closeIt("count table", c.Counts.Close)
	}

	if c.Jumps != nil {
		closeIt("jump table", c.Jumps.Close)
	}

	if c.Addrs != nil {
		closeIt("address table", c.Addrs.Close)
	}

	if c.Cache != nil {
		closeIt("code cache", c.Cache.Close)
	}

	return err
}
