package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/asm/arm64"
	"github.com/slowlang/armjit/compiler/format"
	"github.com/slowlang/armjit/compiler/front"
	"github.com/slowlang/armjit/config"
	"github.com/slowlang/armjit/jit/ptc"
	"github.com/slowlang/armjit/jit/state"
	"github.com/slowlang/armjit/memory"
	"github.com/slowlang/armjit/translator"
)

type (
	machine struct {
		cfg *config.Config
		mem *memory.Flat
		ec  *state.ExecutionContext
		tc  *translator.Context
		t   *translator.Translator

		entry uint64
	}
)

func main() {
	guestFlags := []*cli.Flag{
		cli.NewFlag("mem", "1MiB", "guest memory size"),
		cli.NewFlag("load", "0x1000", "address the program is loaded at"),
		cli.NewFlag("entry", "", "entry address (load address by default)"),
		cli.NewFlag("x0", 10, "initial X0"),
	}

	runCmd := &cli.Command{
		Name:        "run",
		Description: "run a raw little endian AArch64 program, built-in sample if none given",
		Action:      runAct,
		Args:        cli.Args{},
		Flags: append([]*cli.Flag{
			cli.NewFlag("step", false, "single step the program"),
			cli.NewFlag("max-steps", 10000, "step limit"),
		}, guestFlags...),
	}

	dumpCmd := &cli.Command{
		Name:        "dump",
		Description: "print the IR of the function at entry",
		Action:      dumpAct,
		Args:        cli.Args{},
		Flags: append([]*cli.Flag{
			cli.NewFlag("high", false, "decode with the high tier limits"),
		}, guestFlags...),
	}

	ptcCmd := &cli.Command{
		Name:        "ptc",
		Description: "list translation cache files",
		Action:      ptcAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "armjit",
		Description: "armjit is a translating JIT for AArch64 guest code",
		Before:      before,
		Flags: []*cli.Flag{
			cli.NewFlag("config,c", "", "config file"),
			cli.NewFlag("verbosity,v", "", "tlog verbosity topics"),
			cli.HelpFlag,
		},
		Commands: []*cli.Command{
			runCmd,
			dumpCmd,
			ptcCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func before(c *cli.Command) error {
	if v := c.String("verbosity"); v != "" {
		tlog.SetVerbosity(v)
	}

	return nil
}

func runAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	m, err := newMachine(ctx, c)
	if err != nil {
		return err
	}

	defer m.close()

	if c.Bool("step") {
		addr := m.entry

		for i := 0; i < c.Int("max-steps") && addr != 0 && m.ec.Running(); i++ {
			addr, err = m.t.Step(ctx, m.ec, addr)
			if err != nil {
				return errors.Wrap(err, "step %d", i)
			}
		}
	} else {
		err = m.t.Execute(ctx, m.ec, m.entry)
		if err != nil {
			return errors.Wrap(err, "execute")
		}
	}

	for i := 0; i < 8; i++ {
		fmt.Printf("x%d = %#x\n", i, m.ec.X(i))
	}

	s := m.t.Stats()

	fmt.Printf("functions %d  translated %d  promoted %d  loaded %d  code %s\n",
		s.Functions, s.Translated, s.Promoted, s.Loaded, humanize.IBytes(uint64(m.tc.Cache.Used())))

	return nil
}

func dumpAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	m, err := newMachine(ctx, c)
	if err != nil {
		return err
	}

	defer m.close()

	high := c.Bool("high")

	blocks, err := arm64.NewDecoder().DecodeFunction(m.mem, m.entry, asm.Aarch64, high)
	if err != nil {
		return errors.Wrap(err, "decode")
	}

	fc := front.NewContext(m.t, m.entry, asm.Aarch64, high, front.Options{})

	g, rng, err := front.Translate(ctx, fc, blocks)
	if err != nil {
		return errors.Wrap(err, "translate")
	}

	b, err := format.Format(ctx, nil, g)
	if err != nil {
		return errors.Wrap(err, "format")
	}

	fmt.Printf("function %#x: guest %#x-%#x, %d blocks\n%s", m.entry, rng.Start, rng.End, len(g.Blocks), b)

	return nil
}

func ptcAct(c *cli.Command) (err error) {
	for _, path := range c.Args {
		h, list, err := ptc.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "%v", path)
		}

		fmt.Printf("%s: v%d %s/%s %q, %d entries\n", path, h.Version, h.OS, h.Arch, h.Backend, h.Entries)

		var total int

		for _, e := range list {
			total += len(e.Code)

			fmt.Printf("  %#10x  guest %#x-%#x  code %8s  relocs %3d  high_cq %v\n",
				e.Address, e.Start, e.End, humanize.IBytes(uint64(len(e.Code))), len(e.Relocs), e.HighCq)
		}

		fmt.Printf("  total code %s\n", humanize.IBytes(uint64(total)))
	}

	return nil
}

func newMachine(ctx context.Context, c *cli.Command) (_ *machine, err error) {
	m := &machine{}

	defer func() {
		if err != nil {
			m.close()
		}
	}()

	m.cfg = config.Default()

	if p := c.String("config"); p != "" {
		m.cfg, err = config.Load(p)
		if err != nil {
			return nil, err
		}
	}

	size, err := humanize.ParseBytes(c.String("mem"))
	if err != nil {
		return nil, errors.Wrap(err, "mem size")
	}

	load, err := strconv.ParseUint(c.String("load"), 0, 64)
	if err != nil {
		return nil, errors.Wrap(err, "load address")
	}

	m.entry = load

	if e := c.String("entry"); e != "" {
		m.entry, err = strconv.ParseUint(e, 0, 64)
		if err != nil {
			return nil, errors.Wrap(err, "entry address")
		}
	}

	m.mem, err = memory.NewFlat(size)
	if err != nil {
		return nil, errors.Wrap(err, "guest memory")
	}

	prog, err := program(c.Args)
	if err != nil {
		return nil, err
	}

	err = memory.WriteInstructions(m.mem, load, prog...)
	if err != nil {
		return nil, errors.Wrap(err, "load program")
	}

	m.ec, err = state.NewExecutionContext(asm.Aarch64)
	if err != nil {
		return nil, errors.Wrap(err, "execution context")
	}

	m.ec.SetX(0, uint64(c.Int("x0")))

	m.ec.OnSupervisorCall = func(ec *state.ExecutionContext, address uint64, imm uint32) {
		tlog.Printw("svc", "address", tlog.FormatNext("%#x"), address, "imm", imm, "x0", ec.X(0))
	}

	m.tc, err = translator.NewContext(ctx, m.cfg, asm.Aarch64)
	if err != nil {
		return nil, err
	}

	m.t, err = translator.New(ctx, m.tc, m.mem, arm64.NewDecoder())
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *machine) close() {
	if m.t != nil {
		_ = m.t.Close()
	}

	if m.tc != nil {
		_ = m.tc.Close()
	}

	if m.ec != nil {
		_ = m.ec.Close()
	}

	if m.mem != nil {
		_ = m.mem.Close()
	}
}

// program reads the raw instruction file or returns the sample:
// fib(x0) into x1 with a call to a doubling function, result in x0.
func program(args []string) ([]uint32, error) {
	if len(args) > 1 {
		return nil, errors.New("one program at a time")
	}

	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, errors.Wrap(err, "read program")
		}

		if len(data)%4 != 0 {
			return nil, errors.New("program size %d is not a multiple of 4", len(data))
		}

		prog := make([]uint32, len(data)/4)
		for i := range prog {
			prog[i] = binary.LittleEndian.Uint32(data[4*i:])
		}

		return prog, nil
	}

	return []uint32{
		arm64.MOV(20, 30),   // 00
		arm64.MOVZ(1, 0, 0), // 04
		arm64.MOVZ(2, 1, 0), // 08
		arm64.CBZ(0, 0x18),  // 0c -> 24
		arm64.ADD(3, 1, 2),  // 10
		arm64.MOV(1, 2),     // 14
		arm64.MOV(2, 3),     // 18
		arm64.SUBi(0, 0, 1), // 1c
		arm64.B(-0x14),      // 20 -> 0c
		arm64.MOV(0, 1),     // 24
		arm64.BL(0x10),      // 28 -> 38
		arm64.MOV(30, 20),   // 2c
		arm64.SVC(0),        // 30
		arm64.RET(),         // 34
		arm64.ADD(0, 0, 0),  // 38
		arm64.RET(),         // 3c
	}, nil
}
