// Package ptc persists translated functions between runs.
//
// File layout:
//
//	magic    [4]byte "APTC"
//	hdrlen   uint32 little endian
//	header   CBOR Header
//	body     zstd(CBOR []Entry)
//
// Code is stored with its relocations unresolved; it is patched for the
// current process when loaded.
package ptc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/armjit/compiler/asm"
	"github.com/slowlang/armjit/compiler/back"
	"github.com/slowlang/armjit/compiler/ir"
)

type (
	// Reader is guest memory entries are verified against.
	Reader interface {
		Read(addr uint64, p []byte) error
	}

	// Resolver gives the current value of a relocated symbol.
	// Dynamic entry symbols are resolved once per (entry, symbol).
	Resolver interface {
		Resolve(e *Entry, sym ir.Symbol) (uint64, error)
	}

	Header struct {
		Version  int    `cbor:"1,keyasint"`
		OS       string `cbor:"2,keyasint"`
		Arch     string `cbor:"3,keyasint"`
		Backend  string `cbor:"4,keyasint"`
		Entries  int    `cbor:"5,keyasint"`
		BodyHash uint64 `cbor:"6,keyasint"`
	}

	Entry struct {
		Address uint64 `cbor:"1,keyasint"`

		// Start and End bound the guest code the entry was built from.
		// Start may be below Address.
		Start uint64 `cbor:"2,keyasint"`
		End   uint64 `cbor:"9,keyasint"`

		Hash   [16]byte        `cbor:"3,keyasint"`
		HighCq bool            `cbor:"4,keyasint"`
		Mode   asm.Mode        `cbor:"5,keyasint"`
		Code   []byte          `cbor:"6,keyasint"`
		Relocs []back.Reloc    `cbor:"7,keyasint"`
		Unwind back.UnwindInfo `cbor:"8,keyasint"`
	}

	Cache struct {
		mu sync.Mutex

		path    string
		backend string

		entries map[key]*Entry
		dirty   bool
	}

	key struct {
		addr uint64
		mode asm.Mode
	}
)

const Version = 2

var magic = [4]byte{'A', 'P', 'T', 'C'}

var (
	ErrIncompatible = errors.New("incompatible cache file")
	ErrCorrupted    = errors.New("corrupted cache file")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	encMode = em
}

func New(path, backend string) *Cache {
	return &Cache{
		path:    path,
		backend: backend,
		entries: map[key]*Entry{},
	}
}

func (c *Cache) Path() string { return c.path }

// Hash is the fingerprint of the guest code in [start, end) stored with every entry.
func Hash(mem Reader, start, end uint64) ([16]byte, error) {
	if end < start {
		return [16]byte{}, errors.New("bad guest range %#x-%#x", start, end)
	}

	b := make([]byte, end-start)

	err := mem.Read(start, b)
	if err != nil {
		return [16]byte{}, errors.Wrap(err, "read guest code %#x-%#x", start, end)
	}

	return xxh3.Hash128(b).Bytes(), nil
}

// Add stores e. A baseline entry never replaces a high tier one.
func (c *Cache) Add(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{e.Address, e.Mode}

	if old, ok := c.entries[k]; ok && old.HighCq && !e.HighCq {
		return
	}

	c.entries[k] = e
	c.dirty = true
}

func (c *Cache) Get(addr uint64, mode asm.Mode) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key{addr, mode}]

	return e, ok
}

// RemoveRange drops entries whose guest code [Start, End) overlaps [addr, addr+size).
func (c *Cache) RemoveRange(addr, size uint64) (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.Start < addr+size && addr < max(e.End, e.Start+1) {
			delete(c.entries, k)
			n++
		}
	}

	if n != 0 {
		c.dirty = true
	}

	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Entries returns entries in address order.
func (c *Cache) Entries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]*Entry, 0, len(c.entries))

	for _, e := range c.entries {
		list = append(list, e)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Address != list[j].Address {
			return list[i].Address < list[j].Address
		}

		return list[i].Mode < list[j].Mode
	})

	return list
}

// Save writes the cache file if anything changed since the last Save or Load.
func (c *Cache) Save(ctx context.Context) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "ptc save", "path", c.path)
	defer tr.Finish("err", &err)

	c.mu.Lock()
	dirty := c.dirty
	c.mu.Unlock()

	if !dirty {
		return nil
	}

	list := c.Entries()

	body, err := encMode.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "encode entries")
	}

	zw, err := zstd.NewWriter(nil)
	if err != nil {
		return errors.Wrap(err, "zstd")
	}

	comp := zw.EncodeAll(body, nil)
	_ = zw.Close()

	hdr, err := encMode.Marshal(Header{
		Version:  Version,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Backend:  c.backend,
		Entries:  len(list),
		BodyHash: xxh3.Hash(comp),
	})
	if err != nil {
		return errors.Wrap(err, "encode header")
	}

	var buf bytes.Buffer

	buf.Write(magic[:])
	buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(hdr))))
	buf.Write(hdr)
	buf.Write(comp)

	err = os.MkdirAll(filepath.Dir(c.path), 0o755)
	if err != nil {
		return errors.Wrap(err, "mkdir")
	}

	tmp := c.path + ".tmp"

	err = os.WriteFile(tmp, buf.Bytes(), 0o644)
	if err != nil {
		return errors.Wrap(err, "write")
	}

	err = os.Rename(tmp, c.path)
	if err != nil {
		return errors.Wrap(err, "rename")
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	tr.Printw("saved", "entries", len(list), "size", humanize.IBytes(uint64(buf.Len())), "raw", humanize.IBytes(uint64(len(body))))

	return nil
}

// Load reads the cache file. Entries whose guest code changed are skipped.
// A missing file is not an error.
func (c *Cache) Load(ctx context.Context, mem Reader) (loaded, stale int, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "ptc load", "path", c.path)
	defer tr.Finish("loaded", &loaded, "stale", &stale, "err", &err)

	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "read")
	}

	list, err := c.decode(data)
	if err != nil {
		return 0, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range list {
		h, err := Hash(mem, e.Start, e.End)
		if err != nil || h != e.Hash {
			tr.V("ptc_stale").Printw("stale entry", "address", tlog.FormatNext("%#x"), e.Address, "err", err)

			stale++

			continue
		}

		c.entries[key{e.Address, e.Mode}] = e
		loaded++
	}

	c.dirty = stale != 0

	return loaded, stale, nil
}

func (c *Cache) decode(data []byte) ([]*Entry, error) {
	h, list, err := parse(data)
	if err != nil {
		return nil, err
	}

	if h.Version != Version || h.OS != runtime.GOOS || h.Arch != runtime.GOARCH || h.Backend != c.backend {
		return nil, errors.Wrap(ErrIncompatible, "%v/%v %v v%d", h.OS, h.Arch, h.Backend, h.Version)
	}

	return list, nil
}

// ReadFile decodes a cache file without checking it was made by this process.
func ReadFile(path string) (Header, []*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, errors.Wrap(err, "read")
	}

	return parse(data)
}

func parse(data []byte) (h Header, list []*Entry, err error) {
	if len(data) < 8 || !bytes.Equal(data[:4], magic[:]) {
		return h, nil, errors.Wrap(ErrCorrupted, "magic")
	}

	n := int(binary.LittleEndian.Uint32(data[4:]))
	if 8+n > len(data) {
		return h, nil, errors.Wrap(ErrCorrupted, "header size")
	}

	err = cbor.Unmarshal(data[8:8+n], &h)
	if err != nil {
		return h, nil, errors.Wrap(ErrCorrupted, "header: %v", err)
	}

	comp := data[8+n:]

	if xxh3.Hash(comp) != h.BodyHash {
		return h, nil, errors.Wrap(ErrCorrupted, "body hash")
	}

	zr, err := zstd.NewReader(nil)
	if err != nil {
		return h, nil, errors.Wrap(err, "zstd")
	}

	defer zr.Close()

	body, err := zr.DecodeAll(comp, nil)
	if err != nil {
		return h, nil, errors.Wrap(ErrCorrupted, "decompress: %v", err)
	}

	err = cbor.Unmarshal(body, &list)
	if err != nil {
		return h, nil, errors.Wrap(ErrCorrupted, "entries: %v", err)
	}

	if len(list) != h.Entries {
		return h, nil, errors.Wrap(ErrCorrupted, "%d entries, header says %d", len(list), h.Entries)
	}

	return h, list, nil
}

// Relocate returns a copy of the entry code patched for this process.
func Relocate(e *Entry, p back.Patcher, r Resolver) ([]byte, error) {
	code := append([]byte(nil), e.Code...)
	resolved := map[ir.Symbol]uint64{}

	for _, rel := range e.Relocs {
		v, ok := resolved[rel.Symbol]
		if !ok {
			var err error

			v, err = r.Resolve(e, rel.Symbol)
			if err != nil {
				return nil, errors.Wrap(err, "reloc %v(%#x) at %#x", rel.Symbol.Type, rel.Symbol.Value, rel.Offset)
			}

			resolved[rel.Symbol] = v
		}

		if rel.Offset < 0 || rel.Offset+8 > len(code) {
			return nil, errors.Wrap(ErrCorrupted, "reloc offset %#x out of code", rel.Offset)
		}

		p.PatchReloc(code, rel, v)
	}

	return code, nil
}

func (e *Entry) TlogAppend(b []byte) []byte {
	var enc tlwire.Encoder

	b = enc.AppendMap(b, 5)
	b = enc.AppendString(b, "address")
	b = enc.AppendUint64(b, e.Address)
	b = enc.AppendString(b, "start")
	b = enc.AppendUint64(b, e.Start)
	b = enc.AppendString(b, "end")
	b = enc.AppendUint64(b, e.End)
	b = enc.AppendString(b, "high_cq")
	b = enc.AppendBool(b, e.HighCq)
	b = enc.AppendKeyInt(b, "code", len(e.Code))

	return b
}
