// Package config is the translator configuration, read from a TOML file.
//
//	[translator]
//	workers = 0            # 0 picks a count from the number of CPUs
//	use_dispatch_loop = true
//	use_jump_table = true
//	dynamic_table = true
//	synchronize = true
//
//	[cache]
//	size = "256MiB"
//	alignment = 16
//
//	[jump_table]
//	static_entries = 1048576
//	dynamic_sites = 65536
//	dynamic_elems = 4
//	counters = 65536
//
//	[ptc]
//	enabled = true
//	path = "armjit.ptc"
//	profile_path = "armjit.prof"
//	prefetch = 64
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"
)

type (
	Config struct {
		Translator Translator `toml:"translator"`
		Cache      Cache      `toml:"cache"`
		JumpTable  JumpTable  `toml:"jump_table"`
		PTC        PTC        `toml:"ptc"`
	}

	Translator struct {
		Workers int `toml:"workers"`

		UseDispatchLoop bool `toml:"use_dispatch_loop"`
		UseJumpTable    bool `toml:"use_jump_table"`
		DynamicTable    bool `toml:"dynamic_table"`
		Synchronize     bool `toml:"synchronize"`

		// AllowLcqInFunctionTable publishes baseline code to the tables too.
		// Such code counts its own calls in jump_table.counters.
		AllowLcqInFunctionTable bool `toml:"allow_lcq_in_function_table"`

		Backend string `toml:"backend"`
	}

	Cache struct {
		Size      Size `toml:"size"`
		Alignment int  `toml:"alignment"`
	}

	JumpTable struct {
		StaticEntries int `toml:"static_entries"`
		DynamicSites  int `toml:"dynamic_sites"`
		DynamicElems  int `toml:"dynamic_elems"`

		Counters int `toml:"counters"`
	}

	PTC struct {
		Enabled     bool   `toml:"enabled"`
		Path        string `toml:"path"`
		ProfilePath string `toml:"profile_path"`

		// Prefetch is how many profiled functions are translated on start.
		Prefetch int `toml:"prefetch"`
	}

	// Size is a byte count written either as a number or as "64MiB".
	Size uint64
)

const MaxWorkers = 64

var (
	ErrInvalid   = errors.New("invalid config")
	ErrUndecoded = errors.New("unknown config keys")
)

func Default() *Config {
	return &Config{
		Translator: Translator{
			UseDispatchLoop: true,
			UseJumpTable:    true,
			DynamicTable:    true,
			Synchronize:     true,
			Backend:         "interp",
		},
		Cache: Cache{
			Size:      256 << 20,
			Alignment: 16,
		},
		JumpTable: JumpTable{
			StaticEntries: 1 << 20,
			DynamicSites:  1 << 16,
			DynamicElems:  4,
			Counters:      1 << 16,
		},
		PTC: PTC{
			Path:        "armjit.ptc",
			ProfilePath: "armjit.prof",
			Prefetch:    64,
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	c := Default()

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrap(err, "decode %v", path)
	}

	if keys := md.Undecoded(); len(keys) != 0 {
		return nil, errors.Wrap(ErrUndecoded, "%v: %v", path, keys)
	}

	err = c.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "%v", path)
	}

	return c, nil
}

// Parse is Load for in-memory documents.
func Parse(data string) (*Config, error) {
	c := Default()

	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	if keys := md.Undecoded(); len(keys) != 0 {
		return nil, errors.Wrap(ErrUndecoded, "%v", keys)
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	t := c.Translator

	if t.Workers < 0 || t.Workers > MaxWorkers {
		return errors.Wrap(ErrInvalid, "translator.workers %d out of [0, %d]", t.Workers, MaxWorkers)
	}

	if t.Backend == "" {
		return errors.Wrap(ErrInvalid, "translator.backend is empty")
	}

	if t.DynamicTable && !t.UseJumpTable {
		return errors.Wrap(ErrInvalid, "translator.dynamic_table needs use_jump_table")
	}

	if c.Cache.Alignment <= 0 || c.Cache.Alignment&(c.Cache.Alignment-1) != 0 {
		return errors.Wrap(ErrInvalid, "cache.alignment %d is not a power of two", c.Cache.Alignment)
	}

	if c.Cache.Size < 1<<16 {
		return errors.Wrap(ErrInvalid, "cache.size %v is too small", c.Cache.Size)
	}

	j := c.JumpTable

	if t.UseJumpTable && j.StaticEntries <= 0 {
		return errors.Wrap(ErrInvalid, "jump_table.static_entries must be positive")
	}

	if t.DynamicTable && (j.DynamicSites <= 0 || j.DynamicElems <= 0) {
		return errors.Wrap(ErrInvalid, "jump_table.dynamic_sites and dynamic_elems must be positive")
	}

	if t.AllowLcqInFunctionTable && j.Counters <= 0 {
		return errors.Wrap(ErrInvalid, "jump_table.counters must be positive")
	}

	if c.PTC.Enabled && c.PTC.Path == "" {
		return errors.Wrap(ErrInvalid, "ptc.path is empty")
	}

	if c.PTC.Prefetch < 0 {
		return errors.Wrap(ErrInvalid, "ptc.prefetch is negative")
	}

	return nil
}

// UnmarshalText accepts "64MiB", "1GB" or a plain byte count.
func (s *Size) UnmarshalText(b []byte) error {
	v, err := humanize.ParseBytes(string(b))
	if err != nil {
		return errors.Wrap(err, "size %q", b)
	}

	*s = Size(v)

	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

func (s Size) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, s.String())
}
