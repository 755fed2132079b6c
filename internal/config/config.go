// Package config holds the tunable parameters of a tree: block layout,
// fan-out bounds and the in-memory sample size. Validation is explicit
// (Validate fails instead of clamping), with file loading grounded on
// vcfg.go's JSON/TOML dual decode and the env-first overlay style
// (RTREE_* variables, loaded via a local .env the way cc-backend's own
// go.mod pulls in godotenv for).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sisatech/toml"
)

// envPrefix namespaces the environment-variable overlay: RTREE_DIMS,
// RTREE_BLOCK_SIZE, and so on, one per Tree field's json tag.
const envPrefix = "RTREE_"

// Tree carries every size/fan-out parameter spec.md's data model names.
// Zero value is not valid; use Default() and then override fields.
type Tree struct {
	// Dims is the number of coordinates per point.
	Dims int `json:"dims" toml:"dims"`

	// BlockSize is the fixed size, in bytes, of every allocation unit
	// in the backing .data file.
	BlockSize int `json:"block_size" toml:"block_size"`

	// FillRatio controls how full a freshly built IO block is left
	// (spec.md default 0.7): leaving headroom avoids an immediate
	// split on the first insert after a bulk build.
	FillRatio float64 `json:"fill_ratio" toml:"fill_ratio"`

	// IOFanoutMin/IOFanoutMax are validated but not read by the tree:
	// io-internal fan-out comes from the fixed constants in package node.
	IOFanoutMin int `json:"io_fanout_min" toml:"io_fanout_min"`
	IOFanoutMax int `json:"io_fanout_max" toml:"io_fanout_max"`

	// MemFanoutMin/MemFanoutMax bound mem-internal node fan-out.
	// Invariant: MemFanoutMin == MemFanoutMax/4.
	MemFanoutMin int `json:"mem_fanout_min" toml:"mem_fanout_min"`
	MemFanoutMax int `json:"mem_fanout_max" toml:"mem_fanout_max"`

	// MemLeafBufferCapacity is validated but not read by the tree: a
	// mem-leaf flushes once its buffer holds more than one block's
	// worth of points (node.MemLeafNode.BufferCapacity).
	MemLeafBufferCapacity int `json:"mem_leaf_buffer_capacity" toml:"mem_leaf_buffer_capacity"`

	// SampleSize is S, the fixed per-node sample buffer capacity used
	// throughout the accelerated sample cursor and the sample builder.
	SampleSize int `json:"sample_size" toml:"sample_size"`

	// MemoryBudgetBlocks is not read when a tree is opened; the
	// loader's budget comes from rtree.Options.MemoryBudgetBytes.
	MemoryBudgetBlocks int `json:"memory_budget_blocks" toml:"memory_budget_blocks"`

	// CachedBlocks is recorded in the io-layer sidecar header; the
	// block manager keeps no page cache and does not read it.
	CachedBlocks int `json:"cached_blocks" toml:"cached_blocks"`

	// BloomFalsePositiveRate configures the membership filter (A4).
	BloomFalsePositiveRate float64 `json:"bloom_false_positive_rate" toml:"bloom_false_positive_rate"`

	// StaleErasesBeforeFallback is how many erases the membership
	// filter tolerates before Find stops trusting negative answers.
	StaleErasesBeforeFallback int `json:"stale_erases_before_fallback" toml:"stale_erases_before_fallback"`
}

// Default returns spec.md's documented defaults.
func Default() Tree {
	return Tree{
		Dims:                      3,
		BlockSize:                 8192,
		FillRatio:                 0.7,
		IOFanoutMin:               4,
		IOFanoutMax:               16,
		MemFanoutMin:              4,
		MemFanoutMax:              16,
		MemLeafBufferCapacity:     64,
		SampleSize:                64,
		MemoryBudgetBlocks:        4096,
		CachedBlocks:              4096,
		BloomFalsePositiveRate:    0.01,
		StaleErasesBeforeFallback: 256,
	}
}

// Validate fails fast instead of silently clamping, matching the rest
// of this package's error-handling idiom.
func (t Tree) Validate() error {
	if t.Dims <= 0 {
		return fmt.Errorf("config: dims must be positive, got %d", t.Dims)
	}
	if t.BlockSize <= 64 {
		return fmt.Errorf("config: block_size must hold at least one node entry, got %d", t.BlockSize)
	}
	if t.FillRatio <= 0 || t.FillRatio > 1 {
		return fmt.Errorf("config: fill_ratio must be in (0, 1], got %f", t.FillRatio)
	}
	if t.IOFanoutMin < 2 || t.IOFanoutMin > t.IOFanoutMax {
		return fmt.Errorf("config: invalid io fanout bounds [%d, %d]", t.IOFanoutMin, t.IOFanoutMax)
	}
	if t.MemFanoutMax <= 0 || t.MemFanoutMin != t.MemFanoutMax/4 {
		return fmt.Errorf("config: mem_fanout_min must equal mem_fanout_max/4, got [%d, %d]", t.MemFanoutMin, t.MemFanoutMax)
	}
	if t.SampleSize <= 0 {
		return fmt.Errorf("config: sample_size must be positive, got %d", t.SampleSize)
	}
	if t.MemLeafBufferCapacity <= 0 {
		return fmt.Errorf("config: mem_leaf_buffer_capacity must be positive, got %d", t.MemLeafBufferCapacity)
	}
	return nil
}

// Load reads a JSON or TOML config file (selected by extension,
// defaulting to JSON) and overlays it on Default(), then overlays any
// RTREE_* environment variables on top of that — a local .env file is
// loaded first, if present, so CLI runs can pin overrides without
// exporting them into the shell. Missing file is not an error: callers
// get the defaults (still subject to the env overlay).
func Load(path string) (Tree, error) {
	t := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Tree{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := toml.Unmarshal(data, &t); err != nil {
				return Tree{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, &t); err != nil {
			return Tree{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := overlayEnv(&t); err != nil {
		return Tree{}, err
	}
	if err := t.Validate(); err != nil {
		return Tree{}, err
	}
	return t, nil
}

// overlayEnv applies RTREE_<FIELD> environment variables over t, one
// per field's json tag uppercased (RTREE_BLOCK_SIZE for BlockSize, and
// so on). A local .env is loaded into the process environment first,
// if one exists, via godotenv; a missing .env is not an error.
func overlayEnv(t *Tree) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: loading .env: %w", err)
	}

	v := reflect.ValueOf(t).Elem()
	ty := v.Type()
	for i := 0; i < ty.NumField(); i++ {
		tag := ty.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name := envPrefix + strings.ToUpper(tag)
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		field := v.Field(i)
		switch field.Kind() {
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("config: parsing %s=%q: %w", name, raw, err)
			}
			field.SetInt(int64(n))
		case reflect.Float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("config: parsing %s=%q: %w", name, raw, err)
			}
			field.SetFloat(f)
		default:
			return fmt.Errorf("config: field %s has unsupported kind %s for env overlay", tag, field.Kind())
		}
	}
	return nil
}
