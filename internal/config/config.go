// Package config defines the typed configuration consumed by the
// controller and its workers. The on-disk format is JSON; parsing,
// defaulting and validation all run off a single package-level field
// table rather than a runtime property registry.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
)

// Placeholder is the value a mandatory field carries in a freshly
// generated config file. A config with it in any mandatory field is
// incomplete and the controller must not start.
const Placeholder = "<replace me>"

var (
	ErrParse      = errors.New("config: parse error")
	ErrIncomplete = errors.New("config: incomplete")
	ErrInvalid    = errors.New("config: invalid value")
)

// IncompleteError names the offending field in user-facing terms, e.g.
// "Config is incomplete: Server Address".
type IncompleteError struct {
	Label string
}

func (e *IncompleteError) Error() string {
	return "Config is incomplete: " + e.Label
}

func (e *IncompleteError) Unwrap() error { return ErrIncomplete }

// General holds process-wide switches.
type General struct {
	Debug   bool `json:"debug" default:"false"`
	Verbose bool `json:"verbose" default:"false"`
}

// Transfer configures the remote session and the parallel-fetch engine.
type Transfer struct {
	RemoteAddress          string `json:"remote_address" default:"<replace me>"`
	RemoteUsername         string `json:"remote_username" default:"<replace me>"`
	RemotePassword         string `json:"remote_password" default:""`
	RemotePort             int    `json:"remote_port" default:"22"`
	RemotePath             string `json:"remote_path" default:"<replace me>"`
	LocalPath              string `json:"local_path" default:"<replace me>"`
	RemotePathToScanScript string `json:"remote_path_to_scan_script" default:"/tmp/rapidcopy"`
	UseSSHKey              bool   `json:"use_ssh_key" default:"false"`

	NumMaxParallelDownloads        int    `json:"num_max_parallel_downloads" default:"2"`
	NumMaxParallelFilesPerDownload int    `json:"num_max_parallel_files_per_download" default:"4"`
	NumMaxConnectionsPerRootFile   int    `json:"num_max_connections_per_root_file" default:"4"`
	NumMaxConnectionsPerDirFile    int    `json:"num_max_connections_per_dir_file" default:"4"`
	NumMaxTotalConnections         int    `json:"num_max_total_connections" default:"16"`
	UseTempFile                    bool   `json:"use_temp_file" default:"true"`
	RateLimit                      string `json:"rate_limit" default:""`
}

// Controller configures the reconciler tick and the scanners.
type Controller struct {
	IntervalMsRemoteScan      int    `json:"interval_ms_remote_scan" default:"30000"`
	IntervalMsLocalScan       int    `json:"interval_ms_local_scan" default:"10000"`
	IntervalMsDownloadingScan int    `json:"interval_ms_downloading_scan" default:"1000"`
	ExtractPath               string `json:"extract_path" default:""`
	UseLocalPathAsExtractPath bool   `json:"use_local_path_as_extract_path" default:"true"`
}

// Web configures the out-of-scope web front-end collaborator; the core
// only carries the values through.
type Web struct {
	Port int `json:"port" default:"8800"`
}

// AutoQueue configures the pattern-matcher collaborator.
type AutoQueue struct {
	Enabled      bool `json:"enabled" default:"false"`
	PatternsOnly bool `json:"patterns_only" default:"false"`
	AutoExtract  bool `json:"auto_extract" default:"false"`
}

// Validation configures the chunked validation engine.
type Validation struct {
	Enabled              bool   `json:"enabled" default:"true"`
	Algorithm            string `json:"algorithm" default:"sha256"`
	DefaultChunkSize     int64  `json:"default_chunk_size" default:"10485760"`
	MinChunkSize         int64  `json:"min_chunk_size" default:"1048576"`
	MaxChunkSize         int64  `json:"max_chunk_size" default:"104857600"`
	ValidateAfterChunk   bool   `json:"validate_after_chunk" default:"false"`
	ValidateAfterFile    bool   `json:"validate_after_file" default:"true"`
	MaxRetries           int    `json:"max_retries" default:"3"`
	RetryDelayMs         int    `json:"retry_delay_ms" default:"1000"`
	EnableAdaptiveSizing bool   `json:"enable_adaptive_sizing" default:"true"`
	ParallelValidation   int    `json:"parallel_validation" default:"0"`
	SettleDelaySecs      int    `json:"settle_delay_secs" default:"2"`
}

// Config is the full configuration tree. The controller treats it as
// read-only after Load.
type Config struct {
	General    General    `json:"general"`
	Transfer   Transfer   `json:"transfer"`
	Controller Controller `json:"controller"`
	Web        Web        `json:"web"`
	AutoQueue  AutoQueue  `json:"autoqueue"`
	Validation Validation `json:"validation"`
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindBool
)

// fieldSpec is one row of the validation table: which section and field
// it covers, whether the generated placeholder must have been replaced,
// and an optional range/content check. Labels are the user-facing names
// used in error messages.
type fieldSpec struct {
	section   string
	field     string
	label     string
	kind      fieldKind
	mandatory bool
	check     func(v reflect.Value) error
}

func positive(v reflect.Value) error {
	if v.Int() <= 0 {
		return fmt.Errorf("%w: must be positive, got %d", ErrInvalid, v.Int())
	}
	return nil
}

func nonNegative(v reflect.Value) error {
	if v.Int() < 0 {
		return fmt.Errorf("%w: must be non-negative, got %d", ErrInvalid, v.Int())
	}
	return nil
}

func port(v reflect.Value) error {
	if p := v.Int(); p < 1 || p > 65535 {
		return fmt.Errorf("%w: port out of range: %d", ErrInvalid, p)
	}
	return nil
}

func algorithm(v reflect.Value) error {
	switch v.String() {
	case "md5", "sha1", "sha256", "xxh128":
		return nil
	}
	return fmt.Errorf("%w: unknown algorithm %q", ErrInvalid, v.String())
}

var fieldSpecs = []fieldSpec{
	{section: "Transfer", field: "RemoteAddress", label: "Server Address", kind: kindString, mandatory: true},
	{section: "Transfer", field: "RemoteUsername", label: "Server Username", kind: kindString, mandatory: true},
	{section: "Transfer", field: "RemotePort", label: "Server Port", kind: kindInt, check: port},
	{section: "Transfer", field: "RemotePath", label: "Server Directory", kind: kindString, mandatory: true},
	{section: "Transfer", field: "LocalPath", label: "Local Directory", kind: kindString, mandatory: true},
	{section: "Transfer", field: "RemotePathToScanScript", label: "Server Script Path", kind: kindString, mandatory: true},
	{section: "Transfer", field: "NumMaxParallelDownloads", label: "Max Parallel Downloads", kind: kindInt, check: positive},
	{section: "Transfer", field: "NumMaxParallelFilesPerDownload", label: "Max Parallel Files", kind: kindInt, check: positive},
	{section: "Transfer", field: "NumMaxConnectionsPerRootFile", label: "Connections Per File", kind: kindInt, check: positive},
	{section: "Transfer", field: "NumMaxConnectionsPerDirFile", label: "Connections Per Directory File", kind: kindInt, check: positive},
	{section: "Transfer", field: "NumMaxTotalConnections", label: "Max Total Connections", kind: kindInt, check: positive},
	{section: "Controller", field: "IntervalMsRemoteScan", label: "Remote Scan Interval", kind: kindInt, check: positive},
	{section: "Controller", field: "IntervalMsLocalScan", label: "Local Scan Interval", kind: kindInt, check: positive},
	{section: "Controller", field: "IntervalMsDownloadingScan", label: "Active Scan Interval", kind: kindInt, check: positive},
	{section: "Web", field: "Port", label: "Web Port", kind: kindInt, check: port},
	{section: "Validation", field: "Algorithm", label: "Validation Algorithm", kind: kindString, check: algorithm},
	{section: "Validation", field: "DefaultChunkSize", label: "Default Chunk Size", kind: kindInt, check: positive},
	{section: "Validation", field: "MinChunkSize", label: "Min Chunk Size", kind: kindInt, check: positive},
	{section: "Validation", field: "MaxChunkSize", label: "Max Chunk Size", kind: kindInt, check: positive},
	{section: "Validation", field: "MaxRetries", label: "Max Retries", kind: kindInt, check: nonNegative},
	{section: "Validation", field: "RetryDelayMs", label: "Retry Delay", kind: kindInt, check: nonNegative},
	{section: "Validation", field: "SettleDelaySecs", label: "Settle Delay", kind: kindInt, check: nonNegative},
}

// New returns a Config with every field set to its default tag value.
// Mandatory fields default to the placeholder and must be replaced
// before Validate passes.
func New() *Config {
	cfg := &Config{}
	v := reflect.ValueOf(cfg).Elem()
	for i := 0; i < v.NumField(); i++ {
		section := v.Field(i)
		st := section.Type()
		for j := 0; j < st.NumField(); j++ {
			def, ok := st.Field(j).Tag.Lookup("default")
			if !ok {
				continue
			}
			f := section.Field(j)
			switch f.Kind() {
			case reflect.String:
				f.SetString(def)
			case reflect.Bool:
				b, _ := strconv.ParseBool(def)
				f.SetBool(b)
			case reflect.Int, reflect.Int64:
				n, _ := strconv.ParseInt(def, 10, 64)
				f.SetInt(n)
			}
		}
	}
	return cfg
}

// Load reads JSON from r over a defaulted Config. Unknown fields are
// rejected so a typo'd key fails loudly instead of silently keeping the
// default.
func Load(r io.Reader) (*Config, error) {
	cfg := New()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return cfg, nil
}

// LoadFile is Load on the named file.
func LoadFile(path string) (*Config, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return Load(fd)
}

// Save writes the config back out as indented JSON. Round-trips with
// Load.
func (c *Config) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// Validate walks the field table. The first incomplete mandatory field
// produces an IncompleteError; the first out-of-range value produces an
// ErrInvalid-wrapped error naming the field label.
func (c *Config) Validate() error {
	root := reflect.ValueOf(c).Elem()
	for _, spec := range fieldSpecs {
		f := root.FieldByName(spec.section).FieldByName(spec.field)
		if spec.mandatory && spec.kind == kindString {
			if s := f.String(); s == "" || s == Placeholder {
				return &IncompleteError{Label: spec.label}
			}
		}
		if spec.check != nil {
			if err := spec.check(f); err != nil {
				return fmt.Errorf("%s: %w", spec.label, err)
			}
		}
	}
	// Cross-field constraints the per-field table cannot express.
	val := c.Validation
	if val.MinChunkSize > val.DefaultChunkSize || val.DefaultChunkSize > val.MaxChunkSize {
		return fmt.Errorf("%w: chunk sizes must satisfy min <= default <= max", ErrInvalid)
	}
	return nil
}
