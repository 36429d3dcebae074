// Package config loads run files: the JSON or YAML description of one
// measurement, converted into a sweep.Plan.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/coupling.report/internal/device"
	"github.com/banshee-data/coupling.report/internal/grid"
	"github.com/banshee-data/coupling.report/internal/sweep"
	"github.com/banshee-data/coupling.report/internal/units"
)

// MaxFileSize bounds run files.
const MaxFileSize = 1 * 1024 * 1024

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid run configuration")

// Format is a run file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}
}

// RunConfig is a run file. Axes are "start:stop:step" strings (a single
// number for a fixed axis); omitted fields take the defaults of the Get*
// methods.
type RunConfig struct {
	Root        *string  `json:"root,omitempty" yaml:"root,omitempty"`
	Temperature *string  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Field       *string  `json:"field,omitempty" yaml:"field,omitempty"`
	SParameters []string `json:"s_parameters,omitempty" yaml:"s_parameters,omitempty"`

	// Loop is "start:stop:rate:b1,b2,..." or "off".
	Loop *string `json:"loop,omitempty" yaml:"loop,omitempty"`

	ZeroFieldFirst *bool `json:"zero_field_first,omitempty" yaml:"zero_field_first,omitempty"`

	Instrument    *InstrumentConfig    `json:"instrument,omitempty" yaml:"instrument,omitempty"`
	Normalization *NormalizationConfig `json:"normalization,omitempty" yaml:"normalization,omitempty"`
	Timing        *TimingConfig        `json:"timing,omitempty" yaml:"timing,omitempty"`
}

// InstrumentConfig sets up the analyser before the run. Frequencies are
// in GHz.
type InstrumentConfig struct {
	SParameter    *string  `json:"s_parameter,omitempty" yaml:"s_parameter,omitempty"`
	PowerDBm      *float64 `json:"power_dbm,omitempty" yaml:"power_dbm,omitempty"`
	IFBandwidthHz *float64 `json:"if_bandwidth_hz,omitempty" yaml:"if_bandwidth_hz,omitempty"`
	StartGHz      *float64 `json:"start_ghz,omitempty" yaml:"start_ghz,omitempty"`
	StopGHz       *float64 `json:"stop_ghz,omitempty" yaml:"stop_ghz,omitempty"`
	Points        *int     `json:"points,omitempty" yaml:"points,omitempty"`
	Averages      *int     `json:"averages,omitempty" yaml:"averages,omitempty"`
}

// NormalizationConfig uses the compact selector: 0 none, -1 split, n >= 1
// subtract column n.
type NormalizationConfig struct {
	Code       *int     `json:"code,omitempty" yaml:"code,omitempty"`
	SplitPoint *int     `json:"split_point,omitempty" yaml:"split_point,omitempty"`
	Bias       *float64 `json:"bias,omitempty" yaml:"bias,omitempty"`
}

// TimingConfig overrides sweep.DefaultTiming. Durations are strings like
// "500ms".
type TimingConfig struct {
	PostCommandDelay            *string  `json:"post_command_delay,omitempty" yaml:"post_command_delay,omitempty"`
	FieldSettleDelay            *string  `json:"field_settle_delay,omitempty" yaml:"field_settle_delay,omitempty"`
	PrimeSettleDelay            *string  `json:"prime_settle_delay,omitempty" yaml:"prime_settle_delay,omitempty"`
	PostTemperatureCommandDelay *string  `json:"post_temperature_command_delay,omitempty" yaml:"post_temperature_command_delay,omitempty"`
	TemperatureSettleDelay      *string  `json:"temperature_settle_delay,omitempty" yaml:"temperature_settle_delay,omitempty"`
	SettleTimeout               *string  `json:"settle_timeout,omitempty" yaml:"settle_timeout,omitempty"`
	AveragingMultiplier         *float64 `json:"averaging_multiplier,omitempty" yaml:"averaging_multiplier,omitempty"`
	FieldRate                   *float64 `json:"field_rate,omitempty" yaml:"field_rate,omitempty"`
	TemperatureRate             *float64 `json:"temperature_rate,omitempty" yaml:"temperature_rate,omitempty"`
	ApproachEstimate            *bool    `json:"approach_estimate,omitempty" yaml:"approach_estimate,omitempty"`
	ApproachRate                *float64 `json:"approach_rate,omitempty" yaml:"approach_rate,omitempty"`
	ApproachPad                 *string  `json:"approach_pad,omitempty" yaml:"approach_pad,omitempty"`
}

// Load reads and validates a run file.
func Load(path string) (*RunConfig, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()
	return Decode(f, format)
}

// Decode parses and validates a run file. Unknown keys are rejected.
func Decode(r io.Reader, format Format) (*RunConfig, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("config too large (max %d bytes)", MaxFileSize)
	}

	cfg := &RunConfig{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every set field without building the plan.
func (c *RunConfig) Validate() error {
	_, err := c.ToPlan()
	return err
}

// GetRoot returns the dataset root, default "data".
func (c *RunConfig) GetRoot() string {
	if c.Root == nil || strings.TrimSpace(*c.Root) == "" {
		return "data"
	}
	return *c.Root
}

// GetSParameters returns the measured channels, default S21 only.
func (c *RunConfig) GetSParameters() []string {
	if len(c.SParameters) == 0 {
		return []string{"S21"}
	}
	return c.SParameters
}

// GetZeroFieldFirst defaults to false.
func (c *RunConfig) GetZeroFieldFirst() bool {
	return c.ZeroFieldFirst != nil && *c.ZeroFieldFirst
}

// ToPlan converts the run file into a validated plan.
func (c *RunConfig) ToPlan() (sweep.Plan, error) {
	if c.Temperature == nil {
		return sweep.Plan{}, fmt.Errorf("%w: temperature is required", ErrInvalidConfig)
	}
	if c.Field == nil {
		return sweep.Plan{}, fmt.Errorf("%w: field is required", ErrInvalidConfig)
	}

	temp, err := sweep.ParseAxisSpec(*c.Temperature)
	if err != nil {
		return sweep.Plan{}, fmt.Errorf("%w: temperature: %w", ErrInvalidConfig, err)
	}
	field, err := sweep.ParseAxisSpec(*c.Field)
	if err != nil {
		return sweep.Plan{}, fmt.Errorf("%w: field: %w", ErrInvalidConfig, err)
	}
	var loop sweep.LoopSpec
	if c.Loop != nil {
		if loop, err = sweep.ParseLoopSpec(*c.Loop); err != nil {
			return sweep.Plan{}, fmt.Errorf("%w: loop: %w", ErrInvalidConfig, err)
		}
	}
	norm, err := c.Normalization.normalization()
	if err != nil {
		return sweep.Plan{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	timing, err := c.Timing.timing()
	if err != nil {
		return sweep.Plan{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	inst, err := c.Instrument.options()
	if err != nil {
		return sweep.Plan{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	plan := sweep.Plan{
		Root:           c.GetRoot(),
		Temperature:    temp,
		Loop:           loop,
		Field:          field,
		SParameters:    c.GetSParameters(),
		Instrument:     inst,
		Normalization:  norm,
		ZeroFieldFirst: c.GetZeroFieldFirst(),
		Timing:         timing,
	}
	if err := plan.Validate(); err != nil {
		return sweep.Plan{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return plan, nil
}

func (n *NormalizationConfig) normalization() (grid.Normalization, error) {
	if n == nil || n.Code == nil {
		return grid.None(), nil
	}
	split, bias := 0, 0.0
	if n.SplitPoint != nil {
		split = *n.SplitPoint
	}
	if n.Bias != nil {
		bias = *n.Bias
	}
	if *n.Code == -1 && split < 0 {
		return grid.Normalization{}, fmt.Errorf("split_point must be non-negative, got %d", split)
	}
	return grid.FromCode(*n.Code, split, bias)
}

func (t *TimingConfig) timing() (sweep.Timing, error) {
	out := sweep.DefaultTiming()
	if t == nil {
		return out, nil
	}
	for _, d := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"post_command_delay", t.PostCommandDelay, &out.PostCommandDelay},
		{"field_settle_delay", t.FieldSettleDelay, &out.FieldSettleDelay},
		{"prime_settle_delay", t.PrimeSettleDelay, &out.PrimeSettleDelay},
		{"post_temperature_command_delay", t.PostTemperatureCommandDelay, &out.PostTemperatureCommandDelay},
		{"temperature_settle_delay", t.TemperatureSettleDelay, &out.TemperatureSettleDelay},
		{"settle_timeout", t.SettleTimeout, &out.SettleTimeout},
		{"approach_pad", t.ApproachPad, &out.ApproachPad},
	} {
		if d.src == nil || *d.src == "" {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return sweep.Timing{}, fmt.Errorf("invalid %s '%s': %w", d.name, *d.src, err)
		}
		*d.dst = v
	}
	setFloat(&out.AveragingMultiplier, t.AveragingMultiplier)
	setFloat(&out.FieldRate, t.FieldRate)
	setFloat(&out.TemperatureRate, t.TemperatureRate)
	setFloat(&out.ApproachRate, t.ApproachRate)
	if t.ApproachEstimate != nil {
		out.ApproachEstimate = *t.ApproachEstimate
	}
	return out, nil
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func (i *InstrumentConfig) options() (device.InstrumentOptions, error) {
	if i == nil {
		return device.InstrumentOptions{}, nil
	}
	opts := device.InstrumentOptions{
		SParameter:     i.SParameter,
		PowerDBm:       i.PowerDBm,
		IFBandwidthHz:  i.IFBandwidthHz,
		PointCount:     i.Points,
		AveragingCount: i.Averages,
	}
	if i.StartGHz != nil {
		hz := units.GHzToHz(*i.StartGHz)
		opts.StartFreqHz = &hz
	}
	if i.StopGHz != nil {
		hz := units.GHzToHz(*i.StopGHz)
		opts.StopFreqHz = &hz
	}
	if i.StartGHz != nil && i.StopGHz != nil && *i.StartGHz > *i.StopGHz {
		return opts, fmt.Errorf("start_ghz %g is above stop_ghz %g", *i.StartGHz, *i.StopGHz)
	}
	if i.Points != nil && *i.Points < 1 {
		return opts, fmt.Errorf("points must be positive, got %d", *i.Points)
	}
	if i.Averages != nil && *i.Averages < 0 {
		return opts, fmt.Errorf("averages must be non-negative, got %d", *i.Averages)
	}
	if i.IFBandwidthHz != nil && *i.IFBandwidthHz <= 0 {
		return opts, fmt.Errorf("if_bandwidth_hz must be positive, got %g", *i.IFBandwidthHz)
	}
	return opts, nil
}
