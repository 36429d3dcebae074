package units

import (
	"math"
	"testing"
)

func TestHzToGHz(t *testing.T) {
	tests := []struct {
		name string
		hz   float64
		want float64
	}{
		{"2 GHz floor", 2e9, 2},
		{"sub-GHz", 5e8, 0.5},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HzToGHz(tt.hz); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("HzToGHz(%g) = %g, want %g", tt.hz, got, tt.want)
			}
			if back := GHzToHz(HzToGHz(tt.hz)); math.Abs(back-tt.hz) > 1e-3 {
				t.Errorf("GHzToHz(HzToGHz(%g)) = %g", tt.hz, back)
			}
		})
	}
}

func TestFormatGeneral(t *testing.T) {
	tests := []struct {
		v    float64
		want string
	}{
		{0, "0"},
		{200, "200"},
		{-200, "-200"},
		{12.5, "12.5"},
		{2.5e9, "2.5e+09"},
		{-0.1, "-0.1"},
	}
	for _, tt := range tests {
		if got := FormatGeneral(tt.v); got != tt.want {
			t.Errorf("FormatGeneral(%v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestTemperatureLabel(t *testing.T) {
	tests := []struct {
		k    float64
		want string
	}{
		{300, "300.0k"},
		{4.2, "4.2k"},
		{77.349, "77.3k"},
		{1.96, "2.0k"},
	}
	for _, tt := range tests {
		if got := TemperatureLabel(tt.k); got != tt.want {
			t.Errorf("TemperatureLabel(%v) = %q, want %q", tt.k, got, tt.want)
		}
	}
}
