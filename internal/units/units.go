// Package units provides the physical units used by the sweep engine and the
// label formats derived from them.
package units

import "strconv"

// Physical quantity units.
const (
	Oersted = "Oe"
	Kelvin  = "K"
	Hertz   = "Hz"
	Decibel = "dBm"
)

// HzPerGHz converts instrument frequencies to the grid's GHz axis.
const HzPerGHz = 1e9

// HzToGHz converts a frequency from Hz to GHz.
func HzToGHz(hz float64) float64 {
	return hz / HzPerGHz
}

// GHzToHz converts a frequency from GHz to Hz.
func GHzToHz(ghz float64) float64 {
	return ghz * HzPerGHz
}

// FormatGeneral formats v with the shortest general representation, the
// same form used for dataset file stems and CSV cells ("%g").
func FormatGeneral(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// TemperatureLabel renders a measured temperature in kelvin as a folder
// label rounded to one decimal, e.g. 4.2 -> "4.2k", 300 -> "300.0k".
func TemperatureLabel(kelvin float64) string {
	return strconv.FormatFloat(kelvin, 'f', 1, 64) + "k"
}
