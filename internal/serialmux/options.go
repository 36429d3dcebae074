package serialmux

import (
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is used when no baud rate is configured. Magnet power
// supplies, cryostat controllers and GPIB-USB bridges commonly ship at 9600.
const DefaultBaudRate = 9600

// PortOptions are the line settings of one serial link.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var parityNames = map[string]string{"NONE": "N", "EVEN": "E", "ODD": "O"}

// ParsePortOptions reads the usual instrument-manual notation
// "baud[,frame]" where frame is data bits, parity letter and stop bits,
// e.g. "9600,8N1" or "19200,7E2". A bare baud rate keeps 8N1.
func ParsePortOptions(spec string) (PortOptions, error) {
	baud, frame, _ := strings.Cut(strings.TrimSpace(spec), ",")
	var o PortOptions
	if baud != "" {
		v, err := strconv.Atoi(baud)
		if err != nil {
			return o, fmt.Errorf("invalid baud rate %q", baud)
		}
		o.BaudRate = v
	}
	if frame != "" {
		if len(frame) != 3 {
			return o, fmt.Errorf("invalid frame %q: want e.g. 8N1", frame)
		}
		o.DataBits = int(frame[0] - '0')
		o.Parity = frame[1:2]
		o.StopBits = int(frame[2] - '0')
	}
	return o.Normalize()
}

// Normalize fills unset fields with 8N1 at DefaultBaudRate and rejects
// settings the serial driver cannot open.
func (o PortOptions) Normalize() (PortOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	p := strings.ToUpper(strings.TrimSpace(o.Parity))
	if long, ok := parityNames[p]; ok {
		p = long
	}
	if p == "" {
		p = "N"
	}

	switch {
	case o.DataBits < 5 || o.DataBits > 8:
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	case o.StopBits != 1 && o.StopBits != 2:
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}
	if _, ok := parities[p]; !ok {
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	o.Parity = p
	return o, nil
}

// String formats normalized options as "9600,8N1".
func (o PortOptions) String() string {
	return fmt.Sprintf("%d,%d%s%d", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	stop := serial.OneStopBit
	if n.StopBits == 2 {
		stop = serial.TwoStopBits
	}
	return &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		Parity:   parities[n.Parity],
		StopBits: stop,
	}, nil
}
