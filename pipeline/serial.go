package pipeline

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// DefaultBaudRate is used when OpenSerial is given a non-positive rate.
const DefaultBaudRate = 115200

// OpenSerial opens a serial port as a pipeline. readTimeout bounds each read
// so an idle line yields zero-length reads instead of blocking forever.
func OpenSerial(portName string, baud int, readTimeout time.Duration) (*Stream, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, newError("open", portName, err)
	}
	if readTimeout > 0 {
		if err := port.SetReadTimeout(readTimeout); err != nil {
			_ = port.Close()
			return nil, newError("open", portName, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "OpenSerial",
		"port":         portName,
		"baud":         baud,
		"read_timeout": readTimeout,
	}).Info("Serial pipeline opened")

	return NewStream(port, WithName(portName)), nil
}
