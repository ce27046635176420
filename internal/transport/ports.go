package transport

import (
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	// Board is a guess from the USB vendor ID.
	Board string `json:"board,omitempty"`
}

// Description is a one-line summary for pickers.
func (p PortInfo) Description() string {
	var parts []string
	if p.Board != "" {
		parts = append(parts, p.Board)
	}
	if p.Product != "" {
		parts = append(parts, p.Product)
	}
	if p.USB {
		parts = append(parts, p.VID+":"+p.PID)
	}
	return strings.Join(parts, ", ")
}

// Vendors commonly found on MicroPython boards, by USB VID.
var knownVendors = map[string]string{
	"2E8A": "Raspberry Pi",
	"303A": "Espressif",
	"F055": "MicroPython",
	"10C4": "CP210x bridge",
	"1A86": "CH340 bridge",
	"0403": "FTDI bridge",
	"239A": "Adafruit",
	"1366": "SEGGER J-Link",
}

var listDetailed = enumerator.GetDetailedPortsList

// List returns the serial ports on the host, likely boards first.
func List() ([]PortInfo, error) {
	details, err := listDetailed()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          strings.ToUpper(d.VID),
			PID:          strings.ToUpper(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}
		info.Board = knownVendors[info.VID]
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Board != "") != (out[j].Board != "") {
			return out[i].Board != ""
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
