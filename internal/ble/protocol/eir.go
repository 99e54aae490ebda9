// internal/ble/protocol/eir.go
package protocol

import (
	"errors"
	"fmt"
)

// EIR AD types used by the custom advertisement.
const (
	adTypeServiceData    = 0x16
	adTypeShortLocalName = 0x08
)

// MaxEIRLength is the legacy advertising/scan-response payload limit.
const MaxEIRLength = 31

var errEIRTooLong = errors.New("protocol: EIR segment exceeds 31 bytes")

// EIR is a raw advertisement plus scan-response payload pair.
type EIR struct {
	Advertisement []byte
	ScanResponse  []byte
}

// EncodeEIR builds the custom advertisement segments:
//
//	advertisement: [2][0x00][0x16][len(payload)][payload...]
//	scan response: [1+len(name)][0x08][name...]
func EncodeEIR(name string, payload []byte) (EIR, error) {
	if len(payload) > 0xff || 4+len(payload) > MaxEIRLength {
		return EIR{}, fmt.Errorf("%w: advertisement needs %d bytes", errEIRTooLong, 4+len(payload))
	}
	if 2+len(name) > MaxEIRLength {
		return EIR{}, fmt.Errorf("%w: scan response needs %d bytes", errEIRTooLong, 2+len(name))
	}

	adv := make([]byte, 0, 4+len(payload))
	adv = append(adv, 2, 0x00, adTypeServiceData, byte(len(payload)))
	adv = append(adv, payload...)

	scan := make([]byte, 0, 2+len(name))
	scan = append(scan, byte(1+len(name)), adTypeShortLocalName)
	scan = append(scan, name...)

	return EIR{Advertisement: adv, ScanResponse: scan}, nil
}

// DecodeEIR reverses EncodeEIR. Drivers whose stack cannot take raw EIR
// bytes use it to recover the name and payload.
func DecodeEIR(e EIR) (name string, payload []byte, err error) {
	adv := e.Advertisement
	if len(adv) < 4 || adv[0] != 2 || adv[1] != 0x00 || adv[2] != adTypeServiceData {
		return "", nil, fmt.Errorf("protocol: bad advertisement header % x", adv)
	}
	n := int(adv[3])
	if len(adv) != 4+n {
		return "", nil, fmt.Errorf("protocol: advertisement length %d, header says %d", len(adv)-4, n)
	}

	scan := e.ScanResponse
	if len(scan) < 2 || scan[1] != adTypeShortLocalName || int(scan[0]) != len(scan)-1 {
		return "", nil, fmt.Errorf("protocol: bad scan response % x", scan)
	}
	return string(scan[2:]), adv[4:], nil
}
