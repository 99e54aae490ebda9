package ble

import "errors"

// Device Information service and characteristic UUIDs (16-bit, assigned numbers).
const (
	DeviceInfoServiceUUID = "180a"
	ManufacturerNameUUID  = "2a29"
	ModelNumberUUID       = "2a24"
	SerialNumberUUID      = "2a25"
)

// ErrInvalidOffset is returned by a read whose offset is past the value.
var ErrInvalidOffset = errors.New("ble: invalid read offset")

// DeviceInfo holds the static fields of the Device Information service.
type DeviceInfo struct {
	VendorName   string
	DeviceName   string
	DeviceSerial string
}

// IsZero reports whether no field is set.
func (d DeviceInfo) IsZero() bool {
	return d.VendorName == "" && d.DeviceName == "" && d.DeviceSerial == ""
}

// DeviceInfoService builds a read-only Device Information service holding
// only the non-empty fields of d. It returns false when d is empty.
func DeviceInfoService(d DeviceInfo) (Service, bool) {
	if d.IsZero() {
		return Service{}, false
	}
	svc := Service{UUID: DeviceInfoServiceUUID}
	for _, f := range []struct {
		uuid  string
		value string
	}{
		{ManufacturerNameUUID, d.VendorName},
		{ModelNumberUUID, d.DeviceName},
		{SerialNumberUUID, d.DeviceSerial},
	} {
		if f.value == "" {
			continue
		}
		svc.Characteristics = append(svc.Characteristics, Characteristic{
			UUID:       f.uuid,
			Properties: PropRead,
			OnRead:     staticRead([]byte(f.value)),
		})
	}
	return svc, true
}

func staticRead(value []byte) func(offset int) ([]byte, error) {
	return func(offset int) ([]byte, error) {
		if offset < 0 || offset >= len(value) {
			return nil, ErrInvalidOffset
		}
		return value[offset:], nil
	}
}
