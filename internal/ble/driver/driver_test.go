package driver

import (
	"testing"

	"github.com/chaz8081/blejsond/internal/ble"
)

func TestCanonicalUUID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"180a", "0000180a-0000-1000-8000-00805f9b34fb", false},
		{"180A", "0000180a-0000-1000-8000-00805f9b34fb", false},
		{"19b10000e8f2537e4f6cd104768a1214", "19b10000-e8f2-537e-4f6c-d104768a1214", false},
		{"19B10000-E8F2-537E-4F6C-D104768A1214", "19b10000-e8f2-537e-4f6c-d104768a1214", false},
		{"zzzz", "", true},
		{"12345", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalUUID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("canonicalUUID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("canonicalUUID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAdapterIndex(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"hci0", 0, false},
		{"hci12", 12, false},
		{"hci", 0, true},
		{"usb0", 0, true},
		{"hci-1", 0, true},
	}
	for _, tt := range tests {
		got, err := adapterIndex(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("adapterIndex(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("adapterIndex(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNewUnknownDriver(t *testing.T) {
	if _, err := New("corebluetooth", ""); err == nil {
		t.Error("New(corebluetooth) should fail")
	}
	if _, err := New(KindGatt, "bogus"); err == nil {
		t.Error("New(gatt, bogus) should fail")
	}
}

func TestNewKnownDrivers(t *testing.T) {
	for _, kind := range []string{KindTinyGo, KindGatt} {
		f, err := New(kind, "")
		if err != nil {
			t.Fatalf("New(%q) error = %v", kind, err)
		}
		if f == nil {
			t.Fatalf("New(%q) returned nil factory", kind)
		}
	}
}

func TestRoutesSwap(t *testing.T) {
	var r routes
	if _, ok := r.lookup("s", "c"); ok {
		t.Fatal("empty table should not route")
	}

	var hits []string
	r.set([]ble.Service{{
		UUID: "s",
		Characteristics: []ble.Characteristic{
			{UUID: "c1", OnWrite: func([]byte) error { hits = append(hits, "c1"); return nil }},
			{UUID: "c2"},
		},
	}})

	c, ok := r.lookup("s", "c1")
	if !ok {
		t.Fatal("c1 should route")
	}
	if err := c.OnWrite(nil); err != nil {
		t.Fatalf("OnWrite() error = %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("hits = %v, want one", hits)
	}
	if _, ok := r.lookup("s", "c3"); ok {
		t.Error("c3 should not route")
	}

	r.set([]ble.Service{{UUID: "s", Characteristics: []ble.Characteristic{{UUID: "c2"}}}})
	if _, ok := r.lookup("s", "c1"); ok {
		t.Error("c1 should stop routing after swap")
	}

	r.clear()
	if _, ok := r.lookup("s", "c2"); ok {
		t.Error("cleared table should not route")
	}
}
