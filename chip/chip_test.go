package chip

import "testing"

func TestDetect_KnownMagics(t *testing.T) {
	tests := []struct {
		magic uint32
		want  *Chip
	}{
		{0xFFF0C101, ESP8266},
		{0x00F01D83, ESP32},
		{0x000007C6, ESP32S2},
		{0x00000009, ESP32S3},
		{0x6921506F, ESP32C3},
		{0x1B31506F, ESP32C3},
		{0x2CE0806F, ESP32C6},
		{0xD7B73E80, ESP32H2},
	}
	for _, tc := range tests {
		got, ok := Detect(tc.magic)
		if !ok {
			t.Errorf("Detect(0x%08X) not found, want %s", tc.magic, tc.want.Name)
			continue
		}
		if got != tc.want {
			t.Errorf("Detect(0x%08X) = %s, want %s", tc.magic, got.Name, tc.want.Name)
		}
	}
}

func TestDetect_BothESP32C2Magics(t *testing.T) {
	// Two values are registered for the C2; both must resolve.
	for _, magic := range []uint32{0x6F51306F, 0x7C41A06F} {
		got, ok := Detect(magic)
		if !ok || got != ESP32C2 {
			t.Errorf("Detect(0x%08X) = %v, want ESP32-C2", magic, got)
		}
	}
	if len(ESP32C2.Magics()) != 2 {
		t.Errorf("ESP32C2 has %d magics, want 2", len(ESP32C2.Magics()))
	}
}

func TestDetect_Unknown(t *testing.T) {
	if c, ok := Detect(0xDEADBEEF); ok {
		t.Errorf("Detect(0xDEADBEEF) = %s, want not found", c.Name)
	}
}

func TestOffset_Defaults(t *testing.T) {
	if off := ESP32C3.Offset(PartitionTable); off != 0x8000 {
		t.Errorf("ESP32C3 partition table offset = 0x%X, want 0x8000", off)
	}
	if off := ESP32C3.Offset(App0); off != 0x10000 {
		t.Errorf("ESP32C3 app0 offset = 0x%X, want 0x10000", off)
	}
	if off := ESP32C3.Offset(Bootloader); off != 0x0 {
		t.Errorf("ESP32C3 bootloader offset = 0x%X, want 0x0", off)
	}
}

func TestOffset_PerChipOverride(t *testing.T) {
	// ESP32 and ESP32-S2 keep their second-stage loader at 0x1000.
	if off := ESP32.Offset(Bootloader); off != 0x1000 {
		t.Errorf("ESP32 bootloader offset = 0x%X, want 0x1000", off)
	}
	if off := ESP32S2.Offset(Bootloader); off != 0x1000 {
		t.Errorf("ESP32S2 bootloader offset = 0x%X, want 0x1000", off)
	}
}

func TestEncryptionCapableSet(t *testing.T) {
	capable := map[*Chip]bool{
		ESP32S2: true, ESP32S3: true, ESP32C2: true,
		ESP32C3: true, ESP32C6: true, ESP32H2: true,
	}
	for _, c := range All {
		if c.CanEncrypt != capable[c] {
			t.Errorf("%s CanEncrypt = %v, want %v", c.Name, c.CanEncrypt, capable[c])
		}
	}
}

func TestStubRefs(t *testing.T) {
	if ESP8266.Stub != "" {
		t.Errorf("ESP8266 stub = %q, want none", ESP8266.Stub)
	}
	for _, c := range All {
		if c == ESP8266 {
			continue
		}
		if c.Stub == "" {
			t.Errorf("%s has no stub ref", c.Name)
		}
	}
}

func TestMagics_Immutable(t *testing.T) {
	m := ESP32.Magics()
	m[0] = 0
	if ESP32.Magics()[0] != 0x00F01D83 {
		t.Error("Magics() exposed internal state")
	}
}
