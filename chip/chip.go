// Package chip is the registry of supported Espressif chips: identity,
// chip-detect magic values, stub blob references and flash region layout.
package chip

// Region is a logical area of on-chip flash.
type Region int

const (
	Bootloader Region = iota
	AppBootloader
	PartitionTable
	App0
	App1
	NVS
)

func (r Region) String() string {
	switch r {
	case Bootloader:
		return "bootloader"
	case AppBootloader:
		return "app-bootloader"
	case PartitionTable:
		return "partition-table"
	case App0:
		return "app0"
	case App1:
		return "app1"
	case NVS:
		return "nvs"
	default:
		return "unknown"
	}
}

// Default region offsets; chips override offsets, never sizes.
var defaultOffsets = map[Region]uint32{
	Bootloader:     0x0000,
	AppBootloader:  0x1000,
	PartitionTable: 0x8000,
	NVS:            0x9000,
	App0:           0x10000,
	App1:           0x150000,
}

// DefaultSize is the default size of each region in bytes.
var DefaultSize = map[Region]uint32{
	Bootloader:     0x7000,
	AppBootloader:  0x7000,
	PartitionTable: 0x1000,
	NVS:            0x6000,
	App0:           0x140000,
	App1:           0x140000,
}

// Chip describes one chip family. Instances are immutable; use the
// package-level variables.
type Chip struct {
	ID      uint16
	Name    string
	Stub    string // stub blob reference, empty when the chip has none
	magics  []uint32
	offsets map[Region]uint32 // overrides over defaultOffsets

	// CanEncrypt marks chips whose ROM FLASH_BEGIN/FLASH_DEFL_BEGIN
	// packets carry an extra reserved word.
	CanEncrypt bool
}

// Offset resolves the flash offset of a region on this chip.
func (c *Chip) Offset(r Region) uint32 {
	if off, ok := c.offsets[r]; ok {
		return off
	}
	return defaultOffsets[r]
}

// Magics returns the chip-detect magic values registered for this chip.
func (c *Chip) Magics() []uint32 {
	out := make([]uint32, len(c.magics))
	copy(out, c.magics)
	return out
}

func (c *Chip) String() string {
	return c.Name
}

var (
	// ESP8266 is driven through the ROM loader only; no stub blob is
	// shipped for it.
	ESP8266 = &Chip{
		ID:     0x0000,
		Name:   "ESP8266",
		magics: []uint32{0xFFF0C101},
		offsets: map[Region]uint32{
			AppBootloader: 0x0000,
		},
	}

	ESP32 = &Chip{
		ID:     0x0000,
		Name:   "ESP32",
		Stub:   "esp32",
		magics: []uint32{0x00F01D83},
		offsets: map[Region]uint32{
			Bootloader: 0x1000,
		},
	}

	ESP32S2 = &Chip{
		ID:     0x0002,
		Name:   "ESP32-S2",
		Stub:   "esp32s2",
		magics: []uint32{0x000007C6},
		offsets: map[Region]uint32{
			Bootloader: 0x1000,
		},
		CanEncrypt: true,
	}

	ESP32S3 = &Chip{
		ID:         0x0009,
		Name:       "ESP32-S3",
		Stub:       "esp32s3",
		magics:     []uint32{0x00000009},
		CanEncrypt: true,
	}

	ESP32C2 = &Chip{
		ID:   0x000C,
		Name: "ESP32-C2",
		Stub: "esp32c2",
		// Both values are observed in the field; neither is canonical.
		magics:     []uint32{0x6F51306F, 0x7C41A06F},
		CanEncrypt: true,
	}

	ESP32C3 = &Chip{
		ID:         0x0005,
		Name:       "ESP32-C3",
		Stub:       "esp32c3",
		magics:     []uint32{0x6921506F, 0x1B31506F},
		CanEncrypt: true,
	}

	ESP32C6 = &Chip{
		ID:         0x000D,
		Name:       "ESP32-C6",
		Stub:       "esp32c6",
		magics:     []uint32{0x2CE0806F},
		CanEncrypt: true,
	}

	ESP32H2 = &Chip{
		ID:         0x0010,
		Name:       "ESP32-H2",
		Stub:       "esp32h2",
		magics:     []uint32{0xD7B73E80},
		CanEncrypt: true,
	}
)

// All lists every registered chip.
var All = []*Chip{ESP8266, ESP32, ESP32S2, ESP32S3, ESP32C2, ESP32C3, ESP32C6, ESP32H2}

// Detect resolves a chip-magic register value to a chip.
func Detect(magic uint32) (*Chip, bool) {
	for _, c := range All {
		for _, m := range c.magics {
			if m == magic {
				return c, true
			}
		}
	}
	return nil, false
}
