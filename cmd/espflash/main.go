package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/dkaukov/esp32-flash/chip"
	"github.com/dkaukov/esp32-flash/flasher"
	"github.com/dkaukov/esp32-flash/stub"
	"github.com/dkaukov/esp32-flash/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag     string
	baudFlag     int
	flashBaud    int
	offsetFlag   string
	readOffset   string
	readSize     string
	stubDirFlag  string
	noStubFlag   bool
	noVerifyFlag bool
	rawFlag      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "espflash",
		Short: "Flash firmware to ESP-family chips over the serial bootloader",
		Long: `espflash drives the Espressif serial bootloader protocol to write,
read, erase and verify firmware on ESP8266 and ESP32-family chips.

When --stub-dir points at the stub loader JSON blobs, a stub loader is
uploaded into chip RAM for faster writes and the extended erase/read
command set. Without --stub-dir, or with --no-stub, flash stays on the
ROM loader; read and erase need --stub-dir.`,
	}

	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", transport.BaudDefault, "Initial baud rate")

	flashCmd := &cobra.Command{
		Use:   "flash <firmware.bin>",
		Short: "Write a firmware image to flash",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
	flashCmd.Flags().StringVar(&offsetFlag, "offset", "0x10000", "Flash offset")
	flashCmd.Flags().IntVar(&flashBaud, "flash-baud", transport.BaudTurbo, "Baud rate used while flashing")
	flashCmd.Flags().StringVar(&stubDirFlag, "stub-dir", "", "Directory with stub loader JSON blobs")
	flashCmd.Flags().BoolVar(&noStubFlag, "no-stub", false, "Talk to the ROM loader only")
	flashCmd.Flags().BoolVar(&noVerifyFlag, "no-verify", false, "Skip MD5 verification")
	flashCmd.Flags().BoolVar(&rawFlag, "raw", false, "Disable deflate compression")

	readCmd := &cobra.Command{
		Use:   "read <output.bin>",
		Short: "Read flash contents into a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}
	readCmd.Flags().StringVar(&readOffset, "offset", "0x0", "Flash offset")
	readCmd.Flags().StringVar(&readSize, "size", "0x100000", "Number of bytes to read")
	readCmd.Flags().StringVar(&stubDirFlag, "stub-dir", "", "Directory with stub loader JSON blobs")

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the entire flash chip",
		RunE:  runErase,
	}
	eraseCmd.Flags().StringVar(&stubDirFlag, "stub-dir", "", "Directory with stub loader JSON blobs")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Identify the connected chip",
		RunE:  runInfo,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("espflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, readCmd, eraseCmd, infoCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// barSink adapts the engine's progress events onto a terminal progress bar.
type barSink struct {
	bar *progressbar.ProgressBar
}

func (s *barSink) Start() {
	s.bar = progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Working"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)
}

func (s *barSink) Progress(percent float64) {
	if s.bar != nil {
		s.bar.Set(int(percent))
	}
}

func (s *barSink) End() {
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
	}
}

func (s *barSink) Info(text string) {
	fmt.Println(text)
}

// dirLoader resolves stub references against a directory of JSON blobs.
type dirLoader struct {
	dir string
}

func (l dirLoader) Load(name string) (*stub.Blob, error) {
	doc, err := os.ReadFile(filepath.Join(l.dir, name+".json"))
	if err != nil {
		return nil, err
	}
	return stub.Parse(doc)
}

func parseNum(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return uint32(v), nil
}

// connect opens the port, enters the bootloader, syncs and identifies the
// chip. With withStub set it also uploads and starts the stub loader.
func connect(withStub bool) (*flasher.Flasher, *transport.SerialPort, error) {
	if portFlag == "" {
		return nil, nil, fmt.Errorf("no serial port specified (use --port)")
	}
	port, err := transport.OpenSerial(portFlag, baudFlag)
	if err != nil {
		return nil, nil, err
	}

	f := flasher.New(port)
	f.SetProgressSink(&barSink{})

	if err := f.EnterBootloader(); err != nil {
		port.Close()
		return nil, nil, err
	}
	port.Flush()
	if err := f.Sync(); err != nil {
		port.Close()
		return nil, nil, err
	}
	if _, err := f.DetectChip(); err != nil {
		port.Close()
		return nil, nil, err
	}

	if withStub {
		if stubDirFlag == "" {
			port.Close()
			return nil, nil, fmt.Errorf("this operation needs the stub loader; pass --stub-dir")
		}
		if err := f.LoadStub(dirLoader{dir: stubDirFlag}); err != nil {
			port.Close()
			return nil, nil, err
		}
	}
	return f, port, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	firmware, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}
	offset, err := parseNum(offsetFlag)
	if err != nil {
		return err
	}

	useStub := !noStubFlag && stubDirFlag != ""
	f, port, err := connect(useStub)
	if err != nil {
		return err
	}
	defer port.Close()

	if flashBaud != baudFlag {
		if err := f.ChangeBaudRate(uint32(flashBaud)); err != nil {
			return err
		}
		if err := port.SetBaudRate(flashBaud); err != nil {
			return err
		}
	}

	if !f.IsStub() {
		if err := f.SpiAttach(); err != nil {
			return err
		}
		if err := f.SetFlashSize(16 * 1024 * 1024); err != nil {
			return err
		}
	}

	fmt.Printf("Writing %d bytes at 0x%X...\n", len(firmware), offset)
	if rawFlag {
		err = f.FlashWrite(firmware, 0, offset)
	} else {
		err = f.FlashDeflWrite(firmware, 0, offset)
	}
	if err != nil {
		return err
	}

	if !noVerifyFlag {
		if err := f.Md5Verify(firmware, offset); err != nil {
			return err
		}
	}

	if rawFlag {
		if err := f.EndFlash(true); err != nil {
			return err
		}
	} else {
		if err := f.EndDeflFlash(true); err != nil {
			return err
		}
	}

	fmt.Println("Rebooting device...")
	if err := f.Reset(); err != nil {
		fmt.Printf("Warning: reset failed: %v\n", err)
	}
	fmt.Println("Done!")
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	offset, err := parseNum(readOffset)
	if err != nil {
		return err
	}
	size, err := parseNum(readSize)
	if err != nil {
		return err
	}

	f, port, err := connect(true)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("Reading %d bytes at 0x%X...\n", size, offset)
	data, err := f.ReadFlash(offset, size)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return err
	}

	fmt.Printf("Saved to %s\n", args[0])
	return f.Reset()
}

func runErase(cmd *cobra.Command, args []string) error {
	f, port, err := connect(true)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Println("Erasing flash (this can take a while)...")
	if err := f.EraseFlash(); err != nil {
		return err
	}
	fmt.Println("Flash erased")
	return f.Reset()
}

func runInfo(cmd *cobra.Command, args []string) error {
	f, port, err := connect(false)
	if err != nil {
		return err
	}
	defer port.Close()

	c := f.Chip()
	fmt.Printf("  Port:  %s @ %d baud\n", port.PortName(), port.BaudRate())
	fmt.Printf("  Chip:  %s\n", c.Name)
	fmt.Printf("  ID:    0x%04X\n", c.ID)
	fmt.Printf("  Stub:  %v\n", c.Stub != "")
	fmt.Printf("  App offset: 0x%X\n", c.Offset(chip.App0))
	return f.Reset()
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}
