// Command obcbootctl is the operator-side counterpart to the bootloader's
// command shell (spec section 4.9): it prepares and inspects the external
// flash boot table and triple-redundant FRAM settings block offline, and
// drives the live command shell over stdin/stdout the way a lab bench
// session would.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/cubesat-obc/obcboot/bootsettings"
	"github.com/cubesat-obc/obcboot/boottable"
	"github.com/cubesat-obc/obcboot/chipvariant"
	"github.com/cubesat-obc/obcboot/decision"
	"github.com/cubesat-obc/obcboot/flashdrv"
	"github.com/cubesat-obc/obcboot/framdrv"
	"github.com/cubesat-obc/obcboot/handoff"
	"github.com/cubesat-obc/obcboot/params"
	"github.com/cubesat-obc/obcboot/shell"
	"github.com/cubesat-obc/obcboot/xmodem"
)

// stdioLink adapts a pair of file descriptors to xmodem.Link, the same
// ReadByte/WriteByte contract the debug UART satisfies in the bootloader
// itself. Writes are flushed immediately since the 'x'/'z' commands block
// on an ACK/NAK reaching the sender before the next packet arrives.
type stdioLink struct {
	in  *bufio.Reader
	out *bufio.Writer
}

// newStdioLink shares in with the Shell's own command reader rather than
// wrapping the file descriptor a second time: two independent
// bufio.Readers over the same fd would each prefetch bytes the other
// needs, corrupting whichever of command dispatch or packet framing loses
// the race.
func newStdioLink(in *bufio.Reader, out *os.File) *stdioLink {
	return &stdioLink{in: in, out: bufio.NewWriter(out)}
}

func (l *stdioLink) ReadByte() (byte, error) {
	return l.in.ReadByte()
}

func (l *stdioLink) WriteByte(b byte) error {
	if err := l.out.WriteByte(b); err != nil {
		return err
	}

	return l.out.Flush()
}

// imageOptions are the flash/FRAM image paths shared by every subcommand
// that inspects or mutates persistent state offline.
type imageOptions struct {
	FlashImage string `long:"flash-image" description:"Path to the external NOR flash image" required:"true"`
	FramDir    string `long:"fram-dir" description:"Directory holding the three FRAM chip images (fram0.bin, fram1.bin, fram2.bin)" required:"true"`
	// 2228246 is chipvariant.TopBootDeviceID (0x00220016); a struct tag
	// default must be a literal so the constant can't be referenced here.
	DeviceID         uint32 `long:"device-id" description:"Simulated device ID selecting the chip-variant offset table" default:"2228246"`
	ChipVariantsFile string `long:"chip-variants" description:"YAML file of device-ID -> chip-variant offset table overrides"`
}

func (o *imageOptions) openTable() (*boottable.Table, *flashdrv.SimFlashDriver, error) {
	driver, err := flashdrv.NewSimFlashDriver(o.FlashImage, 8*1024*1024, o.DeviceID, 0)
	if err != nil {
		return nil, nil, err
	}

	var overrides map[chipvariant.DeviceID]chipvariant.Table

	if o.ChipVariantsFile != "" {
		overrides, err = chipvariant.LoadOverrides(o.ChipVariantsFile)
		if err != nil {
			driver.Close()
			return nil, nil, err
		}
	}

	table, err := boottable.New(driver, overrides)
	if err != nil {
		driver.Close()
		return nil, nil, err
	}

	return table, driver, nil
}

func (o *imageOptions) openSettings() (*bootsettings.Settings, []*framdrv.FileChip, error) {
	if err := os.MkdirAll(o.FramDir, 0o755); err != nil {
		return nil, nil, err
	}

	chips := make([]*framdrv.FileChip, 3)
	for i := range chips {
		chip, err := framdrv.NewFileChip(fmt.Sprintf("%s/fram%d.bin", o.FramDir, i), 64)
		if err != nil {
			return nil, nil, err
		}

		chips[i] = chip
	}

	driver := framdrv.NewDriver(chips[0], chips[1], chips[2])

	return bootsettings.New(driver, 0), chips, nil
}

func closeChips(chips []*framdrv.FileChip) {
	for _, chip := range chips {
		if err := chip.Close(); err != nil {
			log.PrintError(err)
		}
	}
}

// uploadCommand writes a local binary file into one boot-table entry,
// equivalent to what the 'x' shell command does over an XMODEM-CRC link,
// but sourced from a file for offline image preparation.
type uploadCommand struct {
	imageOptions
	Slot        int    `long:"slot" description:"Entry index to program (1..N, 0 is reserved for safe mode)" required:"true"`
	InputPath   string `long:"input" description:"Path to the raw program image to write" required:"true"`
	Description string `long:"description" description:"Human-readable label stored with the entry"`
}

func (c *uploadCommand) Execute(args []string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if c.Slot <= 0 || c.Slot >= boottable.EntriesCount {
		log.Panicf("slot must be in [1, %d)", boottable.EntriesCount)
	}

	program, err := os.ReadFile(c.InputPath)
	log.PanicIf(err)

	table, driver, err := c.openTable()
	log.PanicIf(err)
	defer driver.Close()

	err = table.WriteEntry(c.Slot, program, c.Description)
	log.PanicIf(err)

	fmt.Printf("wrote %s to slot %d\n", humanize.Bytes(uint64(len(program))), c.Slot)

	return nil
}

// listCommand enumerates boot-table entries the way the 'l' shell command
// does.
type listCommand struct {
	imageOptions
}

func (c *listCommand) Execute(args []string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	table, driver, err := c.openTable()
	log.PanicIf(err)
	defer driver.Close()

	for i := 0; i < boottable.EntriesCount; i++ {
		entry, err := table.Entry(i)
		log.PanicIf(err)

		if !entry.IsValid() {
			fmt.Printf("%d. not valid\n", i)
			continue
		}

		fmt.Printf("%d. %-32s (CRC: %04X, %s)\n", i, entry.Description(), entry.Crc(), humanize.Bytes(uint64(entry.Length())))
	}

	return nil
}

// settingsCommand dumps, or overwrites, the FRAM boot-policy block.
type settingsCommand struct {
	imageOptions
	Primary  string `long:"primary" description:"Comma-separated primary slot indices, e.g. 1,2,4 (omit to only dump current settings)"`
	Failsafe string `long:"failsafe" description:"Comma-separated failsafe slot indices, e.g. 3,5,6"`
}

func parseSlotList(s string) (byte, error) {
	var mask byte

	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return 0, err
		}

		if n < 0 || n >= boottable.EntriesCount {
			return 0, log.Errorf("slot index out of range: %d", n)
		}

		mask |= 1 << uint(n)
	}

	return mask, nil
}

func (c *settingsCommand) Execute(args []string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	settings, chips, err := c.openSettings()
	log.PanicIf(err)
	defer closeChips(chips)

	if c.Primary != "" {
		primary, err := parseSlotList(c.Primary)
		log.PanicIf(err)

		failsafe, err := parseSlotList(c.Failsafe)
		log.PanicIf(err)

		err = settings.Initialize(primary, failsafe)
		log.PanicIf(err)

		fmt.Println("settings updated")
	}

	valid, err := settings.CheckMagicNumber()
	log.PanicIf(err)

	primary, err := settings.BootSlots()
	log.PanicIf(err)

	failsafe, err := settings.FailsafeBootSlots()
	log.PanicIf(err)

	counter, err := settings.BootCounter()
	log.PanicIf(err)

	fmt.Printf("magic valid: %v\n", valid)
	fmt.Printf("primary slots: %s\n", describeMask(primary))
	fmt.Printf("failsafe slots: %s\n", describeMask(failsafe))
	fmt.Printf("boot counter: %d\n", counter)

	return nil
}

func describeMask(mask byte) string {
	selection := bootsettings.DecodeSlotMask(mask)

	switch selection.Kind {
	case bootsettings.SafeModeKindValue:
		return "safe-mode"
	case bootsettings.UpperKindValue:
		return "upper"
	case bootsettings.SlotsKind:
		parts := make([]string, len(selection.Slots))
		for i, s := range selection.Slots {
			parts[i] = strconv.Itoa(s)
		}

		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("invalid (0x%02x)", mask)
	}
}

// checkCommand runs the same diagnostics as the original firmware's
// Check() routine (original_source/boot/commands/check.cpp): settings
// sanity, per-entry CRC verification, and bootloader-copy agreement.
type checkCommand struct {
	imageOptions
}

func (c *checkCommand) Execute(args []string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	table, driver, err := c.openTable()
	log.PanicIf(err)
	defer driver.Close()

	settings, chips, err := c.openSettings()
	log.PanicIf(err)
	defer closeChips(chips)

	report := func(ok bool, format string, args ...interface{}) {
		tag := "OK  "
		if !ok {
			tag = "FAIL"
		}

		fmt.Printf("[%s] %s\n", tag, fmt.Sprintf(format, args...))
	}

	valid, err := settings.CheckMagicNumber()
	log.PanicIf(err)
	report(valid, "boot settings tagged with magic number")

	for i := 0; i < boottable.EntriesCount; i++ {
		entry, err := table.Entry(i)
		log.PanicIf(err)

		if !entry.IsValid() {
			report(false, "boot slot %d: not valid", i)
			continue
		}

		actual, err := entry.CalculateCrc()
		log.PanicIf(err)

		report(actual == entry.Crc(), "boot slot %d: CRC match (0x%04X)", i, entry.Crc())
	}

	crcs := make([]uint16, boottable.BootloaderCopies)
	for i := range crcs {
		copyView, err := table.GetBootloaderCopy(i)
		log.PanicIf(err)

		crcs[i], err = copyView.CalculateCrc()
		log.PanicIf(err)
	}

	allSame := true
	for _, v := range crcs[1:] {
		if v != crcs[0] {
			allSame = false
		}
	}

	report(allSame, "bootloader copies agree (0x%04X)", crcs[0])

	return nil
}

// bootCommand runs BootDecisionEngine against the given images, the
// offline equivalent of the 'b' shell command.
type bootCommand struct {
	imageOptions
	AppImage string `long:"app-image" description:"Path to the internal MCU application-region image" required:"true"`
	AppBase  uint32 `long:"app-base" description:"Offset of the application region within app-image" default:"0"`
	AppSize  uint32 `long:"app-size" description:"Size of the application region" default:"524288"`
}

func (c *bootCommand) Execute(args []string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	table, extDriver, err := c.openTable()
	log.PanicIf(err)
	defer extDriver.Close()

	settings, chips, err := c.openSettings()
	log.PanicIf(err)
	defer closeChips(chips)

	appDriver, err := flashdrv.NewSimFlashDriver(c.AppImage, int(c.AppBase+c.AppSize), 0, 0)
	log.PanicIf(err)
	defer appDriver.Close()

	engine := decision.NewEngine(settings, table, appDriver, c.AppBase, c.AppSize, &handoff.Recorder{}, params.NewChannel())

	outcome, err := engine.Run()
	log.PanicIf(err)

	fmt.Printf("outcome: reason=%s index=%d base=0x%08x\n", outcome.Reason, outcome.BootIndex, outcome.BaseAddress)

	return nil
}

// consoleCommand drives the interactive shell.Shell over stdin/stdout,
// putting a real terminal into raw byte-at-a-time mode so command dispatch
// matches the bootloader's own un-buffered USART_Rx reads. It has no
// option to open a serial device file instead of stdin/stdout.
type consoleCommand struct {
	imageOptions
	AppImage      string `long:"app-image" description:"Path to the internal MCU application-region image" required:"true"`
	AppBase       uint32 `long:"app-base" description:"Offset of the application region within app-image" default:"0"`
	AppSize       uint32 `long:"app-size" description:"Size of the application region" default:"524288"`
	SafeModeImage string `long:"safe-mode-image" description:"Path to the safe-mode EEPROM image (omit to disable the 'z' command)"`
	SafeModeSize  int    `long:"safe-mode-size" description:"Size of the safe-mode EEPROM" default:"65536"`
}

func (c *consoleCommand) Execute(args []string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	table, extDriver, err := c.openTable()
	log.PanicIf(err)
	defer extDriver.Close()

	settings, chips, err := c.openSettings()
	log.PanicIf(err)
	defer closeChips(chips)

	appDriver, err := flashdrv.NewSimFlashDriver(c.AppImage, int(c.AppBase+c.AppSize), 0, 0)
	log.PanicIf(err)
	defer appDriver.Close()

	engine := decision.NewEngine(settings, table, appDriver, c.AppBase, c.AppSize, &handoff.Recorder{}, params.NewChannel())

	sh := shell.New(os.Stdin, os.Stdout)
	sh.Settings = settings
	sh.Table = table
	sh.Engine = engine
	sh.XmodemLink = newStdioLink(sh.In, os.Stdout)

	if c.SafeModeImage != "" {
		eeprom, eepromErr := xmodem.NewFileEEPROM(c.SafeModeImage, c.SafeModeSize)
		log.PanicIf(eepromErr)
		defer eeprom.Close()

		sh.SafeModeEEPROM = eeprom
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, rawErr := term.MakeRaw(fd)
		log.PanicIf(rawErr)

		defer term.Restore(fd, oldState)
	}

	fmt.Fprintln(os.Stdout, "obcboot console ready, '?' for commands")

	err = sh.Run()
	if err != nil {
		fmt.Fprintf(os.Stdout, "\nconsole closed: %s\n", err)
	}

	return nil
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(1)
		}
	}()

	parser := flags.NewParser(nil, flags.Default)

	_, err := parser.AddCommand("upload", "Write a program image into a boot-table slot", "", &uploadCommand{})
	log.PanicIf(err)

	_, err = parser.AddCommand("list", "List boot-table entries", "", &listCommand{})
	log.PanicIf(err)

	_, err = parser.AddCommand("settings", "Dump or update BootSettings", "", &settingsCommand{})
	log.PanicIf(err)

	_, err = parser.AddCommand("check", "Run boot-table and settings diagnostics", "", &checkCommand{})
	log.PanicIf(err)

	_, err = parser.AddCommand("boot", "Run the boot decision engine once", "", &bootCommand{})
	log.PanicIf(err)

	_, err = parser.AddCommand("console", "Drive the interactive command shell", "", &consoleCommand{})
	log.PanicIf(err)

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
