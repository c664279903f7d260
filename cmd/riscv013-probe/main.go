// Command riscv013-probe exercises the Debug Module stack end to end:
// examine, halt, single-step, report the halt reason, resume. It runs against
// the in-memory FakeDM by default and against real hardware over a
// bit-banged GPIO TAP when -tck/-tdi/-tdo/-tms name real pins.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"

	"github.com/santhoshEsp32/openocd/internal/abstractcmd"
	"github.com/santhoshEsp32/openocd/internal/dmi"
	"github.com/santhoshEsp32/openocd/internal/jtag"
	"github.com/santhoshEsp32/openocd/internal/logging"
	"github.com/santhoshEsp32/openocd/riscv013"
)

func main() {
	var (
		verbose  = flag.Bool("v", false, "verbose (debug-level) logging")
		harts    = flag.Int("harts", 1, "hart count when running against -fake")
		fake     = flag.Bool("fake", true, "run against the in-memory fake DM instead of real hardware")
		tckName  = flag.String("tck", "", "GPIO pin name for TCK (enables the bit-banged backend)")
		tdiName  = flag.String("tdi", "", "GPIO pin name for TDI")
		tdoName  = flag.String("tdo", "", "GPIO pin name for TDO")
		tmsName  = flag.String("tms", "", "GPIO pin name for TMS")
		trstName = flag.String("trst", "", "GPIO pin name for TRST (optional)")
		irWidth  = flag.Int("ir-width", 5, "TAP instruction register width in bits")
	)
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *verbose {
		logCfg.Level = logging.LevelDebug
	}
	logCfg.Component = "probe"
	logger := logging.New(logCfg)

	cfg := riscv013.DefaultConfig()

	var scanner dmi.Scanner
	if *tckName != "" {
		*fake = false
		sc, err := openBitbang(*tckName, *tdiName, *tdoName, *tmsName, *trstName, *irWidth)
		if err != nil {
			logger.Error("failed to open bit-banged TAP", "error", err)
			os.Exit(1)
		}
		scanner = sc
	} else if *fake {
		dm := riscv013.NewFakeDM(*harts)
		scanner = dm
		irDMI, irDTM := dm.IRs()
		cfg.DMISelectIR = irDMI
		cfg.DTMControlIR = irDTM
	} else {
		logger.Error("no backend selected: pass -tck/-tdi/-tdo/-tms or leave -fake on")
		os.Exit(1)
	}

	codec, err := dmi.NewCodec(cfg.Abits)
	if err != nil {
		logger.Error("failed to build dmi codec", "error", err)
		os.Exit(1)
	}
	tr := dmi.NewTransport(scanner, codec, cfg.DMISelectIR, cfg.DTMControlIR, logger.WithComponent("dmi"))
	ac := abstractcmd.New(tr, cfg.CommandTimeout, logger.WithComponent("abstractcmd"))
	target := riscv013.NewTarget(tr, ac, cfg, logger.WithComponent("target"))

	if err := run(target, logger); err != nil {
		logger.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

func run(target *riscv013.Target, logger *logging.Logger) error {
	if err := target.Examine(); err != nil {
		return fmt.Errorf("examine: %w", err)
	}
	fmt.Printf("found %d hart(s)\n", len(target.Harts))
	for i, h := range target.Harts {
		fmt.Printf("  hart %d: xlen=%d progbuf=0x%x triggers=%d\n", i, h.View.Xlen, h.Desc.ProgBufAddr, h.Triggers)
	}

	if err := target.Halt(); err != nil {
		return fmt.Errorf("halt: %w", err)
	}
	logger.Info("halted")

	if err := target.Step(); err != nil {
		return fmt.Errorf("step: %w", err)
	}
	reason, err := target.HaltReason()
	if err != nil {
		return fmt.Errorf("halt reason: %w", err)
	}
	fmt.Printf("step complete, halt reason: %s\n", reason)

	if err := target.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	logger.Info("resumed")
	return nil
}

// openBitbang resolves four (or five, with TRST) GPIO pin names through
// periph's host driver registry and wires them into a jtag.Bitbang
// scanner.
func openBitbang(tck, tdi, tdo, tms, trst string, irWidth int) (*jtag.Bitbang, error) {
	if tck == "" || tdi == "" || tdo == "" || tms == "" {
		return nil, fmt.Errorf("tck, tdi, tdo and tms pin names are all required")
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	tckPin := gpioreg.ByName(tck)
	tdiPin := gpioreg.ByName(tdi)
	tdoPin := gpioreg.ByName(tdo)
	tmsPin := gpioreg.ByName(tms)
	if tckPin == nil || tdiPin == nil || tdoPin == nil || tmsPin == nil {
		return nil, fmt.Errorf("one or more named pins not found (tck=%v tdi=%v tdo=%v tms=%v)", tckPin, tdiPin, tdoPin, tmsPin)
	}

	cfg := jtag.BitbangConfig{
		TCK:        tckPin,
		TDI:        tdiPin,
		TDO:        tdoPin,
		TMS:        tmsPin,
		IRWidth:    irWidth,
		HalfPeriod: time.Microsecond,
	}
	if trst != "" {
		trstPin := gpioreg.ByName(trst)
		if trstPin == nil {
			return nil, fmt.Errorf("trst pin %q not found", trst)
		}
		cfg.TRST = trstPin
	}
	return jtag.NewBitbang(cfg)
}
