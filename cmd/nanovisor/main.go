//go:build linux

// Command nanovisor boots a machine described by a YAML config and runs
// it until the guest shuts down or the process is interrupted.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nanovisor/nanovisor/internal/hv"
	"github.com/nanovisor/nanovisor/internal/hv/kvm"
	"github.com/nanovisor/nanovisor/internal/vmm"
	"golang.org/x/sys/unix"
)

// imageBase is where a raw image is placed and entered. Real boot
// protocols live with the caller; this shell only loads flat binaries.
const imageBase = 0x1000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nanovisor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine config (YAML)")
	imagePath := flag.String("image", "", "Flat binary loaded at 0x1000 and entered in protected mode")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}

	cfg, err := vmm.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	hyp, err := kvm.Open()
	if err != nil {
		return err
	}
	defer hyp.Close()

	m, err := vmm.New(hyp, cfg, vmm.Options{
		Backing:       anonBacking{},
		ConsoleOutput: os.Stdout,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if *imagePath != "" {
		if err := loadImage(m, *imagePath); err != nil {
			return fmt.Errorf("load image: %w", err)
		}
	}

	if err := m.Boot(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, unix.SIGINT, unix.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- m.Wait() }()

	select {
	case sig := <-stop:
		slog.Info("stopping on signal", "signal", sig)
		return m.Shutdown()
	case err := <-done:
		return err
	}
}

// loadImage copies a flat binary into guest memory and points every
// vCPU at its base in protected mode.
func loadImage(m *vmm.Machine, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := m.Memory().WriteAt(code, imageBase); err != nil {
		return err
	}

	for id := 0; ; id++ {
		v := m.VCPU(id)
		if v == nil {
			break
		}
		amd64, ok := v.Raw().(hv.VirtualCPUAmd64)
		if !ok {
			return fmt.Errorf("vcpu %d: no protected mode support", id)
		}
		if err := amd64.SetProtectedMode(); err != nil {
			return err
		}
		if err := v.SetRegisters(map[hv.Register]uint64{
			hv.RegisterRip:    imageBase,
			hv.RegisterRflags: 0x2,
		}); err != nil {
			return err
		}
	}
	return nil
}

// anonBacking maps guest RAM from anonymous host memory.
type anonBacking struct{}

func (anonBacking) Map(size uint64) ([]byte, error) { return kvm.MapAnonymous(size) }
func (anonBacking) Unmap(mem []byte) error          { return kvm.Unmap(mem) }
