// Command vhotplugd is the virtual-device hotplug daemon: it watches the
// host's USB/PCI/evdev devices and VMM control sockets and attaches or
// detaches devices to running VMs according to a declarative policy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tiiuae/vhotplugd/internal/apiserver"
	"github.com/tiiuae/vhotplugd/internal/config"
	"github.com/tiiuae/vhotplugd/internal/filewatcher"
	"github.com/tiiuae/vhotplugd/internal/log"
	"github.com/tiiuae/vhotplugd/internal/orchestrator"
	"github.com/tiiuae/vhotplugd/internal/state"
	"github.com/tiiuae/vhotplugd/internal/udevsrc"
	"github.com/tiiuae/vhotplugd/internal/vmm"
)

var mainLog = log.For("main")

func main() {
	app := &cli.App{
		Name:  "vhotplugd",
		Usage: "attach and detach USB/PCI/evdev devices to running VMs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Usage:    "path to the vhotplugd JSON configuration file",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "attach-connected",
				Usage: "attach already-present rule-matching devices at startup",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	// app.Run already calls os.Exit via cli.HandleExitCoder for errors
	// returned as cli.Exit(...); this only covers the rest.
	if err := app.Run(os.Args); err != nil {
		mainLog.WithError(err).Error("vhotplugd exited with an error")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log.SetDebug(c.Bool("debug"))

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("vhotplugd: %v", err), 1)
	}

	store, err := state.New(cfg.General.PersistencyEnabled(), cfg.General.EffectiveStatePath())
	if err != nil {
		return cli.Exit(fmt.Sprintf("vhotplugd: failed to open state store: %v", err), 1)
	}

	udevSrc := udevsrc.New()

	orch := orchestrator.New(cfg, store, udevSrc, nil)

	api := apiserver.New(cfg.General.API, orch, store, udevSrc, cfg.Engine(), cfg.General.ModprobeBin, cfg.General.ModinfoBin)
	orch.SetNotifier(api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		mainLog.Info("received shutdown signal")
		cancel()
	}()

	watcher, err := filewatcher.New()
	if err != nil {
		return cli.Exit(fmt.Sprintf("vhotplugd: failed to create file watcher: %v", err), 1)
	}
	defer watcher.Close()
	for _, vm := range cfg.VMs {
		if !vmm.PathExists(filepath.Dir(vm.Socket)) {
			mainLog.WithField("vm", vm.Name).WithField("dir", filepath.Dir(vm.Socket)).
				Warn("VM control socket directory does not exist yet")
		}
		if err := watcher.AddFile(vm.Socket); err != nil {
			mainLog.WithError(err).WithField("vm", vm.Name).Warn("failed to watch VM control socket")
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Run(ctx); err != nil && ctx.Err() == nil {
			mainLog.WithError(err).Error("API server exited unexpectedly")
		}
	}()

	if c.Bool("attach-connected") {
		if err := orch.ReconcileStartup(ctx); err != nil {
			mainLog.WithError(err).Error("startup reconciliation failed")
		}
	}

	udevEvents, err := udevSrc.Monitor(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("vhotplugd: failed to start udev monitor: %v", err), 1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runUdevLoop(ctx, orch, udevEvents)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runFilewatcherLoop(ctx, orch, cfg, watcher)
	}()

	wg.Wait()
	mainLog.Info("vhotplugd shut down cleanly")
	return nil
}
