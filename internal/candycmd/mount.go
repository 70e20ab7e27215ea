package candycmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/candyfscfg"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/fs"
	"github.com/rhelmot/candyfs/logger"
	"github.com/spf13/cobra"
)

const (
	// The in-memory volume stood up when no device is given: 512 MiB of
	// 512-byte blocks, with 1024 ilist blocks.
	memVolumeBlocks = 512 * 1024 * 1024 / block.BlockSize
	memIlistBlocks  = 1024
)

// parseOptions accumulates one comma-separated -o string into the FUSE
// options map, in the name=value form fusermount expects.
func parseOptions(m map[string]string, s string) {
	for _, opt := range strings.Split(s, ",") {
		if opt == "" {
			continue
		}
		name, value, _ := strings.Cut(opt, "=")
		m[name] = value
	}
}

func fuseMountConfig(devicePath string, cfg *candyfscfg.Config) *fuse.MountConfig {
	opts := map[string]string{
		// The engine runs permission checks as the mount owner; the
		// kernel's own check against the reported uid/gid/mode is the one
		// that applies to arbitrary callers.
		"default_permissions": "",
		"allow_other":         "",
	}
	for _, o := range cfg.MountOptions {
		parseOptions(opts, o)
	}

	fsName := devicePath
	if fsName == "" {
		fsName = "candyfs"
	}

	mountCfg := &fuse.MountConfig{
		FSName:  fsName,
		Subtype: "candyfs",
		Options: opts,
		// Every write goes straight to the device; buffering pages in the
		// kernel first would just delay the only durability we offer.
		DisableWritebackCaching: true,
		ErrorLogger:             logger.NewLegacyLogger(logger.LevelError, "fuse: "),
	}
	if cfg.Logging.Severity == logger.TRACE {
		mountCfg.DebugLogger = logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: ")
	}
	return mountCfg
}

func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			<-signalChan
			logger.Infof("mount: received signal, attempting to unmount %s", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("mount: failed to unmount in response to signal: %v", err)
			} else {
				logger.Infof("mount: successfully unmounted %s in response to signal", mountPoint)
				return
			}
		}
	}()
}

// NewMountCommand builds the mountcandyfs command: serve a formatted
// device (or a fresh in-memory volume) at a mountpoint until unmounted.
func NewMountCommand() *cobra.Command {
	var (
		cfg        *candyfscfg.Config
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "mountcandyfs [flags] [device] mountpoint",
		Short: "Mount a CandyFS device, or an ephemeral in-memory volume, at a mountpoint",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := candyfscfg.OverlayConfigFile(cfg, configFile); err != nil {
					return err
				}
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			logger.Debugf("mount: effective configuration:\n%s", candyfscfg.Stringify(*cfg))

			var devicePath, mountPoint string
			if len(args) == 2 {
				devicePath, mountPoint = args[0], args[1]
			} else {
				mountPoint = args[0]
			}

			owner, group, err := resolveOwner(cfg, true)
			if err != nil {
				return err
			}

			var dev device.Device
			if devicePath != "" {
				dev, err = device.OpenFileDevice(devicePath, cfg.BlockSize)
				if err != nil {
					return err
				}
			} else {
				mem := device.NewMemDevice(memVolumeBlocks, block.BlockSize)
				if err := mkfs(mem, memIlistBlocks, owner, group); err != nil {
					return err
				}
				logger.Infof("mount: no device given, serving a fresh 512 MiB in-memory volume")
				dev = mem
			}
			defer dev.Close()

			server, err := fs.NewServer(&fs.ServerConfig{
				Device: dev,
				Uid:    owner,
				Gid:    group,
			})
			if err != nil {
				return err
			}

			mfs, err := fuse.Mount(mountPoint, server, fuseMountConfig(devicePath, cfg))
			if err != nil {
				return err
			}
			logger.Infof("mount: file system has been successfully mounted at %s", mountPoint)

			registerSIGINTHandler(mountPoint)
			return mfs.Join(context.Background())
		},
	}

	cmd.Flags().StringVar(&configFile, "config-file", "", "path to a YAML config file overlaying the flags")
	cfg = candyfscfg.BindFlags(cmd.Flags())
	return cmd
}
