// Package candycmd holds the cobra command trees behind the mkfscandyfs
// and mountcandyfs binaries, split out of the main packages the same way
// the mount logic lives apart from its thin main() upstream.
package candycmd

import (
	"fmt"

	"github.com/rhelmot/candyfs/block"
	"github.com/rhelmot/candyfs/candyfscfg"
	"github.com/rhelmot/candyfs/device"
	"github.com/rhelmot/candyfs/dir"
	"github.com/rhelmot/candyfs/inode"
	"github.com/rhelmot/candyfs/internal/perms"
	"github.com/rhelmot/candyfs/logger"
	"github.com/rhelmot/candyfs/path"
	"github.com/rhelmot/candyfs/refs"
	"github.com/spf13/cobra"
)

func initLogging(cfg *candyfscfg.Config) error {
	logger.SetLogFormat(cfg.Logging.Format)
	if cfg.Logging.FilePath != "" {
		return logger.InitLogFile(logger.LogConfig{
			FilePath:        cfg.Logging.FilePath,
			Format:          cfg.Logging.Format,
			Severity:        cfg.Logging.Severity,
			LogRotateConfig: logger.DefaultLogRotateConfig(),
		})
	}
	return nil
}

// resolveOwner decides the uid/gid that will own the root directory (mkfs)
// or all new inodes (mount): an explicit override of both uid and gid
// wins, otherwise asUser selects between the invoking user and root.
func resolveOwner(cfg *candyfscfg.Config, asUser bool) (uint32, uint32, error) {
	if cfg.Uid >= 0 && cfg.Gid >= 0 {
		return uint32(cfg.Uid), uint32(cfg.Gid), nil
	}
	if asUser {
		return perms.MyUserAndGroup()
	}
	return 0, 0, nil
}

// mkfs formats dev: storage structures first, then the root directory.
func mkfs(dev device.Device, ilistSize int, owner, group uint32) error {
	if err := block.Mkfs(dev, ilistSize); err != nil {
		return err
	}
	blocks, err := block.Open(dev)
	if err != nil {
		return err
	}
	inodes := inode.NewStore(blocks)
	dirs := dir.NewStore(inodes)
	refsTable := refs.NewTable(inodes, dirs)
	return path.MkfsPath(inodes, dirs, refsTable, owner, group)
}

// NewMkfsCommand builds the mkfscandyfs command: format a block device
// (or disk image) as an empty CandyFS filesystem.
func NewMkfsCommand() *cobra.Command {
	var (
		cfg    *candyfscfg.Config
		asUser bool
		sizeMB int64
	)

	cmd := &cobra.Command{
		Use:   "mkfscandyfs [flags] device",
		Short: "Format a block device or disk image as an empty CandyFS filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogging(cfg); err != nil {
				return err
			}

			devicePath := args[0]
			var dev device.Device
			var err error
			if sizeMB > 0 {
				nblocks := sizeMB * 1024 * 1024 / int64(cfg.BlockSize)
				dev, err = device.CreateFileDevice(devicePath, nblocks, cfg.BlockSize)
			} else {
				dev, err = device.OpenFileDevice(devicePath, cfg.BlockSize)
			}
			if err != nil {
				return err
			}
			defer dev.Close()

			ilistSize := int(dev.BlockCount() / int64(cfg.IlistRatio))
			if ilistSize < 1 {
				ilistSize = 1
			}

			owner, group, err := resolveOwner(cfg, asUser)
			if err != nil {
				return fmt.Errorf("resolving invoking user: %w", err)
			}

			if err := mkfs(dev, ilistSize, owner, group); err != nil {
				return err
			}
			logger.Infof("mkfs: formatted %s: %d blocks, %d ilist blocks, root owned by %d:%d",
				devicePath, dev.BlockCount(), ilistSize, owner, group)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asUser, "user", false, "make the root directory owned by the invoking user rather than root")
	cmd.Flags().Int64Var(&sizeMB, "size-mb", 0, "create the device as a disk image of this many MiB instead of formatting an existing one")
	cfg = candyfscfg.BindFlags(cmd.Flags())
	return cmd
}
