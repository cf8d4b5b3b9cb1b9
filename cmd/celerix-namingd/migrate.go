package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-naming/internal/backup"
	"github.com/celerix-dev/celerix-naming/internal/config"
	"github.com/celerix-dev/celerix-naming/internal/vault"
)

const defaultMigrateTimeout = 30 * time.Second

type migrateFlags struct {
	from, to string
	label    string
	bucket   string
	key      string
	timeout  time.Duration
}

func migrateCmd() *cobra.Command {
	var f migrateFlags
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy a registry snapshot between a local file, a backup directory and NATS",
		Long: `Copy a registry snapshot from one location to another.

A location is one of:
  path/to/snapshot.json   a local snapshot file
  path/to/dir             a backup directory, keyed by --label
  nats://host:4222        a NATS object store bucket, keyed by --label

Remote locations are sealed with --key when it is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if logger, err = newLogger("info", false); err != nil {
				return err
			}
			return runMigrate(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.from, "from", "", "source location")
	cmd.Flags().StringVar(&f.to, "to", "", "destination location")
	cmd.Flags().StringVar(&f.label, "label", config.DefaultLabel, "server label the remote object is keyed by")
	cmd.Flags().StringVar(&f.bucket, "bucket", "celerix-naming", "NATS object store bucket")
	cmd.Flags().StringVar(&f.key, "key", "", "hex encryption key for remote locations")
	cmd.Flags().DurationVar(&f.timeout, "timeout", defaultMigrateTimeout, "overall timeout")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runMigrate(ctx context.Context, f migrateFlags) error {
	var key []byte
	if f.key != "" {
		var err error
		if key, err = vault.ParseKey(f.key); err != nil {
			return fmt.Errorf("--key: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	src, closeSrc, err := openEndpoint(ctx, f.from, f, key)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer closeSrc()
	dst, closeDst, err := openEndpoint(ctx, f.to, f, key)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	defer closeDst()

	snap, err := backup.Migrate(ctx, src, dst)
	if err != nil {
		return err
	}
	logger.Info("snapshot migrated",
		zap.String("from", src.Store.Name()+"/"+src.Key),
		zap.String("to", dst.Store.Name()+"/"+dst.Key),
		zap.Int("identities", len(snap.Registry)),
		zap.Int("live", len(snap.ActiveSet)),
		zap.Uint64("global_counter", snap.GlobalCounter))
	return nil
}

func openEndpoint(ctx context.Context, loc string, f migrateFlags, key []byte) (backup.Endpoint, func(), error) {
	noop := func() {}
	seal := func(s backup.BlobStore) backup.BlobStore {
		if key == nil {
			return s
		}
		return backup.Sealed{BlobStore: s, Key: key}
	}

	switch {
	case strings.HasPrefix(loc, "nats://") || strings.HasPrefix(loc, "tls://"):
		obs, err := backup.DialObjectStore(ctx, loc, f.bucket)
		if err != nil {
			return backup.Endpoint{}, noop, err
		}
		return backup.Endpoint{Store: seal(obs), Key: backup.ObjectKey(f.label)}, func() { _ = obs.Close() }, nil
	case strings.HasSuffix(loc, ".json"):
		d, err := backup.NewDirStore(filepath.Dir(loc))
		if err != nil {
			return backup.Endpoint{}, noop, err
		}
		return backup.Endpoint{Store: d, Key: filepath.Base(loc)}, noop, nil
	case loc != "":
		d, err := backup.NewDirStore(loc)
		if err != nil {
			return backup.Endpoint{}, noop, err
		}
		return backup.Endpoint{Store: seal(d), Key: backup.ObjectKey(f.label)}, noop, nil
	default:
		return backup.Endpoint{}, noop, fmt.Errorf("empty location")
	}
}
