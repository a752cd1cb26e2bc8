package check

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"pbak/internal/config"
	"pbak/internal/lock"
	"pbak/internal/profile"
	"pbak/internal/remote"
	"pbak/internal/resource"
)

type Options struct {
	Config   *config.Config
	Registry *resource.Registry
	// Remote is verified when set.
	Remote remote.Backend
	Out    io.Writer
}

// Run verifies that a backup of the configured profile can run: the profile
// exists, the destination is writable, every resource can be measured and
// the remote bucket is reachable. It stops at the first failure.
func Run(ctx context.Context, opts Options) error {
	cfg, out := opts.Config, opts.Out
	if out == nil {
		out = io.Discard
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Fprintln(out, "config: OK")

	info, err := os.Stat(cfg.ProfileDir)
	if err != nil {
		return fmt.Errorf("profile %s: %w", cfg.ProfileDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("profile %s: not a directory", cfg.ProfileDir)
	}
	fmt.Fprintf(out, "profile %s: OK\n", cfg.ProfileDir)

	if err := checkWritable(cfg.Destination); err != nil {
		return fmt.Errorf("destination %s: %w", cfg.Destination, err)
	}
	fmt.Fprintf(out, "destination %s: OK\n", cfg.Destination)

	if opts.Registry != nil {
		for _, res := range opts.Registry.Sorted() {
			m, err := res.Measure(ctx, cfg.ProfileDir)
			if err != nil {
				return fmt.Errorf("resource %s: %w", res.Key(), err)
			}
			fmt.Fprintf(out, "resource %s: OK (%d files, %d bytes)\n", res.Key(), m.Files, m.Bytes)
		}
	}

	owner, err := lock.ReadOwner(profile.NewPaths(cfg.ProfileDir).LockFile())
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if owner != nil {
		fmt.Fprintf(out, "lock %s: held by pid %d since %s\n", owner.Name, owner.Pid, owner.StartedAt)
	}

	if opts.Remote != nil {
		if err := opts.Remote.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("S3 credentials: %w", err)
		}
		fmt.Fprintf(out, "S3 bucket %s: OK\n", cfg.S3.Bucket)
	}

	fmt.Fprintln(out, "all checks passed")
	return nil
}

// checkWritable creates dir when missing and writes a probe file into it.
// A dir created here is removed again.
func checkWritable(dir string) error {
	_, statErr := os.Stat(dir)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	probe, err := os.CreateTemp(dir, ".pbak-check-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return err
	}

	if created {
		return profile.RemoveIfEmpty(filepath.Clean(dir))
	}
	return nil
}
