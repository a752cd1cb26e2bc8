package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Usage:   "path to configuration yaml file",
		Value:   "pbak.yaml",
		Sources: cli.EnvVars("PBAK_CONFIG"),
	}
}

func passwordFlag(name, env, usage string) cli.Flag {
	return &cli.StringFlag{
		Name:    name,
		Usage:   usage,
		Sources: cli.EnvVars(env),
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "pbak",
		Usage:   "Profile backup and restore",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Write a backup archive of the profile",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "reason",
						Usage: "Reason recorded in the run history",
						Value: "manual",
					},
					&cli.BoolFlag{
						Name:  "idle",
						Usage: "Only back up when the scheduled interval has passed",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runBackup(ctx, cmd.String("config"), cmd.String("reason"), cmd.Bool("idle"))
				},
			},
			{
				Name:  "restore",
				Usage: "Restore a backup archive into a new profile",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "archive",
						Usage: "Path to the backup archive",
					},
					&cli.StringFlag{
						Name:  "from-s3",
						Usage: "Object name of an archive mirrored to S3",
					},
					passwordFlag("code", "PBAK_RECOVERY_CODE", "Recovery code of an encrypted archive"),
					&cli.StringFlag{
						Name:  "profile-root",
						Usage: "Folder the new profile is created in (defaults to the configured profile root)",
					},
					&cli.BoolFlag{
						Name:  "launch",
						Usage: "Start --launch-cmd on the restored profile",
					},
					&cli.StringFlag{
						Name:  "launch-cmd",
						Usage: "Program started with the restored profile folder as argument",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Show what would be restored without actually restoring",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return restoreBackup(ctx, cmd.String("config"), restoreParams{
						archive:     cmd.String("archive"),
						fromS3:      cmd.String("from-s3"),
						code:        cmd.String("code"),
						profileRoot: cmd.String("profile-root"),
						launch:      cmd.Bool("launch"),
						launchCmd:   cmd.String("launch-cmd"),
						dryRun:      cmd.Bool("dry-run"),
					})
				},
			},
			{
				Name:      "info",
				Usage:     "Show what a backup archive contains",
				ArgsUsage: "ARCHIVE",
				Flags:     []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("expected one archive path")
					}
					return archiveInfo(ctx, cmd.String("config"), cmd.Args().First())
				},
			},
			{
				Name:  "list",
				Usage: "List backup archives in the destination folder",
				Flags: []cli.Flag{
					configFlag(),
					&cli.BoolFlag{
						Name:  "validate",
						Usage: "Read each archive and report whether it can be restored",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return listBackups(ctx, cmd.String("config"), cmd.Bool("validate"))
				},
			},
			{
				Name:  "history",
				Usage: "Show recent backup, restore and delete runs",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "kind",
						Usage: "Filter by run kind: backup, restore or delete",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of runs",
						Value: 20,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return showHistory(ctx, cmd.String("config"), cmd.String("kind"), int(cmd.Int("limit")))
				},
			},
			{
				Name:  "status",
				Usage: "Show the persisted backup state",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return showStatus(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "encryption",
				Usage: "Manage backup encryption",
				Commands: []*cli.Command{
					{
						Name:  "enable",
						Usage: "Encrypt new backups with a password",
						Flags: []cli.Flag{
							configFlag(),
							passwordFlag("password", "PBAK_PASSWORD", "Password, also the recovery code of new backups"),
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return setEncryption(ctx, cmd.String("config"), "enable", cmd.String("password"))
						},
					},
					{
						Name:  "disable",
						Usage: "Stop encrypting new backups",
						Flags: []cli.Flag{configFlag()},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return setEncryption(ctx, cmd.String("config"), "disable", "")
						},
					},
					{
						Name:  "verify",
						Usage: "Check a password against the enabled encryption",
						Flags: []cli.Flag{
							configFlag(),
							passwordFlag("password", "PBAK_PASSWORD", "Password to check"),
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return setEncryption(ctx, cmd.String("config"), "verify", cmd.String("password"))
						},
					},
				},
			},
			{
				Name:  "delete-last",
				Usage: "Delete the most recent backup archive",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return deleteLastBackup(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "post-recovery",
				Usage: "Finish a restore on the first start of the recovered profile",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "profile",
						Usage: "Recovered profile folder (defaults to the configured profile)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return postRecovery(ctx, cmd.String("config"), cmd.String("profile"))
				},
			},
			{
				Name:  "check",
				Usage: "Verify that backups of the profile can run",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCheck(ctx, cmd.String("config"))
				},
			},
			{
				Name:  "watch",
				Usage: "Run scheduled backups and regenerate them after deletions",
				Flags: []cli.Flag{configFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return watchProfile(ctx, cmd.String("config"))
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			fmt.Fprintln(os.Stderr, "\ninterrupted")
			os.Exit(130)
		}
		slog.Error("CLI error", "error", err)
		os.Exit(1)
	}
}
