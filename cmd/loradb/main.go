// Command loradb is an administration CLI for the storage engine: running
// ad-hoc SELECT queries, inspecting and editing retention policy, and
// listing or removing devices (spec.md §6's public API, exposed here
// instead of via the out-of-scope HTTP collaborator).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	cli "github.com/urfave/cli/v3"

	"github.com/loradb/loradb/internal/config"
	"github.com/loradb/loradb/internal/logging"
	"github.com/loradb/loradb/pkg/loradb"
)

func main() {
	cmd := &cli.Command{
		Name:  "loradb",
		Usage: "administer a LoRaDB data directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "storage engine data directory"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, error"},
		},
		Commands: []*cli.Command{
			queryCommand(),
			retentionCommand(),
			devicesCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "loradb:", err)
		os.Exit(1)
	}
}

func openDB(cmd *cli.Command) (*loradb.DB, error) {
	logging.SetLevel(cmd.String("log-level"))
	cfg := config.Default()
	cfg.DataDir = cmd.String("data-dir")
	return loradb.Open(cfg)
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "execute a SELECT statement against the data directory",
		ArgsUsage: "\"SELECT * FROM device '0123456789abcdef' WHERE LAST '1h'\"",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return cli.Exit("missing query string", 1)
			}
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := db.ExecuteQuery(cmd.Args().First())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
}

func retentionCommand() *cli.Command {
	return &cli.Command{
		Name:  "retention",
		Usage: "inspect or edit retention policy",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the current retention policy",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer db.Close()

					mgr := db.RetentionManager()
					global := mgr.GlobalDays()
					if global == nil {
						fmt.Println("global_days: (none, keep forever)")
					} else {
						fmt.Println("global_days:", *global)
					}
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "set the global or a per-application retention in days",
				ArgsUsage: "<days> [application-id]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() == 0 {
						return cli.Exit("missing <days>", 1)
					}
					var days int
					if _, err := fmt.Sscanf(cmd.Args().First(), "%d", &days); err != nil {
						return cli.Exit("invalid days value", 1)
					}
					d := uint32(days)

					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer db.Close()

					mgr := db.RetentionManager()
					if cmd.Args().Len() >= 2 {
						return mgr.SetApplicationDays(cmd.Args().Get(1), &d)
					}
					return mgr.SetGlobalDays(&d)
				},
			},
		},
	}
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "list or remove known devices",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list every known device",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer db.Close()

					for _, d := range db.DeviceRegistry().ListDevices() {
						fmt.Printf("%s\tapp=%s\tframes=%s\tlast_seen=%s\n",
							d.DeviceID, d.ApplicationID, humanize.Comma(int64(d.FrameCount)), d.LastSeen.Format("2006-01-02T15:04:05Z07:00"))
					}
					return nil
				},
			},
			{
				Name:      "rm",
				Usage:     "delete a device and all of its stored frames",
				ArgsUsage: "<device-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() == 0 {
						return cli.Exit("missing <device-id>", 1)
					}
					db, err := openDB(cmd)
					if err != nil {
						return err
					}
					defer db.Close()

					n, err := db.DeleteDevice(cmd.Args().First())
					if err != nil {
						return err
					}
					fmt.Printf("deleted %d frames\n", n)
					return nil
				},
			},
		},
	}
}
