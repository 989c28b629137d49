package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
)

const version = "0.4.0"

func main() {
	app := cli.NewApp()
	app.Name = "fastrec"
	app.Usage = "sync recordings from a fastrec BLE voice recorder"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Path to config.json (default: <data dir>/config.json)",
		},
		cli.StringFlag{
			Name:  "adapter",
			Value: "hci0",
			Usage: "Bluetooth adapter",
		},
		cli.StringFlag{
			Name:   "log-level",
			Usage:  "TRACE, DEBUG, INFO, WARN or ERROR; overrides the config",
			EnvVar: "FASTREC_LOG_LEVEL",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 2 * time.Minute,
			Usage: "Deadline for one-shot commands, connection included",
		},
	}

	locationFlags := []cli.Flag{
		cli.Float64Flag{Name: "lat", Usage: "Latitude recorded after each sync"},
		cli.Float64Flag{Name: "lon", Usage: "Longitude recorded after each sync"},
	}

	app.Commands = []cli.Command{
		cli.Command{
			Name:   "daemon",
			Usage:  "Stay connected and sync new recordings as they appear",
			Flags:  locationFlags,
			Action: daemonCommand,
		},
		cli.Command{
			Name:  "sim",
			Usage: "Run the daemon against a simulated recorder",
			Flags: append([]cli.Flag{
				cli.StringFlag{Name: "name", Value: "fastrec", Usage: "Advertised device name"},
				cli.IntFlag{Name: "files", Value: 3, Usage: "Recordings preloaded on the device"},
				cli.IntFlag{Name: "size", Value: 32000, Usage: "Bytes per recording"},
				cli.IntFlag{Name: "busy", Usage: "File list requests answered with an error before the device is idle"},
				cli.BoolFlag{Name: "perfect", Usage: "No simulated delays"},
				cli.BoolFlag{Name: "once", Usage: "Exit after the first sync pass"},
			}, locationFlags...),
			Action: simCommand,
		},
		cli.Command{
			Name:   "info",
			Usage:  "Show battery, state and firmware",
			Action: withDevice(infoCommand),
		},
		cli.Command{
			Name:   "ls",
			Usage:  "List recordings on the device",
			Action: withDevice(lsCommand),
		},
		cli.Command{
			Name:      "get",
			Usage:     "Download one recording",
			ArgsUsage: "<name>",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "delete, d", Usage: "Delete from the device after download"},
			},
			Action: withDevice(getCommand),
		},
		cli.Command{
			Name:      "rm",
			Usage:     "Delete one recording from the device",
			ArgsUsage: "<name>",
			Action:    withDevice(rmCommand),
		},
		cli.Command{
			Name:   "time",
			Usage:  "Set the device clock to this host's time",
			Action: withDevice(timeCommand),
		},
		cli.Command{
			Name:  "settings",
			Usage: "Read or change the device configuration",
			Subcommands: []cli.Command{
				cli.Command{
					Name:   "get",
					Usage:  "Print the device settings",
					Action: withDevice(settingsGetCommand),
				},
				cli.Command{
					Name:      "set",
					Usage:     "Change device settings",
					ArgsUsage: "key=value...",
					Action:    withDevice(settingsSetCommand),
				},
			},
		},
		cli.Command{
			Name:  "history",
			Usage: "Print recorded battery and location samples",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "n", Value: 20, Usage: "Number of most recent entries (0 = all)"},
			},
			Action: historyCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, Red(err.Error()))
		os.Exit(1)
	}
}
