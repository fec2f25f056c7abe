// hfbeacon: HF beacon discovery station
//
// Usage:
//
//	hfbeacon node        : run the station daemon (beacon scheduler + listener)
//	hfbeacon status      : show scheduler, link and host status
//	hfbeacon peers       : list stations heard via beacon
//	hfbeacon beacon-now  : transmit a beacon immediately
//	hfbeacon clear-peers : empty the peer table or evict one peer
package main

import (
	"fmt"
	"os"
	"strings"

	"hfbeacon/cmd/node"
	"hfbeacon/cmd/peers"
)

const (
	defaultSystemPath = "/etc/hfbeacon/config.toml"
	defaultLocalPath  = "config.toml"
	version           = "0.3.0"
)

type cliArgs struct {
	configPath string
	format     string
	node       node.Options
	rest       []string
}

// parseArgs pulls the global flags out of args, wherever they appear.
func parseArgs(args []string) (cliArgs, error) {
	var out cliArgs
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "--format":
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s needs a value", arg)
			}
			if arg == "--config" {
				out.configPath = args[i+1]
			} else {
				out.format = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--config="):
			out.configPath = strings.TrimPrefix(arg, "--config=")
		case strings.HasPrefix(arg, "--format="):
			out.format = strings.TrimPrefix(arg, "--format=")
		case arg == "--test":
			out.node.Test = true
		case arg == "--listen-only":
			out.node.ListenOnly = true
		case arg == "--verbose" || arg == "-v":
			out.node.Verbose = true
		default:
			out.rest = append(out.rest, arg)
		}
	}
	return out, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(1)
	}

	// Auto-discover config if not specified
	if args.configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			args.configPath = defaultLocalPath
		} else {
			args.configPath = defaultSystemPath
		}
	}

	if len(args.rest) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand := args.rest[0]

	switch subcommand {
	case "node":
		err = node.Run(args.configPath, args.node)
	case "status":
		err = peers.Status(args.configPath, args.format)
	case "peers":
		err = peers.List(args.configPath, args.format)
	case "beacon-now":
		err = peers.BeaconNow(args.configPath)
	case "clear-peers":
		identity := ""
		if len(args.rest) > 1 {
			identity = args.rest[1]
		}
		err = peers.Clear(args.configPath, identity)
	case "edit":
		err = node.EditConfig(args.configPath)
	case "version":
		fmt.Printf("hfbeacon v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`hfbeacon v%s: HF beacon discovery station

Usage:
  hfbeacon <command> [--config <path>] [options]

Commands:
  node                   Run the station daemon
  status                 Show scheduler, link and host status
  peers                  List stations heard via beacon
  beacon-now             Transmit a beacon immediately
  clear-peers [identity] Empty the peer table, or evict one peer
  edit                   Edit the configuration file in your system editor
  version                Print version information
  help                   Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./config.toml, then %s)
  --format <fmt>   Output format for status/peers: table, json, yaml
                   (default: table on a terminal, json otherwise)
  --test           node: run the full beacon sequence without transmitting
  --listen-only    node: never transmit, only receive beacons
  --verbose, -v    node: debug logging

Examples:
  hfbeacon node --test                  # Dry run against the modem
  hfbeacon peers --format yaml          # Heard stations as YAML
  hfbeacon clear-peers 00112233445566778899aabbccddeeff

`, version, defaultSystemPath)
}
