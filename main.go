package main

import (
	"github.com/alecthomas/kong"
	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/logging"
	"github.com/rs/zerolog/log"
)

var (
	version = "unset"
	commit  = "unset"
	binName = "fsguard"
	builtBy = "manual"
	date    = "unset"
)

var cli struct {
	logging.LoggingConfig

	Config string `short:"c" help:"system configuration file" type:"path" default:"${defaultConfig}"`

	Daemon struct{} `cmd:"" help:"Run the monitoring daemon"`
	Init   struct{} `cmd:"" help:"Build the baseline offline, the daemon must not be running"`

	ConfigCmd struct {
		Init struct{} `cmd:"" help:"Write the default configuration file"`
		Show struct{} `cmd:"" help:"Show the configuration the daemon is running with"`
	} `cmd:"" name:"config" help:"Manage the configuration file"`

	Status   struct{} `cmd:"" help:"Show daemon status"`
	InitMode struct {
		Action string `arg:"" enum:"enter,exit" help:"enter or exit initialization mode"`
	} `cmd:"" help:"Switch initialization mode"`
	UpdateMode UpdateModeArgs `cmd:"" help:"Accept changes to protected files for a limited time"`
	Pause      struct{}       `cmd:"" help:"Stop watching protected paths"`
	Resume     struct{}       `cmd:"" help:"Watch protected paths again and scan for changes made meanwhile"`

	Files    FilesArgs `cmd:"" help:"List protected files"`
	FileInfo PathArgs  `cmd:"" help:"Show the baseline record of a file"`
	Check    PathArgs  `cmd:"" help:"Verify a file against the baseline without acting on it"`

	Scan       ScanArgs `cmd:"" help:"Verify a protected path now"`
	ScanStatus JobArgs  `cmd:"" help:"Show a scan or baseline job"`
	ScanCancel JobArgs  `cmd:"" help:"Cancel a running job"`

	Incidents struct{}    `cmd:"" help:"List incidents"`
	Resolve   ResolveArgs `cmd:"" help:"Close an incident"`

	Quarantine struct{}  `cmd:"" help:"List quarantine entries"`
	Revert     EntryArgs `cmd:"" help:"Restore the pre-incident content of a quarantined file"`
	Release    EntryArgs `cmd:"" help:"Return a quarantined file unchanged and accept it into the baseline"`

	Reload struct{} `cmd:"" help:"Reload the daemon configuration"`

	Version kong.VersionFlag `short:"v" help:"Display version."`
}

func main() {
	ctx := kong.Parse(&cli, kong.UsageOnError(), kong.Vars{
		"version":       version,
		"commit":        commit,
		"binName":       binName,
		"builtBy":       builtBy,
		"date":          date,
		"defaultConfig": config.DefaultPath,
	})
	logging.Setup(&cli.LoggingConfig)

	var err error
	switch ctx.Command() {
	case "daemon":
		err = runDaemon(cli.Config)
	case "init":
		err = runInit(cli.Config)
	case "config init":
		err = config.WriteDefault(cli.Config)
		if err == nil {
			log.Info().Str("path", cli.Config).Msg("default configuration written")
		}

	case "status":
		err = status(cli.Config)
	case "config show":
		err = showConfig(cli.Config)
	case "init-mode <action>":
		err = initMode(cli.Config, cli.InitMode.Action)
	case "update-mode <action>":
		err = updateMode(cli.Config, &cli.UpdateMode)
	case "pause":
		err = pause(cli.Config)
	case "resume":
		err = resume(cli.Config)
	case "files", "files <path>":
		err = files(cli.Config, &cli.Files)
	case "file-info <path>":
		err = fileInfo(cli.Config, &cli.FileInfo)
	case "check <path>":
		err = check(cli.Config, &cli.Check)
	case "scan <path>":
		err = scan(cli.Config, &cli.Scan)
	case "scan-status <id>":
		err = scanStatus(cli.Config, &cli.ScanStatus)
	case "scan-cancel <id>":
		err = scanCancel(cli.Config, &cli.ScanCancel)
	case "incidents":
		err = incidents(cli.Config)
	case "resolve <id> <outcome>":
		err = resolve(cli.Config, &cli.Resolve)
	case "quarantine":
		err = listQuarantine(cli.Config)
	case "revert", "revert <id>":
		err = revert(cli.Config, &cli.Revert)
	case "release", "release <id>":
		err = release(cli.Config, &cli.Release)
	case "reload":
		err = reload(cli.Config)

	default:
		log.Info().Str("command", ctx.Command()).Msg("unknown command")
	}
	if err != nil {
		log.Error().Err(err).Str("command", ctx.Command()).Msg("command failed")
		ctx.Exit(1)
	}
	ctx.Exit(0)
}
