package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	clitools "github.com/gentoomaniac/fsguard/pkg/cli"
	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/daemon"
	"github.com/gentoomaniac/fsguard/pkg/ipc"
	"github.com/gentoomaniac/fsguard/pkg/quarantine"
	"github.com/rs/zerolog/log"
)

type ScanArgs struct {
	Path string `arg:"" help:"absolute path below a protected path" type:"path"`
}

type PathArgs struct {
	Path string `arg:"" help:"absolute path of a protected file" type:"path"`
}

type FilesArgs struct {
	Path string `arg:"" optional:"" help:"only list files below this path" type:"path"`
}

type UpdateModeArgs struct {
	Action  string `arg:"" enum:"enter,exit" help:"enter or exit update mode"`
	Timeout int    `short:"t" help:"seconds to accept changes, 0 uses the configured default" default:"0"`
}

type JobArgs struct {
	ID string `arg:"" help:"job ID"`
}

type ResolveArgs struct {
	ID      string `arg:"" help:"incident ID"`
	Outcome string `arg:"" enum:"confirmed,false_positive" help:"confirmed or false_positive"`
}

type EntryArgs struct {
	ID string `arg:"" optional:"" help:"ID of the quarantine entry, prompts when omitted"`
}

// dial connects to the socket named in the configuration. Without a
// configuration file the default socket is used.
func dial(configPath string) (*ipc.Client, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", configPath).Msg("no configuration file, using the default socket")
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	client, err := ipc.Dial(cfg.IPCSocket, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to the daemon at %s: %w", cfg.IPCSocket, err)
	}
	return client, nil
}

// call runs a single command and prints its result.
func call(configPath, command string, args interface{}) error {
	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.Call(command, args, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func status(configPath string) error {
	return call(configPath, daemon.CmdGetStatus, nil)
}

func initMode(configPath, action string) error {
	if action == "enter" {
		return call(configPath, daemon.CmdEnterInitMode, nil)
	}
	return call(configPath, daemon.CmdExitInitMode, nil)
}

func updateMode(configPath string, params *UpdateModeArgs) error {
	if params.Action == "enter" {
		return call(configPath, daemon.CmdEnterUpdateMode, daemon.UpdateArgs{Timeout: params.Timeout})
	}
	return call(configPath, daemon.CmdExitUpdateMode, nil)
}

func pause(configPath string) error {
	return call(configPath, daemon.CmdPauseMonitoring, nil)
}

func resume(configPath string) error {
	return call(configPath, daemon.CmdResumeMonitoring, nil)
}

func files(configPath string, params *FilesArgs) error {
	return call(configPath, daemon.CmdListFiles, daemon.PathArgs{Path: params.Path})
}

func fileInfo(configPath string, params *PathArgs) error {
	return call(configPath, daemon.CmdGetFileInfo, daemon.PathArgs{Path: params.Path})
}

func check(configPath string, params *PathArgs) error {
	return call(configPath, daemon.CmdCheckFile, daemon.PathArgs{Path: params.Path})
}

func showConfig(configPath string) error {
	return call(configPath, daemon.CmdGetConfig, nil)
}

func scan(configPath string, params *ScanArgs) error {
	return call(configPath, daemon.CmdTriggerManualScan, daemon.ScanArgs{Path: params.Path})
}

func scanStatus(configPath string, params *JobArgs) error {
	return call(configPath, daemon.CmdGetScan, daemon.IDArgs{ID: params.ID})
}

func scanCancel(configPath string, params *JobArgs) error {
	return call(configPath, daemon.CmdCancelScan, daemon.IDArgs{ID: params.ID})
}

func incidents(configPath string) error {
	return call(configPath, daemon.CmdListIncidents, nil)
}

func resolve(configPath string, params *ResolveArgs) error {
	return call(configPath, daemon.CmdResolveIncident, daemon.ResolveArgs{ID: params.ID, Outcome: params.Outcome})
}

func listQuarantine(configPath string) error {
	return call(configPath, daemon.CmdListQuarantine, nil)
}

func revert(configPath string, params *EntryArgs) error {
	return closeEntry(configPath, daemon.CmdRevertEntry, "Revert", params.ID)
}

func release(configPath string, params *EntryArgs) error {
	return closeEntry(configPath, daemon.CmdReleaseEntry, "Release", params.ID)
}

func closeEntry(configPath, command, label, id string) error {
	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if id == "" {
		var entries []quarantine.Entry
		if err := client.Call(daemon.CmdListQuarantine, nil, &entries); err != nil {
			return err
		}
		var open []quarantine.Entry
		for _, entry := range entries {
			if entry.State == quarantine.StateQuarantined {
				open = append(open, entry)
			}
		}
		entry, err := clitools.PromptEntry(label, open)
		if err != nil {
			return err
		}
		log.Debug().Str("id", entry.ID).Str("path", entry.OriginalPath).Str("incident", entry.IncidentID).Msg("entry selected")
		id = entry.ID
	}

	var result quarantine.Entry
	if err := client.Call(command, daemon.IDArgs{ID: id}, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func reload(configPath string) error {
	return call(configPath, daemon.CmdReloadConfig, nil)
}
