package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"browserd/internal/action"
	"browserd/internal/cdp"
	"browserd/internal/logging"
	"browserd/internal/pool"
	"browserd/internal/session"
	"browserd/internal/snapshot"
	"browserd/internal/store"

	"github.com/spf13/cobra"
)

var (
	runOwner           string
	runActionsFile     string
	runContinueOnError bool
	runSnapshot        bool
	runInteractive     bool
	runCDPEndpoint     string
	runCDPPort         int
	runCDPProvider     string
	runImportFile      string
	runExportFile      string
	runLoadProfile     string
	runSaveProfile     string
	runDomains         []string
)

var runCmd = &cobra.Command{
	Use:   "run [url]",
	Short: "Open one session, run a batch of actions, and print the results",
	Long: `Opens a session (or attaches to an external browser with --cdp-*),
optionally restores storage, runs the actions in --actions, and prints a JSON
report. The session is closed on exit.

Actions are a JSON array, for example:

  [{"type":"click","selector":"@e3"},{"type":"get_text","selector":"h1"}]`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnce,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOwner, "owner", "cli", "Owner identity for the session and profiles")
	f.StringVarP(&runActionsFile, "actions", "a", "", "JSON file of actions to run (- for stdin)")
	f.BoolVar(&runContinueOnError, "continue-on-error", false, "Run every action even after one fails")
	f.BoolVar(&runSnapshot, "snapshot", false, "Include an accessibility snapshot after the actions")
	f.BoolVar(&runInteractive, "interactive", true, "Limit the snapshot to interactive elements")
	f.StringVar(&runCDPEndpoint, "cdp-endpoint", "", "Attach to this DevTools endpoint instead of launching")
	f.IntVar(&runCDPPort, "cdp-port", 0, "Attach to a browser debugging on this local port")
	f.StringVar(&runCDPProvider, "cdp-provider", "", "Attach through this configured remote-browser provider")
	f.StringVar(&runImportFile, "import", "", "Storage payload to apply before the actions")
	f.StringVar(&runExportFile, "export", "", "Write the session's storage to this file after the actions")
	f.StringVar(&runLoadProfile, "load-profile", "", "Profile to apply before the actions")
	f.StringVar(&runSaveProfile, "save-profile", "", "Save the session's storage under this profile after the actions")
	f.StringSliceVar(&runDomains, "domains", nil, "Limit storage import/export to these domains")
}

type runReport struct {
	Session  *session.Info           `json:"session"`
	Results  []action.Result         `json:"results,omitempty"`
	Snapshot *session.SnapshotResult `json:"snapshot,omitempty"`
	Profile  *store.ProfileMeta      `json:"profile,omitempty"`
	Exported string                  `json:"exported,omitempty"`
}

func runOnce(cmd *cobra.Command, args []string) error {
	actions, err := readActions(cmd.InOrStdin(), runActionsFile)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	url := ""
	if len(args) == 1 {
		url = args[0]
	}
	info, err := openSession(ctx, a, url)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.sessions.Close(context.Background(), info.ID, runOwner); err != nil {
			logging.SessionWarn("close %s: %v", info.ID, err)
		}
	}()

	report := runReport{Session: info}
	if runLoadProfile != "" {
		if err := a.storage.LoadProfile(ctx, info.ID, runOwner, runLoadProfile); err != nil {
			return fmt.Errorf("load profile %s: %w", runLoadProfile, err)
		}
	}
	if runImportFile != "" {
		payload, err := os.ReadFile(runImportFile)
		if err != nil {
			return err
		}
		if err := a.storage.Import(ctx, info.ID, runOwner, payload, runDomains); err != nil {
			return fmt.Errorf("import %s: %w", runImportFile, err)
		}
	}

	if len(actions) > 0 {
		report.Results, err = a.dispatcher.Run(ctx, info.ID, runOwner, actions, action.BatchOptions{ContinueOnError: runContinueOnError})
		if err != nil {
			return err
		}
	}
	if runSnapshot {
		report.Snapshot, err = a.sessions.Snapshot(ctx, info.ID, runOwner, snapshot.Options{Interactive: runInteractive})
		if err != nil {
			return err
		}
	}
	if runExportFile != "" {
		payload, err := a.storage.Export(ctx, info.ID, runOwner, runDomains)
		if err != nil {
			return err
		}
		if err := os.WriteFile(runExportFile, payload, 0o600); err != nil {
			return err
		}
		report.Exported = runExportFile
	}
	if runSaveProfile != "" {
		report.Profile, err = a.storage.SaveProfile(ctx, info.ID, runOwner, runSaveProfile, runDomains)
		if err != nil {
			return err
		}
	}
	if status, err := a.sessions.Status(info.ID, runOwner); err == nil {
		report.Session = status
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// openSession creates a pooled session, or attaches one to an external
// browser when a --cdp-* flag is set.
func openSession(ctx context.Context, a *app, url string) (*session.Info, error) {
	opts := cdp.Options{Endpoint: runCDPEndpoint, Port: runCDPPort, Provider: runCDPProvider}
	if opts.Endpoint == "" && opts.Port == 0 && opts.Provider == "" {
		return a.sessions.Create(ctx, runOwner, session.Options{URL: url})
	}
	conn, err := a.connector.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	ext, err := a.connector.External(ctx, conn.ID, pool.ContextOptions{})
	if err != nil {
		_ = a.connector.Disconnect(ctx, conn.ID)
		return nil, err
	}
	info, err := a.sessions.Attach(ctx, runOwner, ext)
	if err != nil {
		return nil, err
	}
	if url != "" {
		if _, err := a.sessions.Navigate(ctx, info.ID, runOwner, session.NavigateOptions{URL: url}); err != nil {
			return info, err
		}
	}
	return info, nil
}

func readActions(stdin io.Reader, path string) ([]action.Action, error) {
	if path == "" {
		return nil, nil
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read actions: %w", err)
	}
	var actions []action.Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("parse actions %s: %w", path, err)
	}
	return actions, nil
}
