package app

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/vault-cli/internal/config"
	clierr "github.com/ggonzalez94/vault-cli/internal/errors"
	"github.com/ggonzalez94/vault-cli/internal/execution"
	"github.com/ggonzalez94/vault-cli/internal/logger"
	"github.com/ggonzalez94/vault-cli/internal/metrics"
	"github.com/ggonzalez94/vault-cli/internal/model"
	"github.com/ggonzalez94/vault-cli/internal/out"
	"github.com/ggonzalez94/vault-cli/internal/policy"
	"github.com/ggonzalez94/vault-cli/internal/registry"
	"github.com/ggonzalez94/vault-cli/internal/schema"
	"github.com/ggonzalez94/vault-cli/internal/version"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	stdin  *bufio.Reader
	now    func() time.Time
	// newSigner builds the signer used by run commands.
	newSigner signerFactory
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout:    stdout,
		stderr:    stderr,
		stdin:     bufio.NewReader(os.Stdin),
		now:       time.Now,
		newSigner: newLocalEVMSigner,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	store       *execution.Store
	log         logger.Logger
	root        *cobra.Command
	lastCommand string
	lastPlanID  string
	lastSigner  string
	lastData    any
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, log: &logger.EmptyLogger{}}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	state.flushMetrics()
	if state.store != nil {
		_ = state.store.Close()
	}
	if err == nil {
		return 0
	}

	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Deposit into and withdraw from the multi-chain vault",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.log = logger.NewWriterLogger(s.runner.stderr, settings.Color, logger.ParseLevel(settings.LogLevel))

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if shouldOpenHistory(path) && s.store == nil {
				store, err := execution.OpenStore(settings.HistoryPath, settings.HistoryLockPath, settings.HistoryLimit)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open history store", err)
				}
				s.store = store.WithLogger(s.log)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.EnvFile, "env-file", "", "Path to a .env file (default ./.env)")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|notice|error)")
	cmd.PersistentFlags().BoolVar(&s.flags.NoColor, "no-color", false, "Disable colored log output")
	cmd.PersistentFlags().StringVar(&s.flags.MetricsTextfile, "metrics-textfile", "", "Write prometheus metrics to this file on exit")

	cmd.AddCommand(s.newDepositCommand())
	cmd.AddCommand(s.newWithdrawCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newVersionCommand())

	return cmd
}

// version prints bare text unless --json is passed, so scripts can grep it.
func (s *runtimeState) newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current()
			if s.flags.JSON {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), info, nil)
			}
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), info.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List chains the vault is deployed on",
		RunE: func(cmd *cobra.Command, args []string) error {
			chains := registry.SupportedChains()
			for i := range chains {
				if override := s.settings.RPCURLs[chains[i].ChainID]; override != "" {
					chains[i].RPCURL = override
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), chains, nil)
		},
	}
}

func (s *runtimeState) newHistoryCommand() *cobra.Command {
	var limit int
	var chainArg string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently confirmed vault operations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			chainID, err := historyChainFilter(chainArg)
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = s.settings.HistoryLimit
			}
			records, err := s.store.List(chainID, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list history", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), records, nil)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to return (defaults to the history limit)")
	cmd.Flags().StringVar(&chainArg, "chain", "", "Only show operations on this chain")
	cmd.AddCommand(s.newHistoryClearCommand())
	return cmd
}

type historyClearResult struct {
	Cleared int64 `json:"cleared"`
	ChainID int64 `json:"chain_id,omitempty"`
}

func (s *runtimeState) newHistoryClearCommand() *cobra.Command {
	var chainArg string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete recorded operations (all chains unless --chain is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chainID, err := historyChainFilter(chainArg)
			if err != nil {
				return err
			}
			n, err := s.store.Clear(chainID)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "clear history", err)
			}
			s.log.Notice("Cleared %d history records", n)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), historyClearResult{Cleared: n, ChainID: chainID}, nil)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Only clear operations on this chain")
	return cmd
}

// historyChainFilter resolves --chain for history commands. Empty means every chain.
func historyChainFilter(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	chain, err := registry.ResolveChain(raw)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUsage, "resolve --chain", err)
	}
	return chain.ChainID, nil
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     s.meta(commandPath),
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) meta(commandPath string) model.EnvelopeMeta {
	return model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		PlanID:    s.lastPlanID,
		Signer:    s.lastSigner,
	}
}

// renderError writes the error envelope to stderr. A failed plan carries its
// final state as data so the caller can see which steps to retry.
func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = clierr.TypeName(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	var data any = []any{}
	if s.lastData != nil {
		data = s.lastData
	}
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    data,
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Meta: s.meta(commandPath),
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func shouldOpenHistory(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "deposit", "withdraw", "history", "history clear":
		return true
	default:
		return false
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) flushMetrics() {
	if s.settings.MetricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(s.settings.MetricsTextfile); err != nil {
		s.log.Error("Failed to write metrics: %v", err)
	}
}
