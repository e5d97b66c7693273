// ftr is a CLI tool for inspecting and managing captured traces.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("base")
	rootConfig.registerBaseFlags(rootFlags)

	rootCommand := &ff.Command{
		Name:      "ftr",
		ShortHelp: "inspect and manage captured traces",
		Flags:     rootFlags,
	}

	// Config for `ftr list`.
	listConfig := &listConfig{rootConfig: rootConfig}
	listFlags := ff.NewFlagSet("list").SetParent(rootFlags)
	listConfig.register(listFlags)
	listCommand := &ff.Command{
		Name:      "list",
		ShortHelp: "list stored traces",
		LongHelp:  "List stored traces, newest first by default.",
		Flags:     listFlags,
		Exec:      listConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, listCommand)

	// Config for `ftr show`.
	showConfig := &showConfig{rootConfig: rootConfig}
	showFlags := ff.NewFlagSet("show").SetParent(rootFlags)
	showConfig.register(showFlags)
	showCommand := &ff.Command{
		Name:      "show",
		Usage:     "ftr show [FLAGS] ID",
		ShortHelp: "print a stored trace",
		LongHelp:  "Decode a stored trace, and print its metadata and frame events.",
		Flags:     showFlags,
		Exec:      showConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, showCommand)

	// Config for `ftr delete`.
	deleteConfig := &deleteConfig{rootConfig: rootConfig}
	deleteFlags := ff.NewFlagSet("delete").SetParent(rootFlags)
	deleteConfig.register(deleteFlags)
	deleteCommand := &ff.Command{
		Name:      "delete",
		Usage:     "ftr delete [FLAGS] [ID ...]",
		ShortHelp: "delete stored traces",
		LongHelp:  "Delete traces by ID, or every trace, pinned or not, created before a cutoff.",
		Flags:     deleteFlags,
		Exec:      deleteConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, deleteCommand)

	// Config for `ftr pin` and `ftr unpin`.
	pinConfig := &pinConfig{rootConfig: rootConfig}
	pinFlags := ff.NewFlagSet("pin").SetParent(rootFlags)
	pinCommand := &ff.Command{
		Name:      "pin",
		Usage:     "ftr pin ID [ID ...]",
		ShortHelp: "protect traces from age-based deletion",
		Flags:     pinFlags,
		Exec:      pinConfig.Pin,
	}
	unpinFlags := ff.NewFlagSet("unpin").SetParent(rootFlags)
	unpinCommand := &ff.Command{
		Name:      "unpin",
		Usage:     "ftr unpin ID [ID ...]",
		ShortHelp: "allow age-based deletion of traces",
		Flags:     unpinFlags,
		Exec:      pinConfig.Unpin,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, pinCommand, unpinCommand)

	// Config for `ftr vacuum`.
	vacuumConfig := &vacuumConfig{rootConfig: rootConfig}
	vacuumFlags := ff.NewFlagSet("vacuum").SetParent(rootFlags)
	vacuumCommand := &ff.Command{
		Name:      "vacuum",
		ShortHelp: "reclaim space freed by deleted traces",
		Flags:     vacuumFlags,
		Exec:      vacuumConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, vacuumCommand)

	// Config for `ftr tail`.
	tailConfig := &tailConfig{rootConfig: rootConfig}
	tailFlags := ff.NewFlagSet("tail").SetParent(rootFlags)
	tailConfig.register(tailFlags)
	tailCommand := &ff.Command{
		Name:      "tail",
		ShortHelp: "print traces as they're saved",
		LongHelp:  "Watch the database, and print each new trace as it's saved, until interrupted.",
		Flags:     tailFlags,
		Exec:      tailConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, tailCommand)

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args, ff.WithEnvVarPrefix("FTR")); err != nil {
		return err
	}

	// Validation and set-up.
	{
		logger := logrus.New()
		logger.SetOutput(stderr)
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
		switch rootConfig.logLevel {
		case "n", "none":
			logger.SetOutput(io.Discard)
		case "i", "info":
			logger.SetLevel(logrus.InfoLevel)
		case "d", "debug":
			logger.SetLevel(logrus.DebugLevel)
		case "t", "trace":
			logger.SetLevel(logrus.TraceLevel)
		default:
			return fmt.Errorf("invalid log level %q", rootConfig.logLevel)
		}
		rootConfig.logger = logger
	}

	if err := rootConfig.loadConfigFile(); err != nil {
		return err
	}

	rootConfig.logger.Debugf("database: %s", rootConfig.dbPath)
	rootConfig.logger.Debugf("busy timeout: %s", rootConfig.storeConfig().BusyTimeout)

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}
