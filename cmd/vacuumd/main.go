package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/sausheong/vacengine/internal/catalog"
	"github.com/sausheong/vacengine/internal/config"
	"github.com/sausheong/vacengine/internal/txn"
	"github.com/sausheong/vacengine/internal/vacuum"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("lock_dir", cfg.LockDir).
		Uint32("xmax_recent_lookback", cfg.XmaxRecentLookback).
		Msg("starting vacuumd")

	cat := catalog.New(cfg.DataDir)
	tm := txn.NewTransactionManager()
	if err := tm.LoadState(cfg.DataDir); err != nil {
		return fmt.Errorf("load transaction state: %w", err)
	}

	console := &console{cfg: cfg, cat: cat, tm: tm, log: logger}
	return console.loop()
}

func setupLogger(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).
		Level(logLevel).
		With().
		Timestamp().
		Caller().
		Logger()
}

// console is the interactive front end: a thin readline loop over
// vacuum.Run, in place of the SQL planner/executor a full mindb
// console would otherwise drive commands through.
type console struct {
	cfg *config.Config
	cat *catalog.Catalog
	tm  *txn.TransactionManager
	log zerolog.Logger
}

func (c *console) loop() error {
	fmt.Println("vacuumd - reclaim engine console")
	fmt.Println("Commands: \\relations, \\vacuum [table] [verbose] [analyze], \\quit")
	fmt.Println()

	rl, err := readline.New("vacuumd> ")
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Printf("error reading input: %v\n", err)
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	fmt.Println("Goodbye!")
	return nil
}

func (c *console) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]

	switch cmd {
	case "\\quit", "\\q", "exit", "quit":
		os.Exit(0)
	case "\\relations", "\\d":
		return c.listRelations()
	case "\\vacuum":
		return c.runVacuum(fields[1:])
	default:
		return fmt.Errorf("unknown command %q (try \\relations, \\vacuum, \\quit)", cmd)
	}
	return nil
}

func (c *console) listRelations() error {
	relations, _, err := c.cat.EnumerateTables("")
	if err != nil {
		return err
	}
	if len(relations) == 0 {
		fmt.Println("(no relations registered)")
		return nil
	}
	for _, rel := range relations {
		fmt.Printf("%-24s pages=%-6d tuples=%-8d indexes=%d\n", rel.Name, rel.NumPages, rel.NumTuples, len(rel.Indexes))
	}
	return nil
}

// runVacuum parses \vacuum [table] [verbose] [analyze] and drives one
// invocation of the vacuum(target, verbose, analyze, columns) entry
// point (spec §6).
func (c *console) runVacuum(args []string) error {
	req := vacuum.Request{Verbose: c.cfg.Verbose}
	for _, arg := range args {
		switch arg {
		case "verbose":
			req.Verbose = true
		case "analyze":
			req.Analyze = true
		default:
			req.Target = arg
		}
	}

	report, err := vacuum.Run(c.cat, c.tm, c.cfg.LockDir, c.cfg.XmaxRecentLookback, req, c.log)
	if err != nil {
		return err
	}

	for _, rel := range report.Relations {
		fmt.Printf("%-24s pages=%-6d tuples=%-8d moved=%-6d chains_skipped=%-4d blocked=%-5t elapsed=%s\n",
			rel.Name, rel.NumPages, rel.NumTuples, rel.Moved, rel.ChainsSkipped, rel.MoveBlocked, rel.Elapsed)
	}
	if len(report.Skipped) > 0 {
		fmt.Printf("skipped non-table relations: %s\n", strings.Join(report.Skipped, ", "))
	}

	if err := c.tm.SaveState(c.cfg.DataDir); err != nil {
		return fmt.Errorf("save transaction state: %w", err)
	}
	return nil
}
