package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"opmsync/config"
	"opmsync/internal/app"
	"opmsync/internal/services"
	"opmsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/spf13/pflag"
)

const (
	exitOK          = 0
	exitFailures    = 1
	exitConfigError = 2
)

const usage = `usage: opmsync [command] [flags]

commands:
  run      sync the configured window once (default)
  status   list unpublished months per data type and leftover scratch files
  serve    start the status API, progress feed and monthly scheduler
  token    print an admin token for POST /api/runs
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := logger.New("main").Function("run")

	command := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	flags := pflag.NewFlagSet(command, pflag.ContinueOnError)
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flags.String("start", "", "first month to sync (YYYY-MM)")
	flags.String("end", "", "last month to sync (YYYY-MM), defaults to the previous month")
	flags.String("types", "", "comma separated data types: accessions,separations,employment")
	flags.Int("port", 0, "HTTP port for serve")
	schedule := flags.Bool("schedule", true, "register the monthly sync when serving")
	subject := flags.String("subject", "operator", "token subject")
	ttl := flags.Duration("ttl", 0, "token lifetime, defaults to 24h")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitConfigError
	}

	config, err := config.New(flags)
	if err != nil {
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "run":
		return runOnce(ctx, config)
	case "status":
		return status(ctx, config)
	case "serve":
		return serve(ctx, config, *schedule)
	case "token":
		return token(config, *subject, *ttl)
	default:
		log.Warn("unknown command", "command", command)
		fmt.Fprint(os.Stderr, usage)
		return exitConfigError
	}
}

func runOnce(ctx context.Context, config config.Config) int {
	log := logger.New("main").Function("runOnce")

	start, end, dataTypes, err := config.RunWindow()
	if err != nil {
		log.Er("invalid run window", err)
		return exitConfigError
	}

	application, err := app.New(ctx, config, app.Options{})
	if err != nil {
		return exitCode(err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Er("failed to close app", err)
		}
	}()

	summary, err := application.Services.Pipeline.Run(ctx, services.RunRequest{
		Start:   start,
		End:     end,
		Types:   dataTypes,
		Trigger: "cli",
	})
	if err != nil {
		log.Er("run did not start", err)
		return exitCode(err)
	}

	fmt.Print(summary.Text())

	if summary.HasFailures() {
		return exitFailures
	}
	return exitOK
}

func status(ctx context.Context, config config.Config) int {
	log := logger.New("main").Function("status")

	start, end, dataTypes, err := config.RunWindow()
	if err != nil {
		log.Er("invalid run window", err)
		return exitConfigError
	}

	application, err := app.New(ctx, config, app.Options{})
	if err != nil {
		return exitCode(err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Er("failed to close app", err)
		}
	}()

	inventory := application.Services.Inventory
	fmt.Printf("Owner %s, window %s to %s\n", inventory.Owner(), start, end)
	for _, dataType := range dataTypes {
		gaps, err := inventory.Gaps(ctx, dataType, start, end)
		if err != nil {
			log.Er("failed to list published months", err, "dataType", dataType.Slug())
			return exitFailures
		}
		fmt.Printf("  %-12s %d unpublished", dataType.Slug(), len(gaps))
		for _, month := range gaps {
			fmt.Printf(" %s", month)
		}
		fmt.Println()
	}

	files, err := application.Services.Scratch.ListStoredFiles(ctx)
	if err != nil {
		log.Er("failed to list scratch files", err)
		return exitFailures
	}
	if len(files) > 0 {
		fmt.Println("Scratch files:")
		for _, file := range files {
			fmt.Printf("  %s (%d bytes, %s)\n", file.Path, file.Size, file.ModifiedAt.Format("2006-01-02 15:04"))
		}
	}

	return exitOK
}

func exitCode(err error) int {
	if errors.Is(err, services.ErrRunInProgress) {
		return exitFailures
	}
	if errors.Is(err, types.ErrConfiguration) {
		return exitConfigError
	}
	return exitFailures
}
