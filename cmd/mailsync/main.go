package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/theme"
)

const usage = `Usage: mailsync [-config path] <command> [flags] [args]

Sync:
  upload         send pending mail to the remote store
  download       fetch new mail from the remote store
  serve          sync on an interval and serve the operator API

Mail:
  inbox          list mail received by -as
  outbox         list mail written by -as that has not been sent
  sent           list mail written by -as that has been sent
  search         search mail -as can see
  compose        write a new email
  read           show an email and mark it read
  show           show an email without marking it read
  export         write an email as .eml
  import         compose an email from an .eml file

Accounts:
  account-add    add a local account
  accounts       list local accounts
  set-password   store the IMAP password in the system keyring

Setup:
  init           write a default config file
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, theme.ErrorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

// run parses the global flags, loads the configuration and dispatches to
// the named command.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	global := flag.NewFlagSet("mailsync", flag.ContinueOnError)
	global.SetOutput(stdout)
	global.Usage = func() { fmt.Fprint(stdout, usage) }
	configPath := global.String("config", model.DefaultConfigPath(), "path to configuration file")
	envFile := global.String("env-file", ".env", "dotenv file loaded before the configuration")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if global.NArg() == 0 {
		global.Usage()
		return fmt.Errorf("no command given")
	}
	name, rest := global.Arg(0), global.Args()[1:]

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", *envFile, err)
	}

	if name == "init" {
		return cmdInit(*configPath, rest, stdout)
	}

	cmd, ok := commands[name]
	if !ok {
		global.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	a, err := newApp(ctx, cfg, stdin, stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd(ctx, a, rest)
}

func setupLogger(cfg model.LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
