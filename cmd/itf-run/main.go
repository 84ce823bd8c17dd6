package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ihebs3ideni/itf/internal/console"
	"github.com/ihebs3ideni/itf/internal/environment"
)

func main() {
	// Load .env if present so ITF_* variables can live next to the profile.
	_ = godotenv.Load()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("itf-run failed")
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("itf-run", flag.ExitOnError)
	profileFlag := fs.String("profile", "", "Path to a YAML environment profile (overrides ITF_* variables)")
	backendFlag := fs.String("backend", "", "Backend override: container, sandbox or direct")
	cwdFlag := fs.String("cwd", "/", "Working directory for the binary inside the environment")
	expectFlag := fs.String("expect", "", "Substring to wait for in the binary's output before stopping it")
	expectTimeout := fs.Duration("expect-timeout", 30*time.Second, "How long to wait for the expected output")
	runFor := fs.Duration("run-for", 0, "How long to let the binary run when no -expect is given (0: stop immediately)")
	verbose := fs.Bool("v", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("no binary given")
	}
	binary, binArgs := fs.Arg(0), fs.Args()[1:]

	cfg := environment.DefaultConfig()
	if *profileFlag != "" {
		var err error
		if cfg, err = environment.LoadProfile(*profileFlag); err != nil {
			return err
		}
	}
	if *backendFlag != "" {
		cfg.Backend = environment.Backend(*backendFlag)
	}

	env, err := environment.NewEnvironment(cfg)
	if err != nil {
		return err
	}

	return environment.WithEnvironment(env, func(env environment.Environment) error {
		handle, err := env.Execute(binary, binArgs, *cwdFlag)
		if err != nil {
			return err
		}

		if *expectFlag != "" {
			if err := waitForOutput(handle, *expectFlag, *expectTimeout); err != nil {
				_, _ = env.StopProcess(handle, cfg.StopTimeout)
				return err
			}
			log.Info().Str("pattern", *expectFlag).Msg("expected output seen")
		} else if *runFor > 0 {
			time.Sleep(*runFor)
		}

		code, err := env.StopProcess(handle, cfg.StopTimeout)
		if err != nil {
			return err
		}
		log.Info().Int("exit_code", code).Msg("binary finished")
		fmt.Println(code)
		return nil
	})
}

// waitForOutput blocks until any of the handle's readers sees the substring.
func waitForOutput(handle *environment.ProcessHandle, substr string, timeout time.Duration) error {
	readers := handle.Readers()
	if len(readers) == 0 {
		return fmt.Errorf("no output readers attached")
	}

	found := make(chan struct{}, len(readers))
	for _, r := range readers {
		go func(r *console.LineReader) {
			if ok, err := r.ReadUntil(console.Pattern{Expr: substr}, timeout); err == nil && ok {
				found <- struct{}{}
			}
		}(r)
	}

	select {
	case <-found:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for %q", timeout, substr)
	}
}
