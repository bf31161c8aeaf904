/*
Copyright (c) 2013, Richard Johnson
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:
 * Redistributions of source code must retain the above copyright notice, this
   list of conditions and the following disclaimer.
 * Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS" AND
ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED
WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/sblgo/safebrowsing"
	"github.com/sblgo/safebrowsing/sqlstore"
)

// fileConfig mirrors the flags a --config TOML file may pre-fill; any flag
// given explicitly on the command line overrides the matching field.
type fileConfig struct {
	APIKey         string `toml:"api_key"`
	DBPath         string `toml:"db_path"`
	Debug          bool   `toml:"debug"`
	Log            string `toml:"log"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

var flags struct {
	apiKey     string
	dbPath     string
	checkURL   string
	onetime    bool
	debug      bool
	log        string
	timeout    int
	configPath string
}

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "sblcli",
		Short:         "Safe Browsing v4 update-protocol client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}
	f := root.Flags()
	f.StringVar(&flags.apiKey, "api-key", "", "Safe Browsing API key (required)")
	f.StringVar(&flags.dbPath, "db-path", "./safebrowsing.db", "path to the local SQLite cache")
	f.StringVar(&flags.checkURL, "check-url", "", "look up a single URL and exit, instead of running the sync loop")
	f.BoolVar(&flags.onetime, "onetime", false, "run exactly one sync pass and exit")
	f.BoolVar(&flags.debug, "debug", false, "enable debug-level logging")
	f.StringVar(&flags.log, "log", "", "log file path (default stderr)")
	f.IntVar(&flags.timeout, "timeout", 30, "per-call HTTP timeout in seconds")
	f.StringVar(&flags.configPath, "config", "", "TOML config file pre-filling the flags above")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "sblcli:", err)
		return 1
	}
	return 0
}

func runRoot(cmd *cobra.Command, args []string) error {
	if flags.configPath != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(flags.configPath, &fc); err != nil {
			return fmt.Errorf("reading config file %s: %w", flags.configPath, err)
		}
		changed := cmd.Flags().Changed
		if !changed("api-key") && fc.APIKey != "" {
			flags.apiKey = fc.APIKey
		}
		if !changed("db-path") && fc.DBPath != "" {
			flags.dbPath = fc.DBPath
		}
		if !changed("debug") && fc.Debug {
			flags.debug = fc.Debug
		}
		if !changed("log") && fc.Log != "" {
			flags.log = fc.Log
		}
		if !changed("timeout") && fc.TimeoutSeconds > 0 {
			flags.timeout = fc.TimeoutSeconds
		}
	}
	if flags.apiKey == "" {
		return fmt.Errorf("--api-key is required (directly or via --config)")
	}

	logOut := os.Stderr
	if flags.log != "" {
		f, err := os.OpenFile(flags.log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", flags.log, err)
		}
		defer f.Close()
		logOut = f
	}
	logger := safebrowsing.NewDefaultLogger(logOut, flags.debug)

	ctx := cmd.Context()
	db, err := sqlstore.Open(ctx, flags.dbPath, logger)
	if err != nil {
		return fmt.Errorf("opening cache at %s: %w", flags.dbPath, err)
	}
	defer db.Close()

	httpClient := &http.Client{Timeout: time.Duration(flags.timeout) * time.Second}
	sbr := safebrowsing.NewSafeBrowser(db, safebrowsing.Config{
		APIKey:        flags.apiKey,
		ClientId:      "sblcli",
		ClientVersion: "1.0",
		Doer:          httpClient,
		Logger:        logger,
	})

	if flags.checkURL != "" {
		return checkURL(ctx, sbr, flags.checkURL)
	}
	if flags.onetime {
		return sbr.UpdatePass(ctx)
	}
	return syncLoop(ctx, sbr, logger)
}

func checkURL(ctx context.Context, sbr *safebrowsing.SafeBrowser, url string) error {
	listed, lists, err := sbr.IsListed(ctx, url)
	if err != nil {
		return err
	}
	if listed {
		fmt.Printf("%s is blacklisted in %v\n", url, lists)
	} else {
		fmt.Printf("%s is not blacklisted\n", url)
	}
	return nil
}

// syncLoop alternates update passes with the fixed sleep of spec.md §7's
// error-recovery policy, applied here as the steady-state cadence too: a
// failed pass is logged, never fatal, and the loop tries again after a
// short pause.
func syncLoop(ctx context.Context, sbr *safebrowsing.SafeBrowser, logger safebrowsing.Logger) error {
	for {
		if err := sbr.UpdatePass(ctx); err != nil {
			logger.Error("sblcli: update pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}
