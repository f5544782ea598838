// Command vanity-import adds externally mined vanity keys to the wallet pool.
//
// Input is one key per line as "secretHex[,pattern]"; blank lines and lines
// starting with '#' are ignored. Output never contains key material.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/contestfi/custody/internal/app"
	"github.com/contestfi/custody/internal/chain"
	"github.com/contestfi/custody/internal/custody"
	"github.com/contestfi/custody/internal/keyring"
)

type imported struct {
	Line    int    `json:"line"`
	ID      string `json:"walletId"`
	Address string `json:"address"`
	Pattern string `json:"pattern,omitempty"`
}

type rejected struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

type output struct {
	Imported []imported `json:"imported"`
	Rejected []rejected `json:"rejected"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(app.ExitCode(err))
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("vanity-import", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	f := app.RegisterFlags(fs)

	in := fs.String("in", "-", "input file, or - for stdin")
	pattern := fs.String("pattern", "", "default vanity pattern for lines without one")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}

	log, err := app.NewLogger(stderr, f.LogLevel)
	if err != nil {
		return err
	}

	src := stdin
	if p := strings.TrimSpace(*in); p != "" && p != "-" {
		fh, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("%w: open input: %w", app.ErrInvalidConfig, err)
		}
		defer fh.Close()
		src = fh
	}

	deps, err := app.Open(ctx, f, app.NeedKeys, log, stdout)
	if err != nil {
		return err
	}
	defer deps.Close()

	mgr, err := custody.NewManager(deps.Store, deps.Keys, chain.EVMKeyGenerator{})
	if err != nil {
		return err
	}
	mgr = mgr.WithLogger(log)

	out := output{Imported: []imported{}, Rejected: []rejected{}}
	sc := bufio.NewScanner(src)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		secretHex, pat, _ := strings.Cut(line, ",")
		if strings.TrimSpace(pat) == "" {
			pat = *pattern
		}
		secret, err := chain.ParseSecretHex(secretHex)
		if err != nil {
			out.Rejected = append(out.Rejected, rejected{Line: n, Error: "malformed secret"})
			continue
		}
		w, err := mgr.ImportVanityWallet(ctx, secret, pat)
		keyring.Wipe(secret)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			out.Rejected = append(out.Rejected, rejected{Line: n, Error: err.Error()})
			continue
		}
		out.Imported = append(out.Imported, imported{Line: n, ID: w.ID, Address: w.Address, Pattern: w.VanityPattern})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	log.Info("vanity import done", "imported", len(out.Imported), "rejected", len(out.Rejected))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
