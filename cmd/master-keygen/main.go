// Command master-keygen creates a master key for envelope encryption of
// wallet secrets. The key is written to a new 0600 file, or to stdout when
// no path is given, so it can be loaded into a secrets manager.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/contestfi/custody/internal/keyring"
)

type output struct {
	Version uint   `json:"version"`
	Path    string `json:"path"`
	Ref     string `json:"ref"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("master-keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	out := fs.String("out", "", "file to create with the hex key (never overwritten); stdout when empty")
	version := fs.Uint("version", 1, "key version the file will be registered under")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *version == 0 {
		return errors.New("--version must be > 0")
	}

	key, err := keyring.GenerateMasterKey()
	if err != nil {
		return err
	}
	defer keyring.Wipe(key)
	line := []byte(hex.EncodeToString(key) + "\n")
	defer keyring.Wipe(line)

	path := strings.TrimSpace(*out)
	if path == "" {
		_, err := stdout.Write(line)
		return err
	}
	if err := writeNew0600(path, line); err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output{Version: *version, Path: path, Ref: fmt.Sprintf("%d=file:%s", *version, path)})
}

func writeNew0600(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create key file %s: %w", path, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync key file %s: %w", path, err)
	}
	return f.Close()
}
