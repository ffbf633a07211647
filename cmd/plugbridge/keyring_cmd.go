package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"plugbridge/internal/adapter/store"
	"plugbridge/internal/infra/config"
	"plugbridge/internal/infra/logger"
)

var errNoEncryptionKey = errors.New("no encryption key configured (set security.encryption_key or PLUGBRIDGE_ENCRYPTION_KEY)")

type secretKeyring interface {
	Set(ctx context.Context, service, account, secret string) error
	Delete(ctx context.Context, service, account string) error
}

func runKeyring(args []string) error {
	if len(args) == 0 {
		printKeyringUsage(os.Stdout)
		return nil
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	enc, kr, err := initSecurity(cfg, st, logger.Discard())
	if err != nil {
		return err
	}
	if enc == nil {
		return errNoEncryptionKey
	}
	defer enc.Zeroize()

	return keyringCommand(context.Background(), kr, args, os.Stdin, os.Stdout)
}

func printKeyringUsage(w io.Writer) {
	fmt.Fprintln(w, `plugbridge keyring - Host secrets for keyring() and keychain()

USAGE:
    plugbridge keyring <COMMAND>

COMMANDS:
    set <service> <account>      Store a secret read from stdin
    delete <service> <account>   Remove a stored secret`)
}

func keyringCommand(ctx context.Context, kr secretKeyring, args []string, in io.Reader, out io.Writer) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: plugbridge keyring %s <service> <account>", args[0])
	}
	service, account := args[1], args[2]

	switch args[0] {
	case "set":
		secret, err := readSecret(in)
		if err != nil {
			return err
		}
		if err := kr.Set(ctx, service, account, secret); err != nil {
			return err
		}
		fmt.Fprintf(out, "Stored secret for %s/%s\n", service, account)
		return nil
	case "delete":
		if err := kr.Delete(ctx, service, account); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted secret for %s/%s\n", service, account)
		return nil
	default:
		return fmt.Errorf("unknown keyring subcommand: %s", args[0])
	}
}

// readSecret reads the first line of in.
func readSecret(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("empty secret")
	}
	return secret, nil
}
