package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bazaar/cmd/internal/passphrase"
	"bazaar/core/types"
	"bazaar/crypto"
	"bazaar/gateway/middleware"
	"bazaar/services/marketd"
)

const (
	keygenCommand  = "keygen"
	addressCommand = "address"
	tokenCommand   = "token"
	exportCommand  = "export"

	defaultPassEnv   = "MARKETCTL_PASS"
	defaultSecretEnv = "MARKETD_JWT_SECRET"
	defaultIssuer    = "marketctl"
	defaultAudience  = "marketd"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:])
	case addressCommand:
		err = runAddress(os.Args[2:])
	case tokenCommand:
		err = runToken(os.Args[2:])
	case exportCommand:
		err = runExport(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: marketctl <command> [flags]

Commands:
  %s   generate a participant key and store it in an encrypted keystore
  %s  print the address held in a keystore
  %s    issue a bearer token for marketd
  %s   write a settlement report (CSV and Parquet) from a marketd event log
`, keygenCommand, addressCommand, tokenCommand, exportCommand)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ExitOnError)
	keystorePath := fs.String("keystore", "participant.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	_ = fs.Parse(args)

	pass, err := passphrase.NewSource(*passEnv, "participant keystore").Confirmed().Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass, *force); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Printf("Address:  %s\nKeystore: %s\n", key.Address(), *keystorePath)
	return nil
}

func runAddress(args []string) error {
	fs := flag.NewFlagSet(addressCommand, flag.ExitOnError)
	keystorePath := fs.String("keystore", "participant.keystore", "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	_ = fs.Parse(args)

	addr, err := keystoreAddress(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ExitOnError)
	subject := fs.String("address", "", "Participant address (mkt1...); defaults to the keystore address")
	keystorePath := fs.String("keystore", "", "Keystore to take the address from when -address is empty")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the marketd JWT secret")
	issuer := fs.String("issuer", defaultIssuer, "Token issuer; must match marketd auth.Issuer")
	audience := fs.String("audience", defaultAudience, "Token audience; must match marketd auth.Audience")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	_ = fs.Parse(args)

	var (
		addr types.Address
		err  error
	)
	switch {
	case strings.TrimSpace(*subject) != "":
		addr, err = types.ParseAddress(*subject)
	case *keystorePath != "":
		addr, err = keystoreAddress(*keystorePath, *passEnv)
	default:
		return fmt.Errorf("either -address or -keystore is required")
	}
	if err != nil {
		return err
	}
	secret := os.Getenv(*secretEnv)
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%s is not set", *secretEnv)
	}
	token, err := middleware.IssueToken(secret, *issuer, *audience, addr, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func keystoreAddress(path, passEnv string) (types.Address, error) {
	pass, err := passphrase.NewSource(passEnv, "participant keystore").Get()
	if err != nil {
		return types.Address{}, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return types.Address{}, fmt.Errorf("open keystore: %w", err)
	}
	return key.Address(), nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet(exportCommand, flag.ExitOnError)
	eventsPath := fs.String("events", "./market-data/events.db", "Path to the marketd event log")
	outDir := fs.String("out", "./reports", "Directory receiving settlements.csv and settlements.parquet")
	after := fs.Int64("after", 0, "Only include events after this sequence")
	_ = fs.Parse(args)

	if _, err := os.Stat(*eventsPath); err != nil {
		return fmt.Errorf("event log: %w", err)
	}
	eventLog, err := marketd.OpenEventLog(*eventsPath)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	rows, err := marketd.SettlementRows(context.Background(), eventLog, *after)
	if err != nil {
		return err
	}
	csvPath, parquetPath, err := marketd.WriteSettlementReport(*outDir, rows)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d settlements\n  %s\n  %s\n", len(rows), csvPath, parquetPath)
	return nil
}
