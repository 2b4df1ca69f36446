// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Command ebicsctl is the operator tool of the EBICS connection
// manager: subscriber key initialization, manual downloads and
// uploads, file processing and the scheduled import entry point.
//
// Usage:
//
//	ebicsctl -config config.yaml init1 -connection conn1 -user USER1
//	ebicsctl -config config.yaml download -connection conn1 -user USER1 -formats camt.053
//	ebicsctl -config config.yaml upload -connection conn1 -user USER1 -format cct -file payment.xml
//	ebicsctl -config config.yaml import
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/sirosfoundation/go-ebics/internal/config"
	"github.com/sirosfoundation/go-ebics/internal/service"
	"github.com/sirosfoundation/go-ebics/internal/storage"
	"github.com/sirosfoundation/go-ebics/internal/storage/badgerstore"
	"github.com/sirosfoundation/go-ebics/internal/storage/mongodb"
	"github.com/sirosfoundation/go-ebics/pkg/transport"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, flag.Args(), logger); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: ebicsctl [-config file] <command> [options]

Commands:
  init1, init2, init3, init4   subscriber key initialization steps
  passphrase                   rotate the keyring passphrase
  download                     fetch statement files from the bank
  upload                       send a payment file to the bank
  process                      import a downloaded file into statements
  import                       scheduled download + import run`)
}

func run(ctx context.Context, configPath string, args []string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	poster := transport.NewClient(&transport.Config{
		MinTLSVersion:   transport.TLS12,
		MaxTLSVersion:   transport.TLS13,
		CipherSuites:    transport.RecommendedTLS12CipherSuites,
		Timeout:         cfg.Transport.Timeout,
		IdleConnTimeout: 90 * time.Second,
	})

	svc, err := service.New(service.Config{
		Store:           store,
		Poster:          poster,
		KeysRoot:        cfg.Paths.KeysRoot,
		DupCheckFormats: cfg.Import.DupCheckFormats,
		RetryAttempts:   cfg.Import.RetryAttempts,
		RetryBackoff:    cfg.Import.RetryBackoff,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	if err := svc.Register(ctx); err != nil {
		return err
	}

	command, rest := args[0], args[1:]
	switch command {
	case "init1", "init2", "init3", "init4":
		return runInit(ctx, svc, command, rest)
	case "passphrase":
		return runPassphrase(ctx, svc, rest)
	case "download":
		return runDownload(ctx, svc, rest)
	case "upload":
		return runUpload(ctx, svc, rest)
	case "process":
		return runProcess(ctx, svc, rest)
	case "import":
		return runImport(ctx, svc, rest)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "mongodb":
		return mongodb.NewStore(ctx, &mongodb.Config{
			URI:      cfg.Storage.MongoDB.URI,
			Database: cfg.Storage.MongoDB.Database,
		})
	default:
		return badgerstore.Open(cfg.Storage.Badger.Path)
	}
}

func runInit(ctx context.Context, svc *service.Service, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	connectionID := fs.String("connection", "", "Bank connection id")
	userID := fs.String("user", "", "Subscriber user id")
	bankName := fs.String("bank-name", "", "Bank name printed on the INI letter")
	locale := fs.String("locale", "", "Operator locale for the INI letter language")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *connectionID == "" || *userID == "" {
		return fmt.Errorf("%s: -connection and -user are required", command)
	}

	passphrase, err := promptPassword("Keyring passphrase: ")
	if err != nil {
		return err
	}
	req := service.InitRequest{
		ConnectionID:   *connectionID,
		UserID:         *userID,
		Passphrase:     passphrase,
		BankName:       *bankName,
		OperatorLocale: *locale,
	}

	var result *service.InitResult
	switch command {
	case "init1":
		result, err = svc.InitStep1(ctx, req)
	case "init2":
		result, err = svc.InitStep2(ctx, req)
	case "init3":
		result, err = svc.InitStep3(ctx, req)
	case "init4":
		result, err = svc.InitStep4(ctx, req)
	}
	if err != nil {
		return err
	}

	fmt.Printf("subscriber %s is now in state %s\n", *userID, result.State)
	if result.Letter != "" {
		fmt.Println("\nSign and mail this INI letter to the bank:")
		fmt.Println(result.Letter)
	}
	if result.BankKeyDigest != "" {
		fmt.Println("\nVerify these bank key fingerprints before running init4:")
		fmt.Println(result.BankKeyDigest)
	}
	return nil
}

func runPassphrase(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("passphrase", flag.ExitOnError)
	connectionID := fs.String("connection", "", "Bank connection id")
	userID := fs.String("user", "", "Subscriber user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *connectionID == "" || *userID == "" {
		return fmt.Errorf("passphrase: -connection and -user are required")
	}

	oldPass, err := promptPassword("Current passphrase: ")
	if err != nil {
		return err
	}
	newPass, err := promptPassword("New passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Repeat new passphrase: ")
	if err != nil {
		return err
	}
	if newPass != confirm {
		return fmt.Errorf("passphrases do not match")
	}
	if err := svc.ChangePassphrase(ctx, *connectionID, *userID, oldPass, newPass, "", ""); err != nil {
		return err
	}
	fmt.Println("passphrase rotated")
	return nil
}

func runDownload(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	connectionID := fs.String("connection", "", "Bank connection id")
	userID := fs.String("user", "", "Subscriber user id")
	formats := fs.String("formats", "", "Comma-separated format ids (default set when empty)")
	from := fs.String("from", "", "Start date YYYY-MM-DD")
	to := fs.String("to", "", "End date YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *connectionID == "" || *userID == "" {
		return fmt.Errorf("download: -connection and -user are required")
	}

	req := service.DownloadRequest{ConnectionID: *connectionID, UserID: *userID}
	if *formats != "" {
		req.FormatIDs = strings.Split(*formats, ",")
	}
	if *from != "" {
		date, err := time.Parse("2006-01-02", *from)
		if err != nil {
			return fmt.Errorf("parsing -from: %w", err)
		}
		req.DateFrom = &date
	}
	if *to != "" {
		date, err := time.Parse("2006-01-02", *to)
		if err != nil {
			return fmt.Errorf("parsing -to: %w", err)
		}
		req.DateTo = &date
	}

	report, err := svc.Download(ctx, req)
	if err != nil {
		return err
	}
	for _, file := range report.Files {
		fmt.Printf("downloaded %s (%s, %d bytes)\n", file.Name, file.Format, len(file.Payload))
	}
	for _, formatID := range report.NoData {
		fmt.Printf("no data for %s\n", formatID)
	}
	for _, formatErr := range report.Errors {
		fmt.Printf("error: %v\n", formatErr)
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d of %d formats failed", len(report.Errors), len(report.Errors)+len(report.Files)+len(report.NoData))
	}
	return nil
}

func runUpload(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	connectionID := fs.String("connection", "", "Bank connection id")
	userID := fs.String("user", "", "Subscriber user id")
	formatID := fs.String("format", "", "Upload format id")
	file := fs.String("file", "", "Payment file to upload")
	testMode := fs.Bool("test", false, "Ask the bank to validate without executing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *connectionID == "" || *userID == "" || *formatID == "" || *file == "" {
		return fmt.Errorf("upload: -connection, -user, -format and -file are required")
	}

	payload, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	passphrase, err := promptPassword("Keyring passphrase: ")
	if err != nil {
		return err
	}
	orderID, err := svc.Upload(ctx, service.UploadRequest{
		ConnectionID: *connectionID,
		UserID:       *userID,
		Passphrase:   passphrase,
		FormatID:     *formatID,
		Payload:      payload,
		TestMode:     *testMode,
	})
	if err != nil {
		return err
	}
	fmt.Printf("uploaded %s as order %s\n", *file, orderID)
	return nil
}

func runProcess(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	fileID := fs.String("file", "", "Downloaded file id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *fileID == "" {
		return fmt.Errorf("process: -file is required")
	}

	result, err := svc.Process(ctx, *fileID)
	if err != nil {
		return err
	}
	fmt.Printf("created %d statements\n", len(result.StatementIDs))
	for _, note := range result.Notes {
		fmt.Println(note)
	}
	return nil
}

func runImport(ctx context.Context, svc *service.Service, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	connections := fs.String("connections", "", "Comma-separated connection ids (all confirmed when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := service.BatchRequest{}
	if *connections != "" {
		req.ConnectionIDs = strings.Split(*connections, ",")
	}
	batch, err := svc.RunScheduledImport(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("batch %s finished with state %s\n", batch.ID, batch.State)
	for _, entry := range batch.Entries {
		fmt.Printf("[%s] %s\n", entry.Level, entry.Message)
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}
