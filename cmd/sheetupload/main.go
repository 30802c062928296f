package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-sheetupload/publish"
	"github.com/bitrise-io/go-sheetupload/records"
	"github.com/bitrise-io/go-sheetupload/stepconf"
	"github.com/bitrise-io/go-sheetupload/upload/chunkuploader"
	"github.com/bitrise-io/go-sheetupload/upload/network"
	"github.com/bitrise-io/go-sheetupload/workbook"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Exit codes
const (
	exitOK = iota
	exitConfig
	exitEncoding
	exitAuthorization
	exitNotFound
	exitTransient
	exitUpload
)

func main() {
	os.Exit(run(os.Args[1:], env.NewRepository(), log.NewLogger()))
}

func run(args []string, envRepo env.Repository, logger log.Logger) int {
	flags := flag.NewFlagSet("sheetupload", flag.ContinueOnError)
	configDir := flags.String("config-dir", ".", "Directory of appsettings.json, appsettings.{env}.json and secrets.env")
	environment := flags.String("env", "", "Environment name, selects appsettings.{env}.json (default $"+stepconf.EnvironmentEnvKey+")")
	verbose := flags.Bool("verbose", false, "Enable debug logs")
	if err := flags.Parse(args); err != nil {
		return exitConfig
	}
	logger.EnableDebugLog(*verbose)

	config, err := stepconf.Load(stepconf.LoadOptions{
		Dir:           *configDir,
		Environment:   *environment,
		EnvRepository: envRepo,
	}, logger)
	if err != nil {
		logger.Errorf("Invalid configuration: %s", err)
		return exitConfig
	}
	if config.Verbose {
		logger.EnableDebugLog(true)
	}
	config.Print(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, config.Upload.Timeout)
	defer cancel()

	backend, err := newBackend(ctx, config, logger)
	if err != nil {
		logger.Errorf("Failed to create %s backend: %s", config.Backend, err)
		return exitConfig
	}

	uploaderConfig := chunkuploader.DefaultConfig()
	uploaderConfig.ChunkSize = config.Upload.ChunkSize
	uploader := chunkuploader.New(uploaderConfig, backend, logger).
		WithStateObserver(func(state chunkuploader.State, chunk int) {
			logger.Debugf("Upload state: %s (chunk %d)", state, chunk+1)
		})

	var source records.Source = records.Default()
	if config.Records.Root != "" {
		source = records.NewFiles(config.Records.Root, config.Records.Pattern)
	}

	result, err := publish.NewPublisher(source, uploader, logger).Publish(ctx, publish.Input{
		Identity:  config.UPN,
		Path:      config.Destination.Path,
		SheetName: config.Destination.SheetName,
	})
	if err != nil {
		logger.Errorf("%s", err)
		return exitCode(err)
	}

	logger.Println()
	logger.Donef("Uploaded %d records to %s", result.RecordCount, config.Destination.Path)
	return exitOK
}

func newBackend(ctx context.Context, config stepconf.Config, logger log.Logger) (chunkuploader.Backend, error) {
	switch config.Backend {
	case stepconf.BackendOneDrive:
		return network.NewGraphBackend(ctx, network.GraphParams{
			BaseURL:          config.Graph.BaseURL,
			TokenURL:         config.Graph.TokenURL,
			TenantID:         config.TenantID,
			ClientID:         config.ClientID,
			ClientSecret:     config.ClientSecret.Value(),
			ConflictBehavior: config.Destination.ConflictBehavior,
			MaxRetries:       config.Upload.MaxRetries,
		}, logger)
	case stepconf.BackendS3:
		return network.NewS3Backend(ctx, network.S3Params{
			Region:          config.S3.Region,
			Bucket:          config.S3.Bucket,
			AccessKeyID:     config.S3.AccessKeyID,
			SecretAccessKey: config.S3.SecretAccessKey.Value(),
			Endpoint:        config.S3.Endpoint,
			KeyPrefix:       config.S3.KeyPrefix,
			MaxRetries:      config.Upload.MaxRetries,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown backend: %s", config.Backend)
	}
}

func exitCode(err error) int {
	var (
		recordsErr  *publish.RecordsError
		encodingErr *workbook.EncodingError
		emptyErr    *workbook.EmptyInputError
		authErr     *network.AuthorizationError
		notFoundErr *network.NotFoundError
		chunkErr    *chunkuploader.ChunkUploadError
		expiredErr  *chunkuploader.SessionExpiredError
	)

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &recordsErr), errors.As(err, &encodingErr), errors.As(err, &emptyErr):
		return exitEncoding
	case errors.As(err, &chunkErr), errors.As(err, &expiredErr):
		return exitUpload
	case errors.As(err, &authErr):
		return exitAuthorization
	case errors.As(err, &notFoundErr):
		return exitNotFound
	case network.IsTransient(err):
		return exitTransient
	default:
		return exitUpload
	}
}
