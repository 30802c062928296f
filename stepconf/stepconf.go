// Package stepconf loads the layered configuration of the uploader.
//
// Sources, from lowest to highest precedence:
//   - appsettings.json in the config directory
//   - appsettings.{environment}.json
//   - a dotenv secrets file
//   - SHEETUPLOAD_* environment variables
//
// Every file is optional.
package stepconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-sheetupload/upload/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Backends
const (
	BackendOneDrive = "onedrive"
	BackendS3       = "s3"
)

// Defaults
const (
	DefaultPath           = "/UploadFolder/WorksheetName.xlsx"
	DefaultSheetName      = "SheetName"
	DefaultConflict       = "replace"
	DefaultMaxRetries     = 3
	DefaultTimeout        = 10 * time.Minute
	DefaultSecretsFile    = "secrets.env"
	DefaultRecordsPattern = "**/*.json"
)

// EnvironmentEnvKey selects the environment specific settings file when no environment is given.
var EnvironmentEnvKey = EnvPrefix + "_ENVIRONMENT"

var keys = []string{
	"clientId",
	"clientSecret",
	"tenantId",
	"upn",
	"backend",
	"destination.path",
	"destination.sheetName",
	"destination.conflictBehavior",
	"upload.chunkSize",
	"upload.maxRetries",
	"upload.timeout",
	"graph.baseUrl",
	"graph.tokenUrl",
	"s3.region",
	"s3.bucket",
	"s3.accessKeyId",
	"s3.secretAccessKey",
	"s3.endpoint",
	"s3.keyPrefix",
	"records.root",
	"records.pattern",
	"verbose",
}

// Config ...
type Config struct {
	ClientID     string
	ClientSecret Secret
	TenantID     string
	UPN          string
	Backend      string

	Destination Destination
	Upload      Upload
	Graph       Graph
	S3          S3
	Records     Records

	Verbose bool
}

// Destination ...
type Destination struct {
	Path             string
	SheetName        string
	ConflictBehavior string
}

// Upload ...
type Upload struct {
	ChunkSize  int64
	MaxRetries int
	Timeout    time.Duration
}

// Graph overrides the Microsoft endpoints, mostly for testing.
type Graph struct {
	BaseURL  string
	TokenURL string
}

// S3 ...
type S3 struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey Secret
	Endpoint        string
	KeyPrefix       string
}

// Records selects JSON record files. An empty Root means the built-in records.
type Records struct {
	Root    string
	Pattern string
}

// LoadOptions ...
type LoadOptions struct {
	// Dir holds the appsettings files. Default: working directory.
	Dir string
	// Environment selects appsettings.{Environment}.json. Default: $SHEETUPLOAD_ENVIRONMENT.
	Environment string
	// SecretsFile is a dotenv file, relative to Dir unless absolute. Default: secrets.env.
	SecretsFile string
	// EnvRepository provides the environment variables. Default: the process environment.
	EnvRepository env.Repository
}

// Load reads the configuration layers and validates the result.
func Load(opts LoadOptions, logger log.Logger) (Config, error) {
	envRepo := opts.EnvRepository
	if envRepo == nil {
		envRepo = env.NewRepository()
	}

	environment := opts.Environment
	if environment == "" {
		environment = envRepo.Get(EnvironmentEnvKey)
	}

	v := viper.New()
	setDefaults(v)

	files := []string{filepath.Join(opts.Dir, "appsettings.json")}
	if environment != "" {
		files = append(files, filepath.Join(opts.Dir, fmt.Sprintf("appsettings.%s.json", environment)))
	}
	for _, pth := range files {
		loaded, err := mergeFile(v, pth)
		if err != nil {
			return Config{}, err
		}
		if loaded {
			logger.Debugf("Loaded settings from %s", pth)
		}
	}

	secretsFile := opts.SecretsFile
	if secretsFile == "" {
		secretsFile = DefaultSecretsFile
	}
	if !filepath.IsAbs(secretsFile) {
		secretsFile = filepath.Join(opts.Dir, secretsFile)
	}
	secrets, err := readSecrets(secretsFile)
	if err != nil {
		return Config{}, err
	}
	overlay(v, fromMap(secrets))
	overlay(v, fromRepository(envRepo))

	config, err := decode(v)
	if err != nil {
		return Config{}, err
	}

	if err := config.Validate(logger); err != nil {
		return Config{}, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendOneDrive)
	v.SetDefault("destination.path", DefaultPath)
	v.SetDefault("destination.sheetName", DefaultSheetName)
	v.SetDefault("destination.conflictBehavior", DefaultConflict)
	v.SetDefault("upload.chunkSize", fmt.Sprintf("%d", chunkuploader.DefaultChunkSize))
	v.SetDefault("upload.maxRetries", DefaultMaxRetries)
	v.SetDefault("upload.timeout", DefaultTimeout.String())
	v.SetDefault("records.pattern", DefaultRecordsPattern)
}

// mergeFile merges a JSON settings file into v. A missing file is skipped.
func mergeFile(v *viper.Viper, pth string) (bool, error) {
	f, err := os.Open(pth)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open settings %s: %w", pth, err)
	}
	defer f.Close() //nolint:errcheck

	v.SetConfigType("json")
	if err := v.MergeConfig(f); err != nil {
		return false, fmt.Errorf("parse settings %s: %w", pth, err)
	}
	return true, nil
}

func decode(v *viper.Viper) (Config, error) {
	chunkSize, err := units.RAMInBytes(strings.TrimSpace(v.GetString("upload.chunkSize")))
	if err != nil {
		return Config{}, fmt.Errorf("upload.chunkSize: %w", err)
	}

	timeout, err := time.ParseDuration(v.GetString("upload.timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("upload.timeout: %w", err)
	}

	return Config{
		ClientID:     v.GetString("clientId"),
		ClientSecret: Secret(v.GetString("clientSecret")),
		TenantID:     v.GetString("tenantId"),
		UPN:          v.GetString("upn"),
		Backend:      strings.ToLower(v.GetString("backend")),
		Destination: Destination{
			Path:             v.GetString("destination.path"),
			SheetName:        v.GetString("destination.sheetName"),
			ConflictBehavior: v.GetString("destination.conflictBehavior"),
		},
		Upload: Upload{
			ChunkSize:  chunkSize,
			MaxRetries: v.GetInt("upload.maxRetries"),
			Timeout:    timeout,
		},
		Graph: Graph{
			BaseURL:  v.GetString("graph.baseUrl"),
			TokenURL: v.GetString("graph.tokenUrl"),
		},
		S3: S3{
			Region:          v.GetString("s3.region"),
			Bucket:          v.GetString("s3.bucket"),
			AccessKeyID:     v.GetString("s3.accessKeyId"),
			SecretAccessKey: Secret(v.GetString("s3.secretAccessKey")),
			Endpoint:        v.GetString("s3.endpoint"),
			KeyPrefix:       v.GetString("s3.keyPrefix"),
		},
		Records: Records{
			Root:    v.GetString("records.root"),
			Pattern: v.GetString("records.pattern"),
		},
		Verbose: v.GetBool("verbose"),
	}, nil
}

// Validate checks the backend specific requirements and aligns the chunk size to the backend granularity.
func (c *Config) Validate(logger log.Logger) error {
	var missing []string
	need := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	need("destination.path", c.Destination.Path)
	need("destination.sheetName", c.Destination.SheetName)

	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunkSize must be positive, got %d", c.Upload.ChunkSize)
	}
	if c.Upload.MaxRetries < 0 {
		return fmt.Errorf("upload.maxRetries must not be negative, got %d", c.Upload.MaxRetries)
	}
	if c.Upload.Timeout <= 0 {
		return fmt.Errorf("upload.timeout must be positive, got %s", c.Upload.Timeout)
	}

	switch c.Backend {
	case BackendOneDrive:
		need("clientId", c.ClientID)
		need("clientSecret", c.ClientSecret.Value())
		need("upn", c.UPN)
		if c.Graph.TokenURL == "" {
			need("tenantId", c.TenantID)
		}

		switch c.Destination.ConflictBehavior {
		case "replace", "rename", "fail":
		default:
			return fmt.Errorf("destination.conflictBehavior must be one of replace, rename, fail, got %s", c.Destination.ConflictBehavior)
		}

		if c.Upload.ChunkSize > chunkuploader.GraphMaxChunkSize {
			return fmt.Errorf("upload.chunkSize must not exceed %s, got %s",
				units.BytesSize(chunkuploader.GraphMaxChunkSize), units.BytesSize(float64(c.Upload.ChunkSize)))
		}
		if aligned := chunkuploader.AlignChunkSize(c.Upload.ChunkSize, chunkuploader.GraphChunkIncrement); aligned != c.Upload.ChunkSize {
			logger.Warnf("upload.chunkSize %d is not a multiple of %d bytes, using %d", c.Upload.ChunkSize, chunkuploader.GraphChunkIncrement, aligned)
			c.Upload.ChunkSize = aligned
		}
	case BackendS3:
		need("s3.region", c.S3.Region)
		need("s3.bucket", c.S3.Bucket)

		if c.Upload.ChunkSize < chunkuploader.S3MinPartSize {
			return fmt.Errorf("upload.chunkSize must be at least %s for s3, got %s",
				units.BytesSize(chunkuploader.S3MinPartSize), units.BytesSize(float64(c.Upload.ChunkSize)))
		}
	default:
		return fmt.Errorf("backend must be one of %s, %s, got %s", BackendOneDrive, BackendS3, c.Backend)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// Print the effective configuration, secrets masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- backend: %s", c.Backend)
	if c.Backend == BackendOneDrive {
		logger.Printf("- clientId: %s", c.ClientID)
		logger.Printf("- clientSecret: %s", c.ClientSecret)
		logger.Printf("- tenantId: %s", c.TenantID)
		logger.Printf("- upn: %s", c.UPN)
		logger.Printf("- destination.conflictBehavior: %s", c.Destination.ConflictBehavior)
		if c.Graph.BaseURL != "" {
			logger.Printf("- graph.baseUrl: %s", c.Graph.BaseURL)
		}
		if c.Graph.TokenURL != "" {
			logger.Printf("- graph.tokenUrl: %s", c.Graph.TokenURL)
		}
	} else {
		logger.Printf("- s3.region: %s", c.S3.Region)
		logger.Printf("- s3.bucket: %s", c.S3.Bucket)
		logger.Printf("- s3.accessKeyId: %s", c.S3.AccessKeyID)
		logger.Printf("- s3.secretAccessKey: %s", c.S3.SecretAccessKey)
		if c.S3.Endpoint != "" {
			logger.Printf("- s3.endpoint: %s", c.S3.Endpoint)
		}
		if c.S3.KeyPrefix != "" {
			logger.Printf("- s3.keyPrefix: %s", c.S3.KeyPrefix)
		}
		if c.UPN != "" {
			logger.Printf("- upn: %s", c.UPN)
		}
	}
	logger.Printf("- destination.path: %s", c.Destination.Path)
	logger.Printf("- destination.sheetName: %s", c.Destination.SheetName)
	logger.Printf("- upload.chunkSize: %s", units.BytesSize(float64(c.Upload.ChunkSize)))
	logger.Printf("- upload.maxRetries: %d", c.Upload.MaxRetries)
	logger.Printf("- upload.timeout: %s", c.Upload.Timeout)
	if c.Records.Root != "" {
		logger.Printf("- records.root: %s", c.Records.Root)
		logger.Printf("- records.pattern: %s", c.Records.Pattern)
	}
	logger.Printf("- verbose: %t", c.Verbose)
}
