// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config parses the bdev configuration. We use toml format for
// file-based configuration and also all configuration options can be
// overriden by environment variable specified in this structure.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/bdev/config.toml"
)

// Configuration structure for the program. The same file configures the
// daemon and the backend file client, which receives only the path and
// parses it on its own during Init.
type Config struct {
	ConfigPath string

	Backend  string `toml:"backend" env:"BDEV_BACKEND" env-default:"s3" env-description:"File backend to use: s3 or memory. Memory holds data in process and is for testing only."`
	Filename string `toml:"filename" env:"BDEV_FILENAME" env-default:"/bdev/volume" env-description:"Backend file the daemon opens as the block device image."`
	Owner    string `toml:"owner" env:"BDEV_OWNER" env-default:"bdev" env-description:"Owner name passed to the backend on open and stat."`
	Threads  int    `toml:"threads" env:"BDEV_THREADS" env-default:"10" env-description:"Number of worker threads serving vectorized I/O."`

	S3 struct {
		Bucket    string `toml:"bucket" env:"BDEV_S3_BUCKET" env-description:"S3 Bucket name." env-default:"bdev"`
		Remote    string `toml:"remote" env:"BDEV_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"BDEV_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"BDEV_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"BDEV_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Verify struct {
		Enabled bool  `toml:"enabled" env:"BDEV_VERIFY" env-description:"Run a write/read verification pass over the device after open." env-default:"false"`
		Size    int64 `toml:"size" env:"BDEV_VERIFY_SIZE" env-description:"Verification span in MB." env-default:"4"`
	} `toml:"verify"`

	Log struct {
		Level  int  `toml:"level" env:"BDEV_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"BDEV_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Metrics     bool `toml:"metrics" env:"BDEV_METRICS" env-description:"Enable prometheus metrics endpoint." env-default:"false"`
	MetricsPort int  `toml:"metrics_port" env:"BDEV_METRICS_PORT" env-description:"Port for the metrics and profiling endpoint." env-default:"6060"`
}

// Load parses the configuration file at path and reads the environment
// variables. The configuration file has the lower priority and the
// environment variables have the highest priority. It is perfectly fine to
// use just one of these or to combine them.
func Load(path string) (Config, error) {
	var cfg Config
	cfg.ConfigPath = path

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return cfg, err
		}
	}

	cfg.Verify.Size *= 1024 * 1024

	return cfg, nil
}

// LoadFromFlags handles program flags and then loads the configuration the
// usual way.
func LoadFromFlags() (Config, error) {
	var path string

	f := flag.NewFlagSet("bdev", flag.ExitOnError)
	f.StringVar(&path, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Config{}, nil, f.Usage)
	f.Parse(os.Args[1:])

	return Load(path)
}
