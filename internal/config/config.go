package config

import (
	"errors"
	"os"

	"github.com/spf13/viper"
)

// Config holds the tool-level settings of the processing chain. Per-database
// settings live in the test configuration YAML instead.
type Config struct {
	Logger Logger
	Worker WorkerConfig
	Paths  PathOverrides
	S3     S3Config
	AVPVS  AVPVSConfig
	CPVS   CPVSConfig
}

type Logger struct {
	Development       bool
	DisableCaller     bool
	DisableStacktrace bool
	Encoding          string
	Level             string
}

type WorkerConfig struct {
	Parallelism int
	MaxCPUUsage float64
}

// PathOverrides allows redirecting individual database subfolders, e.g. to
// put raw AVPVS output on a larger scratch disk. Empty values keep the
// default layout below the database root.
type PathOverrides struct {
	SrcVid          string
	VideoSegments   string
	AVPVS           string
	CPVS            string
	BuffEventFiles  string
	QualityChange   string
	VideoFrameInfo  string
	AudioFrameInfo  string
	SideInformation string
	Logs            string
}

// S3Config points at the bucket holding segments produced by online
// encoding services.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

type AVPVSConfig struct {
	SpinnerPath string
}

type CPVSConfig struct {
	NonRawCRF int
}

// ErrNotFound reports that the config file does not exist, which callers
// may treat as "run on defaults". All other load errors are real problems.
var ErrNotFound = errors.New("config file not found")

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.AddConfigPath(".")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFound) || os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// ParseConfig resolves the settings on top of Default, so a file that only
// overrides some sections keeps the documented defaults for the rest.
func ParseConfig(v *viper.Viper) (*Config, error) {
	c := Default()
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the settings used when no processchain.yml is present.
func Default() *Config {
	return &Config{
		Logger: Logger{
			Development:       true,
			DisableCaller:     true,
			DisableStacktrace: true,
			Encoding:          "console",
			Level:             "info",
		},
		Worker: WorkerConfig{
			Parallelism: 4,
			MaxCPUUsage: 0,
		},
		CPVS: CPVSConfig{
			NonRawCRF: 17,
		},
	}
}
