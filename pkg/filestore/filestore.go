package filestore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/fuzzbench/fuzzbench/pkg/config"
)

// Reader provides read access to the experiment filestore, either a local
// directory or an S3 prefix. Keys are slash-separated and relative to the
// filestore root.
type Reader interface {
	// Get reads the object at key. Returns (nil, nil) when it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
}

// New builds the Reader selected by the configuration.
func New(cfg *config.Config) Reader {
	if cfg.Filestore.S3.Enabled {
		s3Cfg := cfg.Filestore.S3
		s3Cfg.Bucket = cfg.FilestoreBucket()

		return NewS3Reader(&s3Cfg, cfg.ExperimentFilestore)
	}

	return NewLocalReader(cfg.ExperimentFilestore)
}

// TrialDir returns the key prefix holding one trial's artifacts.
func TrialDir(benchmark, fuzzer string, trialID uint) string {
	return path.Join(
		"experiment-folders",
		benchmark+"-"+fuzzer,
		fmt.Sprintf("trial-%d", trialID),
	)
}

// cleanKey normalizes key and rejects keys escaping the root.
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid filestore key %q", key)
	}

	return strings.TrimPrefix(cleaned, "/"), nil
}
