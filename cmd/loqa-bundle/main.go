package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/model"
)

var version = "0.1.0-dev"

func main() {
	var manifestPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&manifestPath, "file", model.ManifestFile, "Path to bundle manifest")

	defaults := config.Default().Model
	var fetch config.ModelConfig
	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
	fetchCmd.StringVar(&fetch.ID, "id", "", "Model identifier")
	fetchCmd.StringVar(&fetch.CacheDir, "cache", defaults.CacheDir, "Model cache directory")
	fetchCmd.StringVar(&fetch.RegistryURL, "registry", os.Getenv("LOQA_MODEL_REGISTRY_URL"), "Registry base URL")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'fetch' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(manifestPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "fetch":
		fetchCmd.Parse(os.Args[2:])
		dir, err := runFetch(fetch)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(dir)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string) error {
	m, err := model.LoadManifest(path)
	if err != nil {
		return err
	}
	return model.Validate(m)
}

// runFetch resolves id into the cache, downloading it when needed, and
// returns the bundle directory.
func runFetch(cfg config.ModelConfig) (string, error) {
	r := &model.Resolver{
		CacheDir:    cfg.CacheDir,
		RegistryURL: cfg.RegistryURL,
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	b, err := r.Resolve(context.Background(), cfg.ID)
	if err != nil {
		return "", err
	}
	return b.Dir, nil
}
