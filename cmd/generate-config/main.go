package main

import (
	"bytes"
	"fmt"
	"go/format"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/debemdeboas/kbpreview/internal/config"
)

type options struct {
	Output    string `short:"o" long:"output" default:"config.example.yaml" description:"Example config path, or - for stdout"`
	Constants string `long:"constants" description:"Also write the Default* constants to this Go file"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	// Create a config with defaults applied
	cfg := config.Default()

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating YAML: %v\n", err)
		os.Exit(1)
	}

	header := "# Knowledge Base Configuration Example\n# Copy this file to config.yaml and customize as needed\n\n"
	output := header + string(yamlData)

	if opts.Output == "-" {
		fmt.Print(output)
	} else {
		if err := os.WriteFile(opts.Output, []byte(output), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated example config: %s\n", opts.Output)
	}

	if opts.Constants != "" {
		src, err := constants(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating constants: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(opts.Constants, src, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated constants: %s\n", opts.Constants)
	}
}

// constants renders the defaults other packages read without loading a
// config.
func constants(cfg *config.Config) ([]byte, error) {
	values := []struct {
		name  string
		value any
	}{
		{"DefaultVersion", cfg.Version},
		{"DefaultSiteName", cfg.Site.Name},
		{"DefaultServerHost", cfg.Server.Host},
		{"DefaultServerPort", cfg.Server.Port},
		{"DefaultPreviewRelayCapacity", cfg.Preview.RelayCapacity},
		{"DefaultPreviewMirrorRelay", cfg.Preview.MirrorRelay},
		{"DefaultRelayBackend", cfg.Relay.Backend},
		{"DefaultRelayNamespace", cfg.Relay.Namespace},
		{"DefaultStorageCompression", cfg.Storage.Compression},
		{"DefaultNormalizerCacheSize", cfg.Normalizer.CacheSize},
		{"DefaultAuthEnabled", cfg.Auth.Enabled},
	}

	var b bytes.Buffer
	b.WriteString("// Code generated by cmd/generate-config; DO NOT EDIT.\n\npackage config\n\nconst (\n")
	for _, v := range values {
		fmt.Fprintf(&b, "\t%s = %#v\n", v.name, v.value)
	}
	b.WriteString(")\n")
	return format.Source(b.Bytes())
}
