package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func outputJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func outputYAML(v interface{}) {
	encoder := yaml.NewEncoder(os.Stdout)
	defer func() { _ = encoder.Close() }()
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding YAML: %v\n", err)
		os.Exit(1)
	}
}

// outputStructured renders v per the --json/--yaml flags and reports
// whether it did so the caller can skip its human formatting.
func outputStructured(v interface{}) bool {
	switch {
	case jsonOutput:
		outputJSON(v)
		return true
	case yamlOutput:
		outputYAML(v)
		return true
	default:
		return false
	}
}
