package actions

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/relloyd/lakepipe/config"
)

const (
	OutputJson = "json"
	OutputYaml = "yaml"
)

// RunSource names where a run config comes from: a file or an inline YAML document.
type RunSource struct {
	ConfigFile string
	ConfigYaml string
}

// load reads and validates the run config, calling override before validation when it is not nil.
func (s RunSource) load(override func(cfg *config.RunConfig)) (*config.RunConfig, error) {
	var cfg *config.RunConfig
	var err error
	switch {
	case s.ConfigFile != "":
		cfg, err = config.LoadRunConfigFile(s.ConfigFile)
	case s.ConfigYaml != "":
		cfg, err = config.ParseRunConfig([]byte(s.ConfigYaml))
	default:
		return nil, fmt.Errorf("please supply a run config file")
	}
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writeOutput marshals v as JSON or YAML and writes it to w.
// YAML is produced from the JSON encoding so both formats use the json field tags.
func writeOutput(w io.Writer, v interface{}, format string) error {
	var data []byte
	var err error
	switch format {
	case OutputYaml:
		data, err = yaml.Marshal(v)
	case OutputJson, "":
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
