package actions

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/relloyd/lakepipe/config"
	"github.com/relloyd/lakepipe/helper"
)

type DefaultAddConfig struct {
	ConfigFile *config.File `errorTxt:"config-file" mandatory:"yes"`
	Key        string       `errorTxt:"key" mandatory:"yes"`
	Value      string       `errorTxt:"value" mandatory:"yes"`
	Force      bool
	ValidKeys  []string // optional; when set, Key must be one of these flag names.
	Writer     io.Writer
}

type DefaultRemoveConfig struct {
	ConfigFile *config.File `errorTxt:"config-file" mandatory:"yes"`
	Key        string       `errorTxt:"key" mandatory:"yes"`
	Writer     io.Writer
}

// RunDefaultAdd saves a default flag value.
// An existing key is only overwritten when cfg.Force is set.
func RunDefaultAdd(cfg *DefaultAddConfig) error {
	if err := helper.ValidateStructIsPopulated(cfg); err != nil { // if the basics were not supplied...
		return err
	}
	key := strings.TrimSpace(cfg.Key)
	if len(cfg.ValidKeys) > 0 && !contains(cfg.ValidKeys, key) {
		return fmt.Errorf("unknown flag %q, expected one of: %v", key, strings.Join(cfg.ValidKeys, ", "))
	}
	var existing string
	err := cfg.ConfigFile.Get(key, &existing)
	switch {
	case err == nil && !cfg.Force:
		return fmt.Errorf("key %q exists with value %q, use force to replace it", key, existing)
	case err != nil && !errors.As(err, &config.KeyNotFoundError{}):
		return err
	}
	if err = cfg.ConfigFile.Set(key, cfg.Value); err != nil {
		return fmt.Errorf("error saving default %q: %w", key, err)
	}
	_, err = fmt.Fprintf(cfg.Writer, "Default %v=%v saved to %q\n", key, cfg.Value, cfg.ConfigFile.FullPath)
	return err
}

// RunDefaultList prints every default as key=value.
func RunDefaultList(f *config.File, w io.Writer) error {
	keys, err := f.GetAllKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		var v string
		if err = f.Get(k, &v); err != nil {
			return err
		}
		if _, err = fmt.Fprintf(w, "%v=%v\n", k, v); err != nil {
			return err
		}
	}
	return nil
}

func RunDefaultRemove(cfg *DefaultRemoveConfig) error {
	if err := helper.ValidateStructIsPopulated(cfg); err != nil {
		return err
	}
	if err := cfg.ConfigFile.Delete(cfg.Key); err != nil {
		return fmt.Errorf("unable to remove default %q: %w", cfg.Key, err)
	}
	_, err := fmt.Fprintf(cfg.Writer, "Default %q removed\n", cfg.Key)
	return err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
