package cmd

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"

	"github.com/relloyd/lakepipe/config"
	"github.com/relloyd/lakepipe/helper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type cliFlag struct {
	name      string // name of flag
	val       string // default value
	shortHand string // single character name for the flag
	desc      string // description of the flag; the long text
}

type cliFlags map[string]cliFlag

var switches = cliFlags{
	"mock": cliFlag{name: "mock", shortHand: "m", desc: "mock switch for testing"},
	"file": cliFlag{name: "file", shortHand: "f",
		desc: "Run config `<file>` (.yaml or .json)"},
	"run-config": cliFlag{name: "run-config", shortHand: "",
		desc: "Inline run config YAML, used when no file is given"},
	"batch-size": cliFlag{name: "batch-size", shortHand: "b",
		desc: "Number of rows per batch and partition (0 to use the run config)"},
	"start-watermark": cliFlag{name: "start-watermark", shortHand: "w",
		desc: "Key value at which a run without a checkpoint starts extracting.\n" +
			"Parsed using the type of the key column, e.g. 1000 or 2024-01-01T00:00:00Z"},
	"conflict-policy": cliFlag{name: "conflict-policy", shortHand: "c",
		desc: "What to do when a partition exists with different content: \"fail | skip | replace\""},
	"http-addr": cliFlag{name: "http-addr", shortHand: "a",
		desc: "Address for an HTTP server exposing /health, /status and /stop, e.g. :8080"},
	"output": cliFlag{name: "output", shortHand: "o",
		desc: "Output format: \"json | yaml\""},
	"inspect": cliFlag{name: "inspect", shortHand: "i",
		desc: "Read the Parquet footer of each partition to report row counts"},
	"log-level": cliFlag{name: "log-level", shortHand: "l",
		desc: "Log level: \"error | warn | info | debug\""},
	"stats": cliFlag{name: "stats", shortHand: "L",
		desc: "Number of seconds between dumping step statistics (0 to use the run config)"},
	"key": cliFlag{name: "key", shortHand: "k",
		desc: "The key to set in config. Match the name of the flag\n" +
			"to have this value take effect in commands"},
	"value": cliFlag{name: "value", shortHand: "v",
		desc: "The default value to set"},
	"force": cliFlag{name: "force", shortHand: "f",
		desc: "Overwrite existing values"},
}

// configurableKeys returns the sorted names of flags that can be given a default in config.
func (f cliFlags) configurableKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		switch k {
		case "mock", "key", "value", "force":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// addFlag adds a flag to cobra.Command c, based on the type of targetVar (which must be a pointer).
// The name of the flag is looked up in map, cliFlags.
// When running in twelveFactorMode, the targetVar is populated using the value of environment variable for the supplied
// name, or if not set then the supplied default value is used.
// When NOT running in twelveFactorMode, the default value is fetched from config if it exists else the supplied
// defaultValue is applied.
// The flag is marked as required in Cobra based on the value of required.
// Supply a value for desc2 to append to the existing description found in map cliFlags.
// COMMENTARY:
// This function is using the value of twelveFactorMode to determine its mode of operation.
// While we could supply an interface to call methods on instead, that would complicate the call sites given that
// this is normally used from init() functions.
func (f *cliFlags) addFlag(c *cobra.Command, targetVar interface{}, name string, defaultValue string, required bool, desc2 string) {
	v := reflect.ValueOf(targetVar)
	if v.Kind() != reflect.Ptr {
		fmt.Println("error adding flag: targetVar must be a pointer")
		os.Exit(1)
	}
	sw := f.getCliFlag(name, defaultValue, config.Main.Get) // get the cliFlag details, with defaults taken from config or the supplied defaultValue
	desc := sw.desc + desc2                                 // create the full flag description for use below
	// Apply the flag.
	switch p := targetVar.(type) {
	case *string:
		if twelveFactorMode {
			*p = sw.val
		} else {
			c.Flags().StringVarP(p, sw.name, sw.shortHand, sw.val, desc)
			// Signal that the flag was set so defaults take effect.
			if sw.val != "" { // if there is a value via config or default...
				mustSetFlag(c.Flags(), sw.name, sw.val)
			}
		}
	case *bool:
		defaultBool, _ := strconv.ParseBool(sw.val)
		if twelveFactorMode {
			*p = defaultBool
		} else {
			c.Flags().BoolVarP(p, sw.name, sw.shortHand, defaultBool, desc)
			// Signal that the flag was set so defaults take effect.
			if defaultBool {
				mustSetFlag(c.Flags(), sw.name, "true")
			} else {
				mustSetFlag(c.Flags(), sw.name, "false")
			}
		}
	case *int:
		defaultInt, err := strconv.Atoi(sw.val)
		if err != nil {
			fmt.Printf("the value for flag %q must be an integer: %v\n", sw.name, err)
			os.Exit(1)
		}
		if twelveFactorMode {
			*p = defaultInt
		} else {
			c.Flags().IntVarP(p, sw.name, sw.shortHand, defaultInt, desc)
			// Signal that the flag was set so defaults take effect.
			if sw.val != "" { // if there is a value via config or default...
				mustSetFlag(c.Flags(), sw.name, sw.val)
			}
		}
	default:
		panic("Error: unhandled CLI flag target value type")
	}
	// Optionally mark the flag as mandatory.
	if required && !twelveFactorMode { // if the flag is required...
		_ = c.MarkFlagRequired(sw.name)
	}
}

// getCliFlag fetches the value of name from the environment, when running in twelveFactorMode,
// else read the Main config file to find it.
// If a value cannot be found then use the supplied defaultValue in its place.
func (f *cliFlags) getCliFlag(name string, defaultValue string, fnGetConfig func(key string, out interface{}) error) cliFlag {
	s, ok := switches[name]
	if !ok {
		panic(fmt.Sprintf("unregistered CLI flag, %q", name))
	}
	if twelveFactorMode { // if we should read env vars...
		if err := helper.ReadValueFromEnv(flagNameToEnvVar(name), &s.val); err != nil { // if there's no value for the env var read into the switch val...
			// Apply the default.
			s.val = defaultValue
		}
	} else { // else check the config file or apply default...
		err := fnGetConfig(s.name, &s.val)
		if errors.As(err, &config.KeyNotFoundError{}) || s.val == "" { // if there was no key found...
			// Apply the default.
			s.val = defaultValue
		}
	}
	return s
}

// flagNameToEnvVar will form a sanitised environment variable name using the LP prefix.
func flagNameToEnvVar(name string) string {
	return helper.EnvVarName(name)
}

func mustSetFlag(f *pflag.FlagSet, name string, val string) {
	if err := f.Set(name, val); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
