package helper

import (
	"fmt"
	"os"
	"strings"

	"github.com/relloyd/lakepipe/constants"
)

// ReadValueFromEnv will read the env var called name and populate the supplied val.
// If the env var is not set then return an error.
func ReadValueFromEnv(name string, val *string) error {
	v := os.Getenv(name)
	if v != "" { // if the environment variable was set...
		*val = v // update the callers value
		return nil
	} else { // else there was no environment variable set...
		return fmt.Errorf("value for environment variable %v not found", name)
	}
}

// ReadValueFromEnvWithDefault will read the value of name from the environment into v.
// If it's not set then it will apply the supplied defaultValue and return v.
func ReadValueFromEnvWithDefault(name string, defaultValue string) (v string) {
	_ = ReadValueFromEnv(name, &v)
	if v == "" && defaultValue != "" { // if the environment variable is not set and we have been given a default value...
		v = defaultValue
	}
	return
}

// EnvVarName converts name into an environment variable using EnvVarPrefix and the name converted to upper
// with dashes and dots converted to underscores.
func EnvVarName(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return fmt.Sprintf("%v_%v", constants.EnvVarPrefix, strings.ToUpper(r.Replace(strings.TrimSpace(name))))
}
