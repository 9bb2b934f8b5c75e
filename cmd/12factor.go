package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	c "github.com/relloyd/lakepipe/constants"
	"github.com/relloyd/lakepipe/helper"
	"github.com/relloyd/lakepipe/logger"
)

// init will be called first due to the lexical order in which these functions are executed.
// This ensures the value of twelveFactorMode is set such that other init() functions that configure
// Cobra can do the job of processing all environment variables that would contain equivalent of the CLI flag
// structures used by Lakepipe's actions.
func init() {
	setupTwelveFactorMode()
}

// setupTwelveFactorMode will enable or disable 12 factor mode based on environment variable.
func setupTwelveFactorMode() {
	mode := os.Getenv(envVarTwelveFactorMode)
	if mode != "" { // if variable for 12factor mode is set and we should read env vars to determine actions...
		twelveFactorMode = true
		if strings.ToLower(mode) == "lambda" {
			lambdaMode = true
		}
	} else { // else 12factor mode should be off...
		twelveFactorMode = false // explicitly turn off this mode since tests may have turned it on while others require it off.
		lambdaMode = false
	}
}

const (
	envVarTwelveFactorMode = c.EnvVarPrefix + "_" + "12FACTOR_MODE"
	envVarCommand          = c.EnvVarPrefix + "_" + "COMMAND"
	envVarSubcommand       = c.EnvVarPrefix + "_" + "SUBCOMMAND"
	envVarLogLevel         = c.EnvVarPrefix + "_" + "LOG_LEVEL"
	envVarStackDump        = c.EnvVarPrefix + "_" + "STACK_DUMP"
)

var (
	twelveFactorMode bool // true if os env var envVarTwelveFactorMode is set
	lambdaMode       bool // true if os env var envVarTwelveFactorMode is "lambda"
	twelveFactorVars = map[string]string{
		envVarCommand:                  "",
		envVarSubcommand:               "",
		flagNameToEnvVar("file"):       "",
		flagNameToEnvVar("run-config"): "",
		flagNameToEnvVar("batch-size"): "",
		flagNameToEnvVar("http-addr"):  "",
		flagNameToEnvVar("output"):     "",
		envVarLogLevel:                 "",
		envVarStackDump:                "",
	}
	twelveFactorVarsSensitive = map[string]string{ // used to flag some of the above variables as being sensitive.
		flagNameToEnvVar("run-config"): "", // holds source and checkpoint DSNs.
	}
)

type twelveFactorAction struct {
	runnerFunc func() error
}

var twelveFactorActions = map[string]twelveFactorAction{
	"run":              {runnerFunc: runPipe},
	"checkpoint-show":  {runnerFunc: runCheckpointShow},
	"checkpoint-reset": {runnerFunc: runCheckpointReset},
	"partitions-list":  {runnerFunc: runPartitionsList},
}

// twelveFactorActionKey joins command and subcommand the way twelveFactorActions is keyed.
func twelveFactorActionKey(command, subcommand string) string {
	command, subcommand = strings.TrimSpace(command), strings.TrimSpace(subcommand)
	if subcommand == "" {
		return command
	}
	return command + "-" + subcommand
}

func execute12FactorMode(acts map[string]twelveFactorAction) (err error) {
	logLevel := helper.ReadValueFromEnvWithDefault(envVarLogLevel, "warn") // fetch logLevel from env as this is not a persistent flag, given that we wanted different logging defaults per cobra action.
	if dump, e := strconv.ParseBool(os.Getenv(envVarStackDump)); e == nil {
		stackDumpOnPanic = dump
	}
	var log logger.Logger
	if lambdaMode {
		log = logger.NewLambdaLogger(c.ServiceName, logLevel, stackDumpOnPanic, nil)
	} else {
		log = logger.NewLogger(c.ServiceName, logLevel, stackDumpOnPanic)
	}
	log.Info("Lakepipe is running in 12 Factor mode...")
	// Save values for the required variables.
	for k := range twelveFactorVars { // for each env variable that we need...
		// Save it and log it.
		twelveFactorVars[k] = os.Getenv(k)
		_, sensitive := twelveFactorVarsSensitive[k]
		if !sensitive { // if the env variable does not contain sensitive values...
			// Log the value.
			log.Debug(k, "=", twelveFactorVars[k])
		} else { // else output obfuscated value...
			log.Debug(k, "=", "<obfuscated>")
		}
	}
	// Use command and subcommand to fetch the appropriate action.
	action := twelveFactorActionKey(twelveFactorVars[envVarCommand], twelveFactorVars[envVarSubcommand])
	a, ok := acts[action]
	if !ok {
		err = fmt.Errorf("invalid combination of command (%v) and subcommand (%v)", twelveFactorVars[envVarCommand], twelveFactorVars[envVarSubcommand])
		log.Error(err.Error())
		return
	}
	// Run the action.
	err = a.runnerFunc()
	if err != nil {
		log.Error("Error: ", err)
	}
	return err
}
