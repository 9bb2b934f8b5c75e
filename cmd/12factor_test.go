package cmd

import (
	"errors"
	"os"
	"testing"

	"github.com/relloyd/lakepipe/logger"
	"github.com/spf13/cobra"
)

var results = map[string]int{
	"run":             0,
	"checkpoint-show": 0,
}

func getMock12FactorExecutor(action string, err error) func() error {
	return func() error {
		results[action]++
		return err
	}
}

var mockTwelveFactorActions = map[string]twelveFactorAction{
	"run":             {runnerFunc: getMock12FactorExecutor("run", nil)},
	"checkpoint-show": {runnerFunc: getMock12FactorExecutor("checkpoint-show", errors.New("boom"))},
}

func TestSetupTwelveFactorMode(t *testing.T) {
	_ = os.Unsetenv(envVarTwelveFactorMode)
	setupTwelveFactorMode()
	if twelveFactorMode || lambdaMode {
		t.Fatal("expected twelveFactorMode and lambdaMode to be false")
	}
	t.Setenv(envVarTwelveFactorMode, "1")
	setupTwelveFactorMode()
	if !twelveFactorMode || lambdaMode {
		t.Fatal("expected twelveFactorMode to be true and lambdaMode false")
	}
	t.Setenv(envVarTwelveFactorMode, "Lambda")
	setupTwelveFactorMode()
	if !twelveFactorMode || !lambdaMode {
		t.Fatal("expected twelveFactorMode and lambdaMode to be true")
	}
	_ = os.Unsetenv(envVarTwelveFactorMode)
	setupTwelveFactorMode()
}

func TestExecute12FactorMode(t *testing.T) {
	log := logger.NewLogger("lakepipe", "error", true)
	var osVars = map[string]string{
		"LP_LOG_LEVEL":  "error",
		"LP_FILE":       "/etc/lakepipe/run.yaml",
		"LP_RUN_CONFIG": "runId: secret",
		"LP_BATCH_SIZE": "100",
		"LP_STACK_DUMP": "1",
	}
	for k, v := range osVars {
		t.Setenv(k, v)
	}

	// Test 1 - action runner function is called
	log.Info("test 1 - run")
	t.Setenv("LP_COMMAND", "run")
	t.Setenv("LP_SUBCOMMAND", "")
	if err := execute12FactorMode(mockTwelveFactorActions); err != nil {
		t.Fatalf("test 1 failed: expected nil error got error: %v", err)
	}
	if results["run"] != 1 {
		t.Fatalf("test 1 failed, expected run to be called once; got: %v", results["run"])
	}

	// Test 2 - invalid command + subcommand
	log.Info("test 2 - invalid command subcommand")
	t.Setenv("LP_COMMAND", "invalidCommand")
	t.Setenv("LP_SUBCOMMAND", "invalidSubcommand")
	if err := execute12FactorMode(mockTwelveFactorActions); err == nil {
		t.Fatal("test 2 failed, expected: error; got: nil")
	}

	// Test 3 - command and subcommand are joined and runner errors are returned
	log.Info("test 3 - checkpoint show")
	t.Setenv("LP_COMMAND", "checkpoint")
	t.Setenv("LP_SUBCOMMAND", "show")
	if err := execute12FactorMode(mockTwelveFactorActions); err == nil || err.Error() != "boom" {
		t.Fatalf("test 3 failed, expected: boom; got: %v", err)
	}
	if results["checkpoint-show"] != 1 {
		t.Fatalf("test 3 failed, expected checkpoint-show to be called once; got: %v", results["checkpoint-show"])
	}
	if !stackDumpOnPanic {
		t.Fatal("test 3 failed, expected LP_STACK_DUMP to enable stack dumps")
	}

	// Test 4 - all twelveFactorVars are fetched from the environment
	for k := range osVars { // for each hardcoded env var in this test...
		if _, ok := twelveFactorVars[k]; !ok {
			continue
		}
		if got := twelveFactorVars[k]; got != osVars[k] {
			t.Fatalf("expected %v = %v; got: %v", k, osVars[k], got)
		}
	}

	// Test 5 - sensitive vars are set up.
	if _, sensitive := twelveFactorVarsSensitive["LP_RUN_CONFIG"]; !sensitive {
		t.Fatal("expected LP_RUN_CONFIG to be registered in map twelveFactorVarsSensitive")
	}
}

func TestTwelveFactorActions(t *testing.T) {
	// Every runnable cobra command must be reachable in 12 factor mode.
	excludes := map[string]bool{
		"version":                true,
		"config-defaults-add":    true,
		"config-defaults-list":   true,
		"config-defaults-remove": true,
	}
	var keys []string
	var walk func(prefix string, cmd *cobra.Command)
	walk = func(prefix string, cmd *cobra.Command) {
		for _, child := range cmd.Commands() {
			key := child.Name()
			if prefix != "" {
				key = prefix + "-" + key
			}
			if child.Runnable() {
				keys = append(keys, key)
			}
			walk(key, child)
		}
	}
	walk("", rootCmd)
	for _, key := range keys {
		if excludes[key] || key == "help" || key == "completion" {
			continue
		}
		if _, ok := twelveFactorActions[key]; !ok {
			t.Fatalf("twelveFactorActions does not handle cobra command %v", key)
		}
	}
	for k, v := range twelveFactorActions {
		if v.runnerFunc == nil {
			t.Fatalf("twelveFactorActions[%v] has no runner", k)
		}
	}
}

func TestTwelveFactorActionKey(t *testing.T) {
	cases := []struct{ command, subcommand, want string }{
		{"run", "", "run"},
		{" checkpoint ", "show", "checkpoint-show"},
		{"partitions", " list ", "partitions-list"},
	}
	for _, tc := range cases {
		if got := twelveFactorActionKey(tc.command, tc.subcommand); got != tc.want {
			t.Fatalf("expected %q; got %q", tc.want, got)
		}
	}
}
