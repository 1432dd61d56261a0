package config

import (
	"flag"
	"os"
	"strconv"
)

// Config carries every runtime and preparation knob. Values come from
// flags when a FlagSet is wired up (the polli driver does this) and from
// POLLI_* environment variables otherwise; the environment wins at
// FromEnv time so that instrumented programs can be steered without
// touching their command line.
type Config struct {
	// Telemetry store.
	DBEnable   bool
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	Experiment string
	Project    string
	RunGroup   string
	RunID      int

	// Runtime.
	WorkerThreads    int
	Pipeline         string
	DisableRecompile bool

	// Debugging and artifacts.
	IRDump            bool
	DumpDir           string
	CollectRegression bool
	Verbose           bool
}

// Default returns the configuration with every knob at its default.
func Default() *Config {
	return &Config{
		DBEnable:   false,
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "benchbuild",
		DBPassword: "benchbuild",
		DBName:     "benchbuild",
		Experiment: "unknown",
		Project:    "unknown",
		RunGroup:   "",
		RunID:      0,

		WorkerThreads: 1,
		Pipeline:      "default<O3>",

		IRDump:  false,
		DumpDir: "./polli",
	}
}

// RegisterFlags wires the configuration into a flag set.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.DBEnable, "polli-db-enable", c.DBEnable, "enable database communication")
	fs.StringVar(&c.DBHost, "polli-db-host", c.DBHost, "db hostname")
	fs.IntVar(&c.DBPort, "polli-db-port", c.DBPort, "db port")
	fs.StringVar(&c.DBUser, "polli-db-username", c.DBUser, "db username")
	fs.StringVar(&c.DBPassword, "polli-db-password", c.DBPassword, "db password")
	fs.StringVar(&c.DBName, "polli-db-name", c.DBName, "db name")
	fs.StringVar(&c.Experiment, "polli-db-experiment", c.Experiment, "experiment we are running under")
	fs.StringVar(&c.Project, "polli-db-project", c.Project, "project we are running under")
	fs.StringVar(&c.RunGroup, "polli-db-run-group", c.RunGroup, "run group (UUID)")
	fs.IntVar(&c.RunID, "polli-db-run-id", c.RunID, "run id (0 allocates one from the db)")
	fs.IntVar(&c.WorkerThreads, "polli-worker-threads", c.WorkerThreads, "number of specialization workers")
	fs.StringVar(&c.Pipeline, "polli-optimizer-pipeline", c.Pipeline, "pass pipeline handed to the backend")
	fs.BoolVar(&c.DisableRecompile, "polli-disable-recompilation", c.DisableRecompile, "keep instrumentation but never specialize")
	fs.BoolVar(&c.IRDump, "polli-ir-dump", c.IRDump, "dump every generated module")
	fs.StringVar(&c.DumpDir, "polli-dump-dir", c.DumpDir, "directory for IR dumps")
	fs.BoolVar(&c.CollectRegression, "polli-collect-regression-tests", c.CollectRegression, "persist extracted prototypes as a regression corpus")
	fs.BoolVar(&c.Verbose, "polli-verbose", c.Verbose, "verbose logging")
}

// FromEnv overlays POLLI_* environment variables onto c and returns c.
func (c *Config) FromEnv() *Config {
	envBool(&c.DBEnable, "POLLI_DB_ENABLE")
	envStr(&c.DBHost, "POLLI_DB_HOST")
	envInt(&c.DBPort, "POLLI_DB_PORT")
	envStr(&c.DBUser, "POLLI_DB_USERNAME")
	envStr(&c.DBPassword, "POLLI_DB_PASSWORD")
	envStr(&c.DBName, "POLLI_DB_NAME")
	envStr(&c.Experiment, "POLLI_DB_EXPERIMENT")
	envStr(&c.Project, "POLLI_DB_PROJECT")
	envStr(&c.RunGroup, "POLLI_DB_RUN_GROUP")
	envInt(&c.RunID, "POLLI_DB_RUN_ID")
	envInt(&c.WorkerThreads, "POLLI_WORKER_THREADS")
	envStr(&c.Pipeline, "POLLI_OPTIMIZER_PIPELINE")
	envBool(&c.DisableRecompile, "POLLI_DISABLE_RECOMPILATION")
	envBool(&c.IRDump, "POLLI_IR_DUMP")
	envStr(&c.DumpDir, "POLLI_DUMP_DIR")
	envBool(&c.CollectRegression, "POLLI_COLLECT_REGRESSION_TESTS")
	envBool(&c.Verbose, "POLLI_VERBOSE")

	if c.WorkerThreads < 1 {
		c.WorkerThreads = 1
	}
	return c
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			*dst = true
		}
	}
}
