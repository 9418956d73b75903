package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mirajehossain/evolvex/internal/config"
	"github.com/mirajehossain/evolvex/internal/db"
	"github.com/mirajehossain/evolvex/internal/lock"
	"github.com/mirajehossain/evolvex/internal/logger"
	"github.com/mirajehossain/evolvex/internal/migrator"
	"github.com/mirajehossain/evolvex/internal/schema"
)

const (
	exitOK         = 0
	exitStepFailed = 1
	exitConnection = 2
	exitLocked     = 3
	exitFail       = 4
	exitPlanError  = 5
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

type options struct {
	conf         string
	envFile      string
	host         string
	port         int
	user         string
	database     string
	dir          string
	json         bool
	dryRun       bool
	useLock      bool
	lockTimeout  int
	stepTimeout  int
	journal      bool
	journalTable string
	appliedBy    string
	verbose      bool
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("evolve", flag.ContinueOnError)
	fs.StringVar(&o.conf, "config", "", "Optional YAML config path")
	fs.StringVar(&o.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	fs.StringVar(&o.host, "host", "", "Database host (or DB_HOST)")
	fs.IntVar(&o.port, "port", 0, "Database port (or DB_PORT, default 3306)")
	fs.StringVar(&o.user, "user", "", "Database user (or DB_USER)")
	fs.StringVar(&o.database, "database", "", "Database name (or DB_NAME)")
	fs.StringVar(&o.dir, "dir", "", "Plans directory (or PLANS_DIR, default ./plans)")
	fs.BoolVar(&o.json, "json", false, "JSON logs and report")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Evaluate preconditions only; do not execute")
	fs.BoolVar(&o.useLock, "lock", false, "Hold a MySQL named lock for the whole run")
	fs.IntVar(&o.lockTimeout, "lock-timeout", 0, "Lock wait seconds (or LOCK_TIMEOUT_SEC, default 30)")
	fs.IntVar(&o.stepTimeout, "step-timeout", 0, "Per-step deadline in seconds, 0 for none (or STEP_TIMEOUT_SEC)")
	fs.BoolVar(&o.journal, "journal", false, "Append step outcomes to the journal table")
	fs.StringVar(&o.journalTable, "journal-table", "", "Journal table name (or JOURNAL_TABLE)")
	fs.StringVar(&o.appliedBy, "applied-by", "", "Override applied_by value")
	fs.BoolVar(&o.verbose, "verbose", false, "Verbose per-step logs")
	fs.SetOutput(io.Discard)
	return fs
}

// parseArgs accepts flags before, between and after positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func buildConfig(fs *flag.FlagSet, o *options) (*config.Config, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, fmt.Errorf("env file %s: %w", o.envFile, err)
	}
	cfg, err := config.LoadYAML(o.conf)
	if err != nil {
		return nil, err
	}
	if cfg, err = config.MergeEnv(cfg); err != nil {
		return nil, err
	}
	// only flags given on the command line override file and env values
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = o.host
		case "port":
			cfg.Port = o.port
		case "user":
			cfg.User = o.user
		case "database":
			cfg.Database = o.database
		case "dir":
			cfg.Dir = o.dir
		case "json":
			cfg.JSON = o.json
		case "dry-run":
			cfg.DryRun = o.dryRun
		case "lock":
			cfg.Lock = o.useLock
		case "lock-timeout":
			cfg.LockTimeoutSec = o.lockTimeout
		case "step-timeout":
			cfg.StepTimeoutSec = o.stepTimeout
		case "journal":
			cfg.Journal = o.journal
		case "journal-table":
			cfg.JournalTable = o.journalTable
		case "applied-by":
			cfg.AppliedBy = o.appliedBy
		}
	})
	return cfg, nil
}

func run(argv []string, stdout io.Writer) int {
	if len(argv) < 1 || argv[0] == "-h" || argv[0] == "--help" || argv[0] == "help" {
		usage(stdout)
		return exitOK
	}
	cmd := argv[0]
	switch cmd {
	case "run", "check", "inspect", "history", "create":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage(os.Stderr)
		return exitPlanError
	}

	var o options
	fs := newFlagSet(&o)
	args, err := parseArgs(fs, argv[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitPlanError
	}
	cfg, err := buildConfig(fs, &o)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitPlanError
	}
	if cmd == "check" {
		cfg.DryRun = true
	}

	log := logger.New(cfg.JSON)
	log.SetVerbose(o.verbose)

	switch cmd {
	case "create":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "create requires a <name>")
			return exitPlanError
		}
		path, err := createPlan(cfg.Dir, args[0], time.Now())
		if err != nil {
			log.Error("create failed", logger.Fields{"error": err})
			return exitFail
		}
		log.Info("created plan", logger.Fields{"path": path})
		return exitOK
	case "inspect":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "inspect requires a <table>")
			return exitPlanError
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitPlanError
	}

	// Plans are parsed before connecting so a typo never costs a round trip.
	var plans []*migrator.Plan
	if cmd == "run" || cmd == "check" {
		plans, err = loadPlans(cfg.Dir, args)
		if err != nil {
			log.Error("plan failed", logger.Fields{"error": err})
			return exitPlanError
		}
		if len(plans) == 0 {
			log.Info("no plans found", logger.Fields{"dir": cfg.Dir})
			return exitOK
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg)
	if err != nil {
		log.Error("connection failed", logger.Fields{"error": err})
		return exitConnection
	}
	defer database.Close()
	log.Debug("connected", logger.Fields{"host": cfg.Host, "port": cfg.Port, "database": cfg.Database})

	switch cmd {
	case "inspect":
		return inspect(ctx, database, args[0], stdout, log)
	case "history":
		n := 20
		if len(args) > 0 {
			if n, err = strconv.Atoi(args[0]); err != nil || n <= 0 {
				log.Error("invalid N for history", logger.Fields{"arg": args[0]})
				return exitPlanError
			}
		}
		return history(ctx, database, cfg, n, stdout, log)
	}

	if cfg.Lock {
		l := lock.NewMySQL(lock.KeyFor(cfg.Database))
		if err := l.Acquire(ctx, database, cfg.LockTimeout()); err != nil {
			log.Error("failed to acquire lock", logger.Fields{"error": err, "key": l.Key()})
			return exitLocked
		}
		defer func() { _ = l.Release(context.Background()) }()
	} else {
		log.Debug("running without lock; overlapping runs are not detected", nil)
	}

	var journal *migrator.Storage
	if cfg.Journal && !cfg.DryRun {
		if err := db.EnsureJournal(ctx, database, cfg.JournalTable); err != nil {
			log.Error("ensure journal failed", logger.Fields{"error": err, "table": cfg.JournalTable})
			return exitFail
		}
		journal = &migrator.Storage{DB: database, Table: cfg.JournalTable}
	}

	return applyPlans(ctx, database, plans, cfg, journal, stdout, log)
}

// applyPlans runs each plan with its own Runner and writes its report to w.
// It returns exitStepFailed when any step of any plan failed.
func applyPlans(ctx context.Context, ex migrator.Execer, plans []*migrator.Plan, cfg *config.Config, journal *migrator.Storage, w io.Writer, log *logger.Logger) int {
	failed := false
	for _, p := range plans {
		runner := migrator.NewRunner(ex, cfg.AppliedBy)
		runner.DryRun = cfg.DryRun
		runner.StepTimeout = cfg.StepTimeout()
		runner.Journal = journal

		plog := log.With(logger.Fields{"plan": p.Name})
		plog.Info("plan.start", logger.Fields{"steps": len(p.Steps), "dry_run": cfg.DryRun})
		rep, err := runner.Apply(ctx, p, progressLogger(plog))
		if err != nil {
			plog.Error("plan rejected", logger.Fields{"error": err})
			return exitPlanError
		}
		if err := writeReport(w, rep, log.JSONEnabled()); err != nil {
			plog.Error("write report failed", logger.Fields{"error": err})
			return exitFail
		}
		c := rep.Counts()
		plog.Info("plan.done", logger.Fields{"run_id": rep.RunID, "applied": c.Applied, "skipped": c.Skipped, "failed": c.Failed, "planned": c.Planned})
		failed = failed || rep.Failed()
	}
	if failed {
		return exitStepFailed
	}
	return exitOK
}

func progressLogger(log *logger.Logger) migrator.ProgressFunc {
	return func(stage string, step migrator.Step, res *migrator.StepResult, err error) {
		fields := logger.Fields{"step": step.Name(), "kind": string(step.Kind())}
		switch stage {
		case "start":
			log.Debug("step.start", fields)
		case "journal":
			fields["error"] = err
			log.Warn("step.journal", fields)
		case "done":
			fields["outcome"] = string(res.Outcome)
			fields["duration_ms"] = res.DurationMS
			if res.Outcome == migrator.OutcomeFailed {
				fields["error"] = res.Error
				log.Error("step.failed", fields)
				return
			}
			log.Info("step."+string(res.Outcome), fields)
		}
	}
}

func loadPlans(dir string, files []string) ([]*migrator.Plan, error) {
	if len(files) == 0 {
		return migrator.DiscoverPlans(migrator.FileSource{RootDir: dir})
	}
	plans := make([]*migrator.Plan, 0, len(files))
	for _, f := range files {
		p, err := migrator.LoadPlanFile(f)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func writeReport(w io.Writer, rep *migrator.Report, asJSON bool) error {
	if asJSON {
		return rep.WriteJSON(w)
	}
	return rep.WriteText(w)
}

func inspect(ctx context.Context, q schema.Querier, table string, w io.Writer, log *logger.Logger) int {
	cols, err := schema.NewInspector(q).ListColumns(ctx, table)
	if errors.Is(err, schema.ErrTableNotFound) {
		log.Warn("table not found", logger.Fields{"table": table})
		return exitFail
	}
	if err != nil {
		log.Error("inspect failed", logger.Fields{"error": err})
		return exitFail
	}
	if log.JSONEnabled() {
		_ = json.NewEncoder(w).Encode(cols)
		return exitOK
	}
	for _, c := range cols {
		null, def := "NOT NULL", ""
		if c.Nullable {
			null = "NULL"
		}
		if c.Default != nil {
			def = "DEFAULT " + *c.Default
		}
		fmt.Fprintf(w, "%-30s %-40s %-8s %s\n", c.Name, c.Type, null, def)
	}
	return exitOK
}

func history(ctx context.Context, database migrator.Execer, cfg *config.Config, n int, w io.Writer, log *logger.Logger) int {
	st := &migrator.Storage{DB: database, Table: cfg.JournalTable}
	entries, err := st.Recent(ctx, n)
	if err != nil {
		log.Error("history failed", logger.Fields{"error": err, "table": cfg.JournalTable})
		return exitFail
	}
	if log.JSONEnabled() {
		_ = json.NewEncoder(w).Encode(entries)
		return exitOK
	}
	for _, e := range entries {
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		fmt.Fprintf(w, "%s %-8s %-8s %-30s %-40s %s\n", e.AppliedAt.UTC().Format(time.RFC3339), run, e.Outcome, e.Plan, e.StepName, e.Error)
	}
	return exitOK
}

const planTemplate = `name: %s
steps:
  # - kind: add_column
  #   table: students
  #   column: gender
  #   type: VARCHAR(20)
  # - kind: widen_enum
  #   tables: [tests, course_work]
  #   column: status
  #   values: [active, inactive]
`

func createPlan(dir, name string, now time.Time) (string, error) {
	clean := sanitize(name)
	if clean == "" {
		return "", fmt.Errorf("plan name %q has no letters or digits", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := fmt.Sprintf("%s_%s", now.UTC().Format("20060102150405"), clean)
	path := filepath.Join(dir, base+".yaml")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(planTemplate, clean)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// sanitize keeps lowercase letters and digits, joining every other run of
// characters into one underscore, so a name can never leave the plans dir.
func sanitize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return strings.Join(words, "_")
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `evolve - declarative, idempotent MySQL schema changes

USAGE:
  evolve <command> [args] [--flags]

COMMANDS:
  run [plan.yaml...]        Apply plans (default: every plan under --dir, in version order)
  check [plan.yaml...]      Evaluate preconditions only; report what would run
  inspect <table>           Print the live columns of a table
  history [n]               Show the last n journal rows (default 20)
  create <name>             Scaffold <timestamp>_<name>.yaml in --dir

CONNECTION (environment, .env, --config YAML or flags):
  DB_HOST DB_USER DB_PASSWORD DB_NAME are required; DB_PORT defaults to 3306

FLAGS:
  --config <path>           Optional YAML config path
  --env-file <path>         Dotenv file (default .env, ignored if missing)
  --host/--port/--user/--database
  --dir <path>              Plans directory (default ./plans)
  --json                    JSON logs and report
  --dry-run                 Same as check
  --step-timeout <sec>      Per-step deadline (default none)
  --lock                    Hold a named lock so concurrent runs wait
  --lock-timeout <sec>      Lock wait (default 30)
  --journal                 Record step outcomes in the journal table
  --journal-table <name>    Journal table (default schema_evolution_log)
  --applied-by <name>       Override applied_by
  --verbose                 Per-step debug logs

EXIT CODES:
  0 no step failed, 1 a step failed, 2 connection error,
  3 lock not acquired, 4 other failure, 5 plan or config error`)
}
