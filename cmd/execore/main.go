// Command execore runs recipes of DAG-organized tasks under a global
// CPU budget, resuming or restarting named executions across process
// restarts.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kosmos-sh/execore/internal/admission"
	"github.com/kosmos-sh/execore/internal/daemon"
	"github.com/kosmos-sh/execore/internal/jobmanager"
	"github.com/kosmos-sh/execore/internal/lifecycle"
	"github.com/kosmos-sh/execore/internal/logging"
	"github.com/kosmos-sh/execore/internal/recipe"
	"github.com/kosmos-sh/execore/internal/resilience"
	"github.com/kosmos-sh/execore/internal/store"
	"github.com/kosmos-sh/execore/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "execore",
	Short: "Run a recipe of DAG-organized tasks under a global CPU budget",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		return nil
	},
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("name", "n", "", "execution name (required, must match ^\\w+$)")
	flags.StringP("recipe", "f", "", "path to the recipe YAML file (required unless resuming)")
	flags.StringP("output-dir", "o", "", "directory executions write outputs under")
	flags.IntP("max-cpus", "c", 0, "global CPU budget; 0 means unbounded")
	flags.BoolP("restart", "r", false, "wipe and re-render the named execution instead of resuming it")
	flags.BoolP("yes", "y", false, "skip the confirmation prompt before a destructive restart")
	flags.Bool("dry-run", false, "render the recipe and report the plan without running it")
	flags.String("cron", "", "cron expression; when set, run as a recurring daemon instead of once")
	flags.String("nats-subject", "", "NATS subject; when set, trigger one run per message received")
	flags.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL, used only with --nats-subject")
	flags.String("policy-dir", "", "directory of *.rego admission policies; empty disables the policy gate")
	flags.String("store", "execore.db", "path to the BoltDB store file")
	flags.Int("workers", 0, "worker pool size; 0 means GOMAXPROCS")

	must(viper.BindPFlags(flags))
	viper.SetEnvPrefix("execore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Init("execore")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry := telemetry.Init(ctx, "execore")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	name := viper.GetString("name")
	if name == "" {
		return fmt.Errorf("--name is required")
	}

	st, err := store.Open(viper.GetString("store"), telemetry.Meter())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var gate admission.PolicyGate
	if dir := viper.GetString("policy-dir"); dir != "" {
		opaGate, err := admission.NewOPAGate(ctx, dir)
		if err != nil {
			return fmt.Errorf("load admission policies: %w", err)
		}
		gate = opaGate
	}

	breaker := resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3)

	jm := jobmanager.NewInProcess(viper.GetInt("workers"), 1024, telemetry.Meter(), jobmanager.WithCircuitBreaker(breaker))
	defer jm.Terminate()

	lc := &lifecycle.Lifecycle{
		Store:     st,
		Renderer:  recipe.YAMLRenderer{},
		Admission: &admission.Controller{Gate: gate},
		JM:        jm,
	}

	var maxCPUs *int
	if v := viper.GetInt("max-cpus"); v > 0 {
		maxCPUs = &v
	}

	cfg := lifecycle.Config{
		Name:          name,
		OutputDir:     viper.GetString("output-dir"),
		RecipePath:    viper.GetString("recipe"),
		MaxCPUs:       maxCPUs,
		Restart:       viper.GetBool("restart"),
		PromptConfirm: !viper.GetBool("yes"),
		DryRun:        viper.GetBool("dry-run"),
	}

	cronExpr := viper.GetString("cron")
	natsSubject := viper.GetString("nats-subject")
	if cronExpr == "" && natsSubject == "" {
		return runOnce(ctx, lc, cfg)
	}

	fd := daemon.New(daemon.RunOnce(lc, cfg), telemetry.Meter())
	defer fd.Stop()

	if cronExpr != "" {
		if err := fd.StartCron(cronExpr); err != nil {
			return fmt.Errorf("start cron front door: %w", err)
		}
	}
	if natsSubject != "" {
		if err := fd.StartNATS(viper.GetString("nats-url"), natsSubject); err != nil {
			return fmt.Errorf("start nats front door: %w", err)
		}
	}

	<-ctx.Done()
	return nil
}

func runOnce(ctx context.Context, lc *lifecycle.Lifecycle, cfg lifecycle.Config) error {
	plan, err := lc.Start(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		fmt.Printf("plan (%s): %d tasks across %d stages\n", plan.Mode, len(plan.DryTasks), len(plan.Stages))
		for _, t := range plan.DryTasks {
			fmt.Printf("  task %d: cpu_req=%d must_succeed=%v noop=%v command=%q\n", t.ID, t.CPUReq, t.MustSucceed, t.NOOP, t.Command)
		}
		return nil
	}

	result, err := lc.Run(ctx, plan, cfg.DryRun)
	if err != nil {
		return err
	}

	fmt.Printf("execution %q finished: status=%s soft_failure=%v terminated=%v\n",
		plan.Exec.Name, plan.Exec.Status, result.HadSoftFailure, result.Terminated)

	if plan.Exec.Status != "successful" {
		os.Exit(1)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
