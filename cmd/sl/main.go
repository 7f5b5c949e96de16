package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyline/internal/app"
	"storyline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Storyline CLI",
	Long: `Storyline coordinates agent-driven delivery work.
- Project: moves through planning states (research, brief, PRD, architecture) to development_ready and completed, dispatching each planning action to its agent.
- Story: belongs to a project; moves draft -> risk_profiling -> validation -> development -> qa_check -> ready_for_review -> qa_review -> quality_gate -> completed.
- Gates: risk, design, trace, nfr, review and the final quality gate; a failing quality gate sends the story back to development.
- Task: an hour budget scheduled on an agent's day under a daily ceiling; progress is reported in hours.
- Advance commands take the state you expect; a stale expectation is refused.
- Workspace: .storyline/storyline.db plus an optional storyline.yml.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the audit log")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(capacityCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

// openApp opens the workspace. One-shot commands log at warn unless
// --log-level says otherwise; long-running ones pass quiet=false to use the
// configured level.
func openApp(ctx context.Context, quiet bool) (*app.App, error) {
	level := viper.GetString("log-level")
	if level == "" && quiet {
		level = "warn"
	}
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Env:       viper.New(),
		LogOutput: os.Stderr,
		LogLevel:  level,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = engine.WithActor(ctx, viper.GetString("actor-id"))
	return fn(ctx, a.Engine)
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}

func printJSON(v any) error {
	return jsonEncoder(os.Stdout).Encode(v)
}

func jsonEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}

func hours(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
