// Command commctl sends communications through the commhub API. Operations
// are kept in a local queue while the API is unreachable and replayed in
// order once it is back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"commhub/internal/apiclient"
	"commhub/internal/logging"
	"commhub/internal/syncqueue"
)

var rootCmd = &cobra.Command{
	Use:   "commctl",
	Short: "commhub client",
	Long: `commctl sends SMS and email through the commhub API.

Sends are written to a local queue first (~/.commhub/queue.db by default).
When the API is reachable the queue drains immediately, otherwise the
operation waits until "commctl queue drain" or "commctl sync" finds the API
again. Every operation keeps its idempotency key across retries, so a replay
never sends twice.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.InitTo(os.Stderr, "commctl", "text", viper.GetString("log-level"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COMMHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.String("api-url", "http://localhost:8080", "commhub API base URL")
	pf.String("company", "", "company id sent as X-Company-ID")
	pf.String("db", "", "local queue database (default ~/.commhub/queue.db)")
	pf.Bool("json", false, "output JSON")
	pf.Duration("op-timeout", 30*time.Second, "timeout for one queued operation")
	pf.Int("history", 50, "finished operations kept in the local queue")
	pf.String("log-level", "warn", "log level")
	for _, name := range []string{"api-url", "company", "db", "json", "op-timeout", "history", "log-level"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(syncCmd())
}

func newClient() *apiclient.Client {
	return apiclient.New(viper.GetString("api-url"), viper.GetString("company"))
}

// withRuntime opens the local queue for the duration of fn.
func withRuntime(ctx context.Context, fn func(ctx context.Context, r *runtime) error) error {
	path := viper.GetString("db")
	if path == "" {
		p, err := syncqueue.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	store, err := syncqueue.OpenSQLite(ctx, path)
	if err != nil {
		return err
	}

	r, err := newRuntime(ctx, newClient(), store, syncqueue.Options{
		OpTimeout:    viper.GetDuration("op-timeout"),
		HistoryLimit: viper.GetInt("history"),
	})
	if err != nil {
		store.Close()
		return err
	}
	r.closer = store.Close
	defer r.Close()
	return fn(ctx, r)
}
