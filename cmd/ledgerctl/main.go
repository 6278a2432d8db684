// Command ledgerctl is the operator tool for the loyalty ledger. It talks to
// the database directly and runs inside the trust boundary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	_ "time/tzdata" // gaming days need zone data on hosts without zoneinfo

	"github.com/bwmarrin/snowflake"
	"github.com/casinoloyalty/ledger-server/internal/config"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
	"github.com/casinoloyalty/ledger-server/internal/service"
	"github.com/casinoloyalty/ledger-server/internal/utils"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Operate the loyalty points ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("actor", defaultActor(), "Operator name recorded in audit rows")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env is what every command needs to call the service
type env struct {
	svc    service.Service
	db     *sqlx.DB
	logger *zap.Logger
	actor  string
}

func (e *env) Close() {
	e.logger.Sync()
	e.db.Close()
}

// system returns the in-process caller allowed to span tenants
func (e *env) system() models.Caller {
	return models.SystemCaller("ledgerctl:" + e.actor)
}

// operator returns an admin caller scoped to one tenant
func (e *env) operator(tenantID string) (models.Caller, error) {
	if tenantID == "" {
		return models.Caller{}, fmt.Errorf("--tenant is required")
	}
	return models.NewCaller(tenantID, "ledgerctl:"+e.actor, models.RoleAdmin)
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	logger, err := utils.NewLogger(level, true)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	db, err := config.SetupDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	node, err := snowflake.NewNode(cfg.Ledger.NodeID)
	if err != nil {
		db.Close()
		return nil, err
	}

	repo := repository.NewPostgresRepository(db, cfg.Ledger.LockTimeout.Duration)
	svc := service.NewDefaultService(repo, node, logger, nil, service.Config{
		DefaultPageLimit: cfg.Ledger.DefaultPageLimit,
		MaxPageLimit:     cfg.Ledger.MaxPageLimit,
		SettingsTTL:      cfg.Ledger.SettingsTTL.Duration,
	})

	actor, _ := cmd.Flags().GetString("actor")
	return &env{svc: svc, db: db, logger: logger, actor: actor}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
