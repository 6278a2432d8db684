package main

import (
	"fmt"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(driftCmd, reconcileCmd, accountCmd, apikeyCmd, tenantCmd)

	driftCmd.AddCommand(driftScanCmd)
	driftScanCmd.Flags().String("tenant", "", "Limit the scan to one tenant (default: all tenants)")
	driftScanCmd.Flags().Int64("threshold", 0, "Report only drift larger than this many points")

	reconcileCmd.AddCommand(reconcileAccountCmd, reconcileFlaggedCmd)
	reconcileAccountCmd.Flags().String("tenant", "", "Tenant owning the account")
	reconcileAccountCmd.Flags().String("note", "", "Reason recorded in the audit row")
	reconcileFlaggedCmd.Flags().String("tenant", "", "Limit to one tenant (default: all tenants)")
	reconcileFlaggedCmd.Flags().Int64("threshold", 0, "Reconcile only drift larger than this many points")
	reconcileFlaggedCmd.Flags().String("note", "", "Reason recorded in the audit rows")

	accountCmd.AddCommand(accountRegisterCmd, accountBalanceCmd)
	accountRegisterCmd.Flags().String("tenant", "", "Tenant owning the account")
	accountBalanceCmd.Flags().String("tenant", "", "Tenant owning the account")

	apikeyCmd.AddCommand(apikeyCreateCmd)
	apikeyCreateCmd.Flags().String("tenant", "", "Tenant the key is bound to")
	apikeyCreateCmd.Flags().String("name", "", "Human-readable key name")
	apikeyCreateCmd.Flags().String("role", string(models.RoleService), "Role granted to the key (staff, service, admin)")

	tenantCmd.AddCommand(tenantSettingsCmd)
	tenantSettingsCmd.Flags().String("tenant", "", "Tenant to configure")
	tenantSettingsCmd.Flags().String("timezone", "UTC", "IANA time zone of the property")
	tenantSettingsCmd.Flags().String("gaming-day-start", "06:00", "Local time the gaming day starts (HH:MM)")
}

// ─── drift ──────────────────────────────────────────────────────────────────

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Inspect cached balances against the ledger",
}

var driftScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Report accounts whose cached balance disagrees with their ledger",
	Long: `Report accounts whose cached balance disagrees with the sum of their ledger
entries. The scan is read-only; use 'ledgerctl reconcile' to correct balances.`,
	RunE: runDriftScan,
}

func runDriftScan(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tenant, _ := cmd.Flags().GetString("tenant")
	threshold, _ := cmd.Flags().GetInt64("threshold")

	records, err := e.svc.ScanDrift(commandContext(cmd), e.system(), models.ScanDriftRequest{
		TenantID:  tenant,
		Threshold: threshold,
	})
	if err != nil {
		return err
	}
	return printJSON(records)
}

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Overwrite cached balances with ledger sums",
}

var reconcileAccountCmd = &cobra.Command{
	Use:   "account ACCOUNT_ID",
	Short: "Reconcile one account and record an audit row",
	Args:  cobra.ExactArgs(1),
	RunE:  runReconcileAccount,
}

func runReconcileAccount(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tenant, _ := cmd.Flags().GetString("tenant")
	note, _ := cmd.Flags().GetString("note")
	if tenant == "" {
		return fmt.Errorf("--tenant is required")
	}

	result, err := e.svc.ReconcileAccount(commandContext(cmd), e.system(), models.ReconcileAccountRequest{
		TenantID:  tenant,
		AccountID: args[0],
		Note:      note,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

var reconcileFlaggedCmd = &cobra.Command{
	Use:   "flagged",
	Short: "Scan for drift and reconcile every flagged account",
	RunE:  runReconcileFlagged,
}

func runReconcileFlagged(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tenant, _ := cmd.Flags().GetString("tenant")
	threshold, _ := cmd.Flags().GetInt64("threshold")
	note, _ := cmd.Flags().GetString("note")

	results, err := e.svc.ReconcileFlagged(commandContext(cmd), e.system(), models.ReconcileFlaggedRequest{
		TenantID:  tenant,
		Threshold: threshold,
		Note:      note,
	})
	if printErr := printJSON(results); printErr != nil {
		return printErr
	}
	return err
}

// ─── account ────────────────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage loyalty accounts",
}

var accountRegisterCmd = &cobra.Command{
	Use:   "register ACCOUNT_ID",
	Short: "Register an account so it can receive ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRegister,
}

func runAccountRegister(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tenant, _ := cmd.Flags().GetString("tenant")
	caller, err := e.operator(tenant)
	if err != nil {
		return err
	}

	account, err := e.svc.RegisterAccount(commandContext(cmd), caller, models.RegisterAccountRequest{AccountID: args[0]})
	if err != nil {
		return err
	}
	return printJSON(account)
}

var accountBalanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Show the cached balance of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountBalance,
}

func runAccountBalance(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tenant, _ := cmd.Flags().GetString("tenant")
	caller, err := e.operator(tenant)
	if err != nil {
		return err
	}

	balance, err := e.svc.GetBalance(commandContext(cmd), caller, args[0])
	if err != nil {
		return err
	}
	return printJSON(balance)
}

// ─── apikey ─────────────────────────────────────────────────────────────────

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage machine credentials",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key bound to a tenant",
	Long: `Issue an API key bound to a tenant. The token is printed once and cannot be
recovered; only its hash is stored.`,
	RunE: runAPIKeyCreate,
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tenant, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	role, _ := cmd.Flags().GetString("role")

	issued, err := e.svc.IssueAPIKey(commandContext(cmd), e.system(), models.IssueAPIKeyRequest{
		TenantID: tenant,
		Name:     name,
		Role:     models.Role(role),
	})
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"key":   issued.Key,
		"token": issued.Token,
	})
}

// ─── tenant ─────────────────────────────────────────────────────────────────

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage per-tenant settings",
}

var tenantSettingsCmd = &cobra.Command{
	Use:   "set-settings",
	Short: "Set the time zone and gaming day start of a tenant",
	RunE:  runTenantSettings,
}

func runTenantSettings(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tenant, _ := cmd.Flags().GetString("tenant")
	timezone, _ := cmd.Flags().GetString("timezone")
	start, _ := cmd.Flags().GetString("gaming-day-start")

	settings := models.TenantSettings{TenantID: tenant, Timezone: timezone, GamingDayStart: start}
	if err := e.svc.SetTenantSettings(commandContext(cmd), e.system(), settings); err != nil {
		return err
	}
	return printJSON(settings)
}
