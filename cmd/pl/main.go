package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"payline/internal/app"
	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/money"
	"payline/internal/notify"
	"payline/internal/observability"
	"payline/internal/repo"
	"payline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Payline compensation ledger",
	Long: `Payline pays a team from the jobs it delivers.
- Jobs: each job's value splits into a team pool (30%) and a mission fund contribution (5%).
- Interactions: members earn a share of a job's team pool in proportion to their interactions on it.
- Settlement: once the client has paid, the settler pays the pool out exactly once.
- Missions: fixed-price tasks paid from the mission fund; the price follows the fund's health tier.
- Event log: every change is recorded, view with 'pl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return loadDotEnv(workspace)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadDotEnv reads <workspace>/.env into the process environment without
// overriding variables that are already set.
func loadDotEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(fundCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(interactionCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config (payline.yml)",
		Long:  "Config holds the server settings, the RBAC roles and grants, mission sweeping and notification sinks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default payline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate payline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Ledger health: fund, tier and status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.CompensationHealth(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
}

func fundCmd() *cobra.Command {
	fund := &cobra.Command{
		Use:   "fund",
		Short: "Mission fund",
		Long:  "The mission fund grows by 5% of every job and pays approved missions. Its balance sets the tier that prices new missions.",
	}
	fund.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Balance, tier and current mission prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.FundStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Balance:   %s\n", money.Format(st.Fund.Balance))
				fmt.Printf("Reserved:  %s\n", money.Format(st.Fund.Reserved))
				fmt.Printf("Available: %s\n", money.Format(st.Fund.Available()))
				fmt.Printf("Tier:      %s (%s)\n", st.Tier.Name, st.Tier.Status)
				tw := newTable("Mission type", "Payment")
				for _, mt := range domain.MissionTypes {
					tw.AppendRow(table.Row{mt, money.Format(st.Payments[mt])})
				}
				tw.Render()
				return nil
			})
		},
	})
	fund.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "Jobs that contributed to the fund",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.FundSources(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Job", "Amount", "At")
				for _, s := range items {
					tw.AppendRow(table.Row{s.JobID, money.Format(s.Amount), s.TS})
				}
				tw.Render()
				return nil
			})
		},
	})
	return fund
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage jobs"}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobCompleteCmd())
	job.AddCommand(jobEarningsCmd())
	job.AddCommand(jobSettleCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var id, title, value string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a new job and fund its mission contribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || value == "" {
				return fmt.Errorf("--id and --value required")
			}
			amount, err := money.Parse(value)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CreateJob(ctx, engine.JobCreateOptions{
					ID:      id,
					Title:   title,
					Value:   amount,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&value, "value", "", "job value in dollars")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.ListJobs(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable("ID", "Title", "Value", "Team pool", "Interactions", "Status")
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Title, money.Format(j.Value), money.Format(j.TeamPool), j.TotalInteractions, j.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, completed, paid)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <job-id>",
		Short: "Mark a job delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CompleteJob(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobEarningsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "earnings <job-id>",
		Short: "Per-member breakdown of a job's team pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				je, err := e.JobEarnings(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(je)
				}
				fmt.Printf("%s [%s] team pool %s, %d interactions\n", je.Title, je.Status, money.Format(je.TeamPool), je.TotalInteractions)
				printShares(je.Shares)
				return nil
			})
		},
	}
}

func jobSettleCmd() *cobra.Command {
	var cashReceived bool
	cmd := &cobra.Command{
		Use:   "settle <job-id>",
		Short: "Pay out a job's team pool (once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l *app.Ledger) error {
				e := l.Engine
				e.Notifier = notify.FromConfig(l.Config, observability.Make(l.Config.Logging.Level, l.Config.Logging.Format).Log())
				s, err := e.TriggerPayment(ctx, engine.SettleOptions{
					JobID:        args[0],
					ActorID:      viper.GetString("actor-id"),
					CashReceived: cashReceived,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Paid %s from %s at %s\n", money.Format(s.TotalPaid), s.JobTitle, s.PaidAt)
				printShares(s.Shares)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cashReceived, "cash-received", false, "confirm the client has paid")
	return cmd
}

func interactionCmd() *cobra.Command {
	ic := &cobra.Command{Use: "interaction", Short: "Record member interactions"}
	var in engine.InteractionInput
	record := &cobra.Command{
		Use:   "record",
		Short: "Record one interaction on a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.JobID == "" || in.MemberID == "" {
				return fmt.Errorf("--job and --member required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.ActorID = viper.GetString("actor-id")
				res, err := e.RecordInteraction(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Duplicate {
					fmt.Println("duplicate interaction ignored")
				}
				fmt.Printf("%s: %d on %s (job total %d, all jobs %d)\n",
					in.MemberID, res.MemberJobCount, in.JobID, res.JobTotal, res.MemberTotal)
				return nil
			})
		},
	}
	record.Flags().StringVar(&in.JobID, "job", "", "job id")
	record.Flags().StringVar(&in.MemberID, "member", "", "member id")
	record.Flags().StringVar(&in.Content, "content", "", "message content, used for dedupe")
	record.Flags().StringVar(&in.Recipient, "recipient", "", "addressed member ("+strings.Join(engine.Recipients, ", ")+")")
	ic.AddCommand(record)
	return ic
}

func missionCmd() *cobra.Command {
	mc := &cobra.Command{
		Use:   "mission",
		Short: "Fixed-price missions paid from the fund",
		Long:  "Missions move available -> claimed -> pending_approval -> completed. Claims lapse back to available after 24h.",
	}
	mc.AddCommand(missionCreateCmd())
	mc.AddCommand(missionListCmd())
	mc.AddCommand(missionShowCmd())
	mc.AddCommand(missionClaimCmd())
	mc.AddCommand(missionCompleteCmd())
	mc.AddCommand(missionApproveCmd())
	mc.AddCommand(missionSweepCmd())
	return mc
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission priced from the current tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (generated when empty)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "proposal, social, recruitment or other")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Title", "Payment", "Status", "Claimed by")
				for _, m := range items {
					claimedBy := ""
					if m.ClaimedBy != nil {
						claimedBy = *m.ClaimedBy
					}
					tw.AppendRow(table.Row{m.ID, m.Type, m.Title, money.Format(m.FixedPayment), m.Status, claimedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.ClaimedBy, "claimed-by", "", "claimant filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionClaimCmd() *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "claim <mission-id>",
		Short: "Claim a mission (defaults to the current actor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if member == "" {
				member = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ClaimMission(ctx, args[0], member)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member id")
	return cmd
}

func missionCompleteCmd() *cobra.Command {
	var opts engine.MissionCompleteOptions
	cmd := &cobra.Command{
		Use:   "complete <mission-id>",
		Short: "Submit proof for a claimed mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.MissionID = args[0]
			if opts.MemberID == "" {
				opts.MemberID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CompleteMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MemberID, "member", "", "member id")
	cmd.Flags().StringVar(&opts.ProofURL, "proof-url", "", "link to the proof of work")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes for the reviewer")
	return cmd
}

func missionApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <mission-id>",
		Short: "Approve a mission and pay it from the fund",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l *app.Ledger) error {
				e := l.Engine
				e.Notifier = notify.FromConfig(l.Config, observability.Make(l.Config.Logging.Level, l.Config.Logging.Format).Log())
				m, err := e.ApproveMission(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Return claims older than 24h to the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				expired, err := e.ExpireStaleClaims(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(expired)
				}
				fmt.Printf("%d claim(s) expired\n", len(expired))
				for _, c := range expired {
					fmt.Printf("  %s (claimed by %s at %s)\n", c.MissionID, c.MemberID, c.ClaimedAt)
				}
				return nil
			})
		},
	}
}

func memberCmd() *cobra.Command {
	mc := &cobra.Command{Use: "member", Short: "Member earnings"}
	mc.AddCommand(&cobra.Command{
		Use:   "earnings <member-id>",
		Short: "Earnings summary for a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				me, err := e.MemberEarnings(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(me)
				}
				fmt.Printf("Potential from jobs:  %s\n", money.Format(me.PotentialFromJobs))
				fmt.Printf("Completed missions:   %s\n", money.Format(me.CompletedMissions))
				fmt.Printf("Grand total:          %s\n", money.Format(me.GrandTotal))
				fmt.Printf("Paid to date:         %s\n", money.Format(me.PaidHistory))
				fmt.Printf("Interactions (all):   %d\n", me.TotalInteractions)
				if len(me.Jobs) == 0 {
					return nil
				}
				tw := newTable("Job", "Title", "Status", "Yours", "Team", "Earning")
				for _, j := range me.Jobs {
					tw.AppendRow(table.Row{j.JobID, j.Title, j.Status, j.YourInteractions, j.TeamTotal, money.Format(j.Earning)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return mc
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacRoleCmd("grant", "Grant role to actor", true))
	cmd.AddCommand(rbacRoleCmd("revoke", "Revoke role from actor", false))
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func rbacRoleCmd(use, short string, grant bool) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if grant {
					return e.GrantRole(ctx, viper.GetString("actor-id"), target, role)
				}
				return e.RevokeRole(ctx, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("API key for %s (shown once): %s\n", key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	ak.AddCommand(create, list)
	return ak
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every job, interaction, fund movement, mission transition and payment, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, viper.GetString("actor-id"), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "At", "Type", "Entity", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long:  "Serves the API with bearer (PAYLINE_JWT_SECRET) and API key auth, Prometheus metrics at /metrics, the webhook dispatcher and the stale-claim sweeper.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l *app.Ledger) error {
				cfg := l.Config
				if token := viper.GetString("telegram-token"); token != "" {
					cfg.Notify.Telegram.BotToken = token
				}
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				obs := observability.Make(cfg.Logging.Level, cfg.Logging.Format)
				e := l.Engine
				e.Notifier = notify.FromConfig(cfg, obs.Log())

				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
					APIKeyCacheSize:        cfg.Auth.APIKeyCacheSize,
					Logger:                 obs.Log(),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("PAYLINE_JWT_SECRET is required for bearer auth")
				}
				srvCfg := server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Obs: obs}
				handler, err := server.New(srvCfg)
				if err != nil {
					return err
				}
				server.StartBackground(ctx, srvCfg)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				obs.Log().WithField("addr", addr).Infof("serving Payline API at http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

// --- helpers ---

func withLedger(ctx context.Context, fn func(context.Context, *app.Ledger) error) error {
	l, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(ctx, l)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withLedger(ctx, func(ctx context.Context, l *app.Ledger) error {
		return fn(ctx, l.Engine)
	})
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printShares(shares []domain.MemberShare) {
	tw := newTable("Member", "Interactions", "Share", "%")
	for _, s := range shares {
		tw.AppendRow(table.Row{s.MemberID, s.Interactions, money.Format(s.Share), s.Percentage})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
