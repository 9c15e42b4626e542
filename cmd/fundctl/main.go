package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fundscrape/fund-acquisition/internal/auth"
	"github.com/fundscrape/fund-acquisition/internal/client"
	"github.com/fundscrape/fund-acquisition/internal/config"
	"github.com/fundscrape/fund-acquisition/internal/db"
	"github.com/fundscrape/fund-acquisition/internal/models"
)

var rootCmd = &cobra.Command{
	Use:   "fundctl",
	Short: "Operate the fund acquisition service",
	Long: `fundctl triggers and inspects fund data acquisitions.
Remote commands talk to a running server and authenticate with the admin
secret or an operator token. token signs with JWT_SECRET locally, and
migrate reads the same configuration as the server.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FUNDSCRAPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("admin-secret", "FUNDSCRAPE_ADMIN_SECRET", "ADMIN_SECRET")
	_ = viper.BindEnv("jwt-secret", "FUNDSCRAPE_JWT_SECRET", "JWT_SECRET")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8081", "service base URL")
	rootCmd.PersistentFlags().String("admin-secret", "", "admin secret (or ADMIN_SECRET)")
	rootCmd.PersistentFlags().String("token", "", "operator token, used instead of the admin secret")
	rootCmd.PersistentFlags().String("config", "", "server config file for local commands")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("admin-secret", rootCmd.PersistentFlags().Lookup("admin-secret"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(sourcesCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(importCatalogCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
}

func sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				sources, err := c.Sources(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sources)
				}
				for _, s := range sources {
					fmt.Println(s)
				}
				return nil
			})
		},
	}
}

func triggerCmd() *cobra.Command {
	var source, dataType string
	var codes []string
	var all, wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start an acquisition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(codes) == 0 && !all {
				return fmt.Errorf("--codes or --all required")
			}
			return withClient(func(c *client.Client) error {
				resp, err := c.Trigger(cmd.Context(), client.TriggerRequest{
					Source:    source,
					DataType:  dataType,
					FundCodes: codes,
					All:       all,
				})
				if err != nil {
					return err
				}
				if !wait {
					if viper.GetBool("json") {
						return printJSON(resp)
					}
					fmt.Printf("Task %s %s (poll %s)\n", resp.TaskID, resp.Status, resp.Poll)
					return nil
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				task, err := c.WaitTask(ctx, resp.TaskID, time.Second)
				if err != nil {
					return err
				}
				return printTask(task)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source id")
	cmd.Flags().StringVar(&dataType, "type", string(models.DataTypeBasicInfo), "data type")
	cmd.Flags().StringSliceVar(&codes, "codes", nil, "comma separated fund codes")
	cmd.Flags().BoolVar(&all, "all", false, "acquire every fund in the catalog")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the task to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long --wait polls")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task and its per-fund outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				task, err := c.Task(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTask(task)
			})
		},
	}
}

func tasksCmd() *cobra.Command {
	var q client.TaskQuery
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List task history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				page, err := c.Tasks(cmd.Context(), q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Source", "Type", "Scope", "Status", "Total", "OK", "Failed", "Duration", "Created At"})
				for _, t := range page.Tasks {
					tw.AppendRow(table.Row{t.ID, t.SourceID, t.DataType, t.Scope, t.Status, t.Total, t.Succeeded, t.Failed, taskDuration(t), t.CreatedAt.Format(time.DateTime)})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "", "", "", "Total", page.Total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&q.DataType, "type", "", "data type filter")
	cmd.Flags().StringVar(&q.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&q.From, "from", "", "created at or after (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&q.To, "to", "", "created at or before (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().IntVar(&q.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&q.PageSize, "page-size", models.DefaultPageSize, "tasks per page")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				if err := c.Cancel(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("Cancellation requested for %s\n", args[0])
				return nil
			})
		},
	}
}

func importCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-catalog <source>",
		Short: "Refresh the fund catalog from a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *client.Client) error {
				res, err := c.ImportCatalog(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: listed %d, added %d, updated %d\n", res.SourceID, res.Listed, res.Added, res.Updated)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue an operator token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("jwt-secret"))
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is required to issue tokens the server will accept")
			}
			svc, err := auth.NewService(secret, ttl)
			if err != nil {
				return err
			}
			token, err := svc.IssueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadLocalConfig()
			if err != nil {
				return err
			}
			pool, err := db.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := db.ApplyMigrations(cmd.Context(), pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("Schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			return nil
		},
	}
}

// --- helpers ---

func withClient(fn func(*client.Client) error) error {
	credential := viper.GetString("token")
	if credential == "" {
		credential = strings.TrimSpace(viper.GetString("admin-secret"))
	}
	if credential == "" {
		return fmt.Errorf("--token or ADMIN_SECRET required")
	}
	c := client.New(viper.GetString("server"), credential)
	defer c.Close()
	return fn(c)
}

func loadLocalConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func taskDuration(t models.Task) string {
	if t.StartedAt == nil {
		return "-"
	}
	if t.EndedAt == nil {
		return "Running..."
	}
	return t.EndedAt.Sub(*t.StartedAt).Round(time.Second).String()
}

func printTask(task *client.TaskDetail) error {
	if viper.GetBool("json") {
		return printJSON(task)
	}
	fmt.Printf("Task %s: %s %s [%s] %s\n", task.ID, task.SourceID, task.DataType, task.Scope, task.Status)
	fmt.Printf("Planned %d, recorded %d, succeeded %d, failed %d, duration %s\n",
		task.Planned, task.Total, task.Succeeded, task.Failed, taskDuration(task.Task))
	if task.Error != "" {
		fmt.Println("Error:", task.Error)
	}
	if len(task.Items) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Fund", "Status", "Attempts", "Error Kind", "Error"})
	for _, it := range task.Items {
		tw.AppendRow(table.Row{it.FundCode, it.Status, it.Attempts, it.ErrorKind, it.ErrorMessage})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
