package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"careline/internal/app"
	"careline/internal/bot"
	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/gateway"
	"careline/internal/intent"
	"careline/internal/repo"
	"careline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "care",
	Short: "Careline reminder bot",
	Long: `Careline schedules medication and health reminders, delivers them over
Telegram, and escalates with firmer follow-ups until the person confirms.
Reminders that stay unconfirmed past the escalation cap are marked missed
so caregivers can be alerted.

Run 'care serve' to start the bot and the HTTP API, or manage reminders
directly with 'care task'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("CARELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
}

// logSender stands in for Telegram when no token is configured or when a
// one-shot CLI command runs. Reminders land in the process log.
type logSender struct{}

func (logSender) SendReminder(ctx context.Context, chatID int64, text, taskID string) error {
	log.Printf("careline: reminder for chat %d: %s", chatID, text)
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reminder bot and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var sender engine.Sender = logSender{}
			var tg *gateway.Telegram
			if cfg.Telegram.Token != "" {
				tg, err = gateway.NewTelegram(cfg.Telegram.Token, cfg.Telegram.PollTimeoutSeconds)
				if err != nil {
					return err
				}
				sender = tg
			} else {
				log.Println("careline: no telegram token configured, reminders go to the log")
			}

			a, err := app.Open(workspace, sender)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Recover(ctx); err != nil {
				return err
			}

			if tg != nil {
				ollama := intent.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Model,
					time.Duration(cfg.Ollama.TimeoutSeconds)*time.Second)
				if err := ollama.Ping(ctx); err != nil {
					log.Printf("careline: ollama unreachable at %s: %v", cfg.Ollama.URL, err)
				}
				b := bot.New(a.Engine, ollama, ollama)
				go func() {
					if err := tg.Poll(ctx, b); err != nil && !errors.Is(err, context.Canceled) {
						log.Printf("careline: telegram poll stopped: %v", err)
					}
				}()
			}

			server.StartAlertDispatcher(ctx, a.Engine, cfg.Alerts)

			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			jwtSecret := cfg.Server.JWTSecret
			if env := os.Getenv("CARELINE_JWT_SECRET"); env != "" {
				jwtSecret = env
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:       jwtSecret,
					DevLoginEnabled: cfg.Server.DevLoginEnabled,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Careline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func statusCmd() *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountTasksByState(ctx, chatID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Println("Tasks:")
				for _, state := range []string{
					domain.StateScheduled, domain.StateNotified, domain.StateEscalating,
					domain.StateAcknowledged, domain.StateMissed, domain.StateCancelled,
				} {
					if c, ok := counts[state]; ok {
						fmt.Printf("  %s: %d\n", state, c)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "restrict to one chat (0 = all)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage reminder tasks",
		Long:  "Tasks flow scheduled -> notified -> escalating and end acknowledged, missed or cancelled.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAckCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskSnoozeCmd())
	task.AddCommand(taskRescheduleCmd())
	task.AddCommand(taskRenameCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var due, in string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := a.Engine.Now()
				switch {
				case due != "":
					parsed, err := time.Parse(time.RFC3339, due)
					if err != nil {
						// fall back to conversational forms like "9pm" or "18:30"
						parsed, err = intent.ParseTime(now, due)
						if err != nil {
							return fmt.Errorf("--due: %w", err)
						}
					}
					opts.DueAt = parsed
				case in != "":
					d, err := time.ParseDuration(in)
					if err != nil {
						return fmt.Errorf("--in: %w", err)
					}
					opts.DueAt = now.Add(d)
				default:
					return fmt.Errorf("--due or --in is required")
				}
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, random UUID if omitted)")
	cmd.Flags().Int64Var(&opts.ChatID, "chat-id", 0, "chat that receives the reminders")
	cmd.Flags().StringVar(&opts.Description, "description", "", "what to remind about")
	cmd.Flags().StringVar(&opts.Category, "category", domain.CategoryOther, "medication, exercise, appointment or other")
	cmd.Flags().StringVar(&opts.UrgencyTier, "tier", domain.TierGeneral, "relaxed, general or urgent")
	cmd.Flags().StringVar(&due, "due", "", "first reminder time (RFC 3339 or e.g. '9pm')")
	cmd.Flags().StringVar(&in, "in", "", "first reminder delay (e.g. 30m, 2h)")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("chat-id")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "State", "Due", "Tier", "Follow-ups"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Description, t.State, t.DueAt, t.UrgencyTier, t.EscalationCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.ChatID, "chat-id", 0, "chat filter (0 = all)")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge a task as done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Acknowledge(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskSnoozeCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "snooze <id>",
		Short: "Push the next reminder out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Snooze(ctx, args[0], time.Duration(minutes)*time.Minute, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 10, "snooze duration in minutes")
	return cmd
}

func taskRescheduleCmd() *cobra.Command {
	var due string
	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Move a task to a new due time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if due == "" {
				return fmt.Errorf("--due required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				parsed, err := time.Parse(time.RFC3339, due)
				if err != nil {
					parsed, err = intent.ParseTime(a.Engine.Now(), due)
					if err != nil {
						return fmt.Errorf("--due: %w", err)
					}
				}
				t, err := a.Engine.Reschedule(ctx, args[0], parsed, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "new due time (RFC 3339 or e.g. '9pm')")
	return cmd
}

func taskRenameCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "rename <id>",
		Short: "Change a task description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if description == "" {
				return fmt.Errorf("--description required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Rename(ctx, args[0], description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "new description")
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, evtType, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	root := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	root.AddCommand(apikeyCreateCmd())
	root.AddCommand(apikeyListCmd())
	root.AddCommand(apikeyDeleteCmd())
	return root
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plaintext, key, err := server.MintAPIKey(ctx, a.Engine.Repo, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{
						"id":       key.ID,
						"actor_id": key.ActorID,
						"name":     key.Name,
						"key":      plaintext,
					})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Plaintext (store it now, it is not shown again): %s\n", plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	root.AddCommand(configShowCmd())
	root.AddCommand(configInitCmd())
	return root
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default careline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), logSender{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
