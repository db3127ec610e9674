package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/analytics"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/api"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/config"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// withServices runs fn against freshly wired services and closes them after.
func (a *app) withServices(cmd *cobra.Command, fn func(*Services) error) error {
	svc, err := a.services(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	return fn(svc)
}

func (a *app) newTrainCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one gated training batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				res, err := svc.Scheduler.RunBatch(cmd.Context(), batchSize)
				if res != nil {
					if perr := a.print(res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&batchSize, "batch-size", "n", 3, "battles to run")
	return cmd
}

func (a *app) newBudgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show today's spend against the daily cap",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				st, err := svc.Monitor.GetBudgetStatus(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(st)
			})
		},
	}
}

func (a *app) newKillSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill-switch",
		Short: "Inspect or flip the training kill switch",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the kill switch state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				st, err := svc.KillSwitch.State(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(st)
			})
		},
	}

	var reason, actor string
	activate := &cobra.Command{
		Use:   "activate",
		Short: "Halt all training",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				if _, err := svc.KillSwitch.Activate(cmd.Context(), reason, actor); err != nil {
					return err
				}
				st, err := svc.KillSwitch.State(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(st)
			})
		},
	}
	activate.Flags().StringVar(&reason, "reason", "manual", "why training is halted")
	activate.Flags().StringVar(&actor, "actor", currentUser(), "who is acting")

	var deactivateActor string
	deactivate := &cobra.Command{
		Use:   "deactivate",
		Short: "Resume training (manual only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if deactivateActor == "" {
				return errors.New("--actor is required")
			}
			return a.withServices(cmd, func(svc *Services) error {
				if _, err := svc.KillSwitch.Deactivate(cmd.Context(), deactivateActor); err != nil {
					return err
				}
				st, err := svc.KillSwitch.State(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(st)
			})
		},
	}
	deactivate.Flags().StringVar(&deactivateActor, "actor", "", "who is acting (required)")

	cmd.AddCommand(status, activate, deactivate)
	return cmd
}

func (a *app) newPersonasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "Manage counterpart personas",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List personas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				ps, err := svc.Store.ListPersonas(cmd.Context(), !all)
				if err != nil {
					return err
				}
				return a.print(ps)
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive personas")

	var name, description string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a seller persona",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(name) == "" {
				return errors.New("--name is required")
			}
			return a.withServices(cmd, func(svc *Services) error {
				now := time.Now().UTC()
				p := &contracts.Persona{
					ID:             uuid.NewString(),
					Name:           name,
					PersonaType:    contracts.PersonaTypeSeller,
					Description:    description,
					IsActive:       true,
					BehaviorParams: map[string]any{},
					CreatedAt:      now,
					UpdatedAt:      now,
				}
				if err := svc.Store.CreatePersona(cmd.Context(), p); err != nil {
					return err
				}
				return a.print(p)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "persona name")
	add.Flags().StringVar(&description, "description", "", "behavior description passed to synthesis")

	cmd.AddCommand(list, add)
	return cmd
}

func (a *app) newScenarioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Inject and brute-force objections",
	}

	var objection, base string
	inject := &cobra.Command{
		Use:   "inject",
		Short: "Inject an objection and run attempts until solved or exhausted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				sc, err := svc.Injector.InjectAndBruteForce(cmd.Context(), objection, base)
				return a.printScenario(sc, err)
			})
		},
	}
	inject.Flags().StringVar(&objection, "objection", "", "raw objection text")
	inject.Flags().StringVar(&base, "base-persona", "", "persona to derive the counterpart from")

	resume := &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue a halted scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				sc, err := svc.Injector.Resume(cmd.Context(), args[0])
				return a.printScenario(sc, err)
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				sc, err := svc.Store.GetScenario(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(sc)
			})
		},
	}

	cmd.AddCommand(inject, resume, show)
	return cmd
}

// printScenario prints whatever state the scenario reached before returning
// err, so a halted scenario id is never lost.
func (a *app) printScenario(sc *contracts.Scenario, err error) error {
	if sc != nil {
		if perr := a.print(sc); perr != nil {
			return perr
		}
	}
	return err
}

func (a *app) newAnalyticsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Per-persona success statistics, hardest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				stats, err := analytics.PersonaAnalytics(cmd.Context(), svc.Store)
				if err != nil {
					return err
				}
				return a.print(stats)
			})
		},
	}
}

func (a *app) newBreakthroughsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakthroughs",
		Short: "Detect and review breakthrough battles",
	}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Flag recent battles that clear the breakthrough bars",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				flagged, err := svc.Detector.Scan(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(flagged)
			})
		},
	}

	var statuses []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List battles under review",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withServices(cmd, func(svc *Services) error {
				sts := make([]contracts.BattleStatus, len(statuses))
				for i, s := range statuses {
					sts[i] = contracts.BattleStatus(s)
				}
				battles, err := svc.Detector.List(cmd.Context(), sts...)
				if err != nil {
					return err
				}
				return a.print(battles)
			})
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "review statuses to include")

	var decision, reviewer string
	review := &cobra.Command{
		Use:   "review <battle-id>",
		Short: "Record a review decision (reviewed, promoted, rejected)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewer == "" {
				return errors.New("--reviewer is required")
			}
			return a.withServices(cmd, func(svc *Services) error {
				b, err := svc.Detector.Review(cmd.Context(), args[0], contracts.BattleStatus(decision), reviewer)
				if err != nil {
					return err
				}
				return a.print(b)
			})
		},
	}
	review.Flags().StringVar(&decision, "decision", "", "reviewed | promoted | rejected")
	review.Flags().StringVar(&reviewer, "reviewer", "", "who reviewed (required)")

	cmd.AddCommand(scan, list, review)
	return cmd
}

func (a *app) newGatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Script gate adherence",
	}

	var mode, transcript, file string
	var current int
	check := &cobra.Command{
		Use:   "check",
		Short: "Score a transcript against the gate script",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readText(transcript, file)
			if err != nil {
				return err
			}
			return a.withServices(cmd, func(svc *Services) error {
				return a.print(svc.Checker.CheckAdherence(cmd.Context(), text, current, mode))
			})
		},
	}
	check.Flags().StringVar(&mode, "mode", "acquisition", "gate script mode")
	check.Flags().IntVar(&current, "current-gate", 1, "gate the call is at")
	check.Flags().StringVar(&transcript, "transcript", "", "transcript text")
	check.Flags().StringVar(&file, "file", "", "read the transcript from a file")

	cmd.AddCommand(check)
	return cmd
}

func (a *app) newAuditCmd() *cobra.Command {
	var transcript, file, battleID string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Grade a transcript's humanity against the gold standard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readText(transcript, file)
			if err != nil {
				return err
			}
			return a.withServices(cmd, func(svc *Services) error {
				report, err := svc.Auditor.Audit(cmd.Context(), text, battleID)
				if err != nil {
					return err
				}
				return a.print(report)
			})
		},
	}
	cmd.Flags().StringVar(&transcript, "transcript", "", "transcript text")
	cmd.Flags().StringVar(&file, "file", "", "read the transcript from a file")
	cmd.Flags().StringVar(&battleID, "battle", "", "store the grade on this battle")
	return cmd
}

func (a *app) newTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token for privileged API calls",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AdminJWTSecret == "" {
				return &config.MissingConfigError{Keys: []string{"ADMIN_JWT_SECRET"}}
			}
			tok, err := api.IssueAdminToken(cfg.AdminJWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", currentUser(), "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func readText(text, file string) (string, error) {
	if file == "" {
		return text, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func currentUser() string {
	for _, k := range []string{"GOVERNOR_ACTOR", "USER"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "operator"
}
