package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/crashkill/hub-automation-sub001/automation"
	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/internal/util"
	"github.com/crashkill/hub-automation-sub001/plugin"
	"github.com/crashkill/hub-automation-sub001/pulse/execution"
)

// AutomationCmd groups automation commands
var AutomationCmd = &cobra.Command{
	Use:     "automation",
	Aliases: []string{"auto", "a"},
	Short:   "List, inspect, run and delete automations",
	Long: `Manage automations stored in the hub database.

Examples:
  hub automation ls                      # List automations
  hub automation ls --status error       # Only automations whose last run failed
  hub automation show nightly-backup     # Definition, status and metrics
  hub automation run nightly-backup      # Run and wait for the result
  hub automation apply backup.toml       # Create or update from a definition file
  hub automation delete nightly-backup   # Delete an automation`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var automationLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List automations",
	RunE:    runAutomationLs,
}

var automationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an automation with its status and metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runAutomationShow,
}

var automationRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run an automation and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runAutomationRun,
}

var automationApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Create or update an automation from a TOML or YAML definition file",
	Args:  cobra.ExactArgs(1),
	RunE:  runAutomationApply,
}

var automationEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable an automation so its schedule fires",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

var automationDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable an automation; starts are rejected until it is enabled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

var automationDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an automation and its execution history",
	Args:    cobra.ExactArgs(1),
	RunE:    runAutomationDelete,
}

var (
	automationStatus  string
	automationType    string
	automationJSON    bool
	automationTimeout time.Duration
	automationUser    string
)

func init() {
	automationLsCmd.Flags().StringVar(&automationStatus, "status", "", "Only automations in this status")
	automationLsCmd.Flags().StringVar(&automationType, "type", "", "Only automations of this type")
	automationLsCmd.Flags().BoolVar(&automationJSON, "json", false, "Output as JSON")
	automationShowCmd.Flags().BoolVar(&automationJSON, "json", false, "Output as JSON")
	automationRunCmd.Flags().DurationVar(&automationTimeout, "wait", 0, "Give up waiting after this long (0 waits for the run's own deadline)")
	automationRunCmd.Flags().StringVar(&automationUser, "user", "", "User recorded on the execution")

	AutomationCmd.AddCommand(automationLsCmd)
	AutomationCmd.AddCommand(automationShowCmd)
	AutomationCmd.AddCommand(automationRunCmd)
	AutomationCmd.AddCommand(automationApplyCmd)
	AutomationCmd.AddCommand(automationEnableCmd)
	AutomationCmd.AddCommand(automationDisableCmd)
	AutomationCmd.AddCommand(automationDeleteCmd)
}

// withAutomations runs fn against the hub that owns the configured database
func withAutomations(fn func(ctx context.Context, ctl automation.Controller) error) error {
	return withController("", fn)
}

func runAutomationLs(cmd *cobra.Command, args []string) error {
	return withAutomations(func(ctx context.Context, ctl automation.Controller) error {
		list, err := ctl.List(ctx, automation.Filter{
			Status: plugin.Status(automationStatus),
			Type:   automationType,
		})
		if err != nil {
			return err
		}
		if automationJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			pterm.Info.Println("No automations found")
			return nil
		}

		data := pterm.TableData{{"ID", "NAME", "TYPE", "STATUS", "SCHEDULE", "NEXT RUN"}}
		for _, a := range list {
			next := "-"
			if a.NextFire != nil {
				next = a.NextFire.Local().Format(time.DateTime)
			}
			name := a.Name
			if !a.Enabled {
				name += " (disabled)"
			}
			data = append(data, []string{a.ID, name, a.Type, string(a.Status), a.Schedule.String(), next})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}

func runAutomationShow(cmd *cobra.Command, args []string) error {
	return withAutomations(func(ctx context.Context, ctl automation.Controller) error {
		a, err := ctl.GetByID(ctx, args[0])
		if err != nil {
			return err
		}
		snap, err := ctl.Metrics(ctx, a.ID)
		if err != nil {
			return err
		}
		if automationJSON {
			return printJSON(map[string]any{"automation": a, "metrics": snap})
		}

		pterm.DefaultSection.Println(a.Name)
		rows := pterm.TableData{
			{"ID", a.ID},
			{"Type", a.Type},
			{"Status", string(a.Status)},
			{"Enabled", fmt.Sprint(a.Enabled)},
			{"Schedule", a.Schedule.String()},
			{"Priority", a.Priority.String()},
		}
		if a.Description != "" {
			rows = append(rows, []string{"Description", a.Description})
		}
		if len(a.Tags) > 0 {
			rows = append(rows, []string{"Tags", strings.Join(a.Tags, ", ")})
		}
		if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
			return err
		}

		pterm.DefaultSection.Println("Parameters")
		if err := printJSON(a.Parameters); err != nil {
			return err
		}

		pterm.DefaultSection.Println("Metrics")
		last := "-"
		if snap.LastExecution != nil {
			last = snap.LastExecution.Local().Format(time.DateTime)
		}
		return pterm.DefaultTable.WithData(pterm.TableData{
			{"Executions", fmt.Sprint(snap.TotalExecutions)},
			{"Succeeded", fmt.Sprint(snap.SuccessfulExecutions)},
			{"Failed", fmt.Sprint(snap.FailedExecutions)},
			{"Stopped", fmt.Sprint(snap.StoppedExecutions)},
			{"Success rate", fmt.Sprintf("%.1f%%", snap.SuccessRate)},
			{"Average duration", snap.AverageDuration.String()},
			{"Last run", last},
		}).Render()
	})
}

func runAutomationRun(cmd *cobra.Command, args []string) error {
	return withAutomations(func(ctx context.Context, ctl automation.Controller) error {
		exec, err := ctl.Start(ctx, args[0], automation.StartOptions{
			Trigger: execution.TriggerManual,
			UserID:  automationUser,
		})
		if err != nil {
			return err
		}

		spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Running %s (execution %s)", args[0], exec.ID))
		waitCtx := ctx
		if automationTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, automationTimeout)
			defer cancel()
		}
		final, err := ctl.Await(waitCtx, args[0])
		if err != nil {
			if spinner != nil {
				spinner.Fail("Gave up waiting")
			}
			return errors.Wrap(err, "failed waiting for execution")
		}

		summary := fmt.Sprintf("%s in %s", final.Status, final.Duration.Round(time.Millisecond))
		switch final.Status {
		case plugin.StatusCompleted:
			if spinner != nil {
				spinner.Success(summary)
			}
		default:
			if spinner != nil {
				spinner.Fail(summary)
			}
		}

		if final.Result != nil {
			for _, line := range final.Result.Logs {
				pterm.Println("  " + line)
			}
			if final.Result.Data != nil {
				if err := printJSON(final.Result.Data); err != nil {
					return err
				}
			}
			if final.Status != plugin.StatusCompleted {
				return errors.Newf("execution %s %s: %s", final.ID, final.Status, final.Result.Error)
			}
		}
		return nil
	})
}

func runAutomationApply(cmd *cobra.Command, args []string) error {
	return withAutomations(func(ctx context.Context, ctl automation.Controller) error {
		def, err := automation.LoadFile(args[0])
		if err != nil {
			return err
		}
		a, err := ctl.Upsert(ctx, def)
		if err != nil {
			if msgs := errors.ValidationMessages(err); len(msgs) > 0 {
				for _, m := range msgs {
					pterm.Error.Println(m)
				}
			}
			return err
		}
		pterm.Success.Printf("Applied %s (%s)\n", a.ID, a.Type)
		return nil
	})
}

func runAutomationDelete(cmd *cobra.Command, args []string) error {
	return withAutomations(func(ctx context.Context, ctl automation.Controller) error {
		if err := ctl.Delete(ctx, args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Deleted %s\n", args[0])
		return nil
	})
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	pterm.Println(string(data))
	return nil
}

func setEnabled(id string, enabled bool) error {
	return withAutomations(func(ctx context.Context, ctl automation.Controller) error {
		a, err := ctl.Update(ctx, id, automation.Update{Enabled: util.Ptr(enabled)})
		if err != nil {
			return err
		}
		if enabled {
			pterm.Success.Printf("Enabled %s (%s)\n", a.ID, a.Schedule)
		} else {
			pterm.Success.Printf("Disabled %s\n", a.ID)
		}
		return nil
	})
}
