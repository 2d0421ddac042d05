package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/internal/util"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/model/anthropic"
	"github.com/hupe1980/taskmesh/model/openai"
	"github.com/hupe1980/taskmesh/planner"
	"github.com/hupe1980/taskmesh/relay"
	"github.com/hupe1980/taskmesh/workflow"
)

// workflowFile is the YAML document accepted by --workflow.
type workflowFile struct {
	Steps []workflow.Step `yaml:"steps"`
	Edges []workflow.Edge `yaml:"edges"`
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		workflowPath string
		goal         string
		sessionID    string
		provider     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow file or plan and run a free-form goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (workflowPath == "") == (goal == "") {
				return fmt.Errorf("exactly one of --workflow or --goal is required")
			}

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := buildLogger(cfg)

			mesh, cleanup, err := buildMesh(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			var plan workflow.Plan
			if workflowPath != "" {
				raw, err := os.ReadFile(workflowPath)
				if err != nil {
					return fmt.Errorf("read workflow %s: %w", workflowPath, err)
				}
				var wf workflowFile
				if err := yaml.Unmarshal(raw, &wf); err != nil {
					return fmt.Errorf("parse workflow %s: %w", workflowPath, err)
				}
				plan, err = workflow.Compile(wf.Steps, wf.Edges)
				if err != nil {
					return err
				}
			} else {
				m, err := buildModel(provider)
				if err != nil {
					return err
				}
				p := planner.NewModelPlanner(m, func(o *planner.Options) { o.Logger = logger })
				plan, err = p.Plan(cmd.Context(), goal, mesh.Registry().List())
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "Plan:")
				fmt.Fprintln(os.Stderr, plan.Render())
			}

			if sessionID == "" {
				sessionID = util.NewID()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sub := mesh.Subscribe(sessionID)
			defer mesh.Unsubscribe(sub)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				printEvents(sub)
			}()

			runID, results := mesh.Engine().Run(ctx, sessionID, plan)
			logger.Debug("run started run_id=%s session_id=%s", runID, sessionID)
			res := <-results

			mesh.Unsubscribe(sub)
			wg.Wait()

			return printResult(&res)
		},
	}

	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "path to a workflow YAML file")
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "free-form goal to plan and execute")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (defaults to a new one)")
	cmd.Flags().StringVar(&provider, "provider", "openai", "model provider for --goal: openai or anthropic")

	return cmd
}

func buildModel(provider string) (model.Model, error) {
	switch provider {
	case "openai":
		return openai.NewModel(), nil
	case "anthropic":
		return anthropic.NewModel(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q, expected openai or anthropic", provider)
	}
}

var (
	taskColor    = color.New(color.FgCyan)
	messageColor = color.New(color.FgWhite)
	fileColor    = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed, color.Bold)
)

// printEvents renders lifecycle envelopes until the subscriber closes.
func printEvents(sub *relay.Subscriber) {
	for env := range sub.Events() {
		switch env.Type {
		case relay.EventTaskCreated:
			taskColor.Printf("[%s] task %s accepted\n", env.Task.Peer, env.Task.TaskID)
		case relay.EventTaskUpdated:
			taskColor.Printf("[%s] task %s -> %s\n", env.Task.Peer, env.Task.TaskID, env.Task.State)
		case relay.EventMessage:
			for _, part := range env.Message.Parts {
				messageColor.Printf("[%s] %s\n", env.Message.Role, part)
			}
		case relay.EventFileUploaded:
			fileColor.Printf("file %s (%d bytes, %s)\n", env.File.Name, env.File.Size, env.File.MediaType)
		case relay.EventPlanFailed:
			failColor.Printf("plan failed at group %s: %s\n", env.Plan.Group, env.Plan.Cause)
		case relay.EventKeepalive:
			// Nothing to show.
		}
	}
}

func printResult(res *dispatch.PlanResult) error {
	for _, g := range res.Groups {
		for _, u := range g.Units {
			status := color.GreenString("ok")
			if !u.Succeeded() {
				status = color.RedString("failed")
			}
			fmt.Printf("%s. %s %s (%s)\n", u.Label, u.Peer, status, fmtDuration(u.Duration))
		}
	}
	if res.Err != nil {
		return res.Err
	}
	if out := res.Output(); out != "" {
		fmt.Println()
		fmt.Println(out)
	}
	return nil
}
