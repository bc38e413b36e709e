package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/breadcrumb"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/daemon"
	"github.com/cuemby/foreman/pkg/ipc"
	"github.com/cuemby/foreman/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - Local runbook orchestration daemon",
	Long: `Foreman executes declarative runbooks describing long-lived agent
work, shell pipelines, message queues, workers, and cron timers, backed by
an event-sourced state engine with a write-ahead log.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("namespace", "", "Project namespace (defaults to the current directory name)")
	rootCmd.PersistentFlags().String("runbook", "runbook.toml", "Runbook file path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(orphansCmd)
	rootCmd.AddCommand(pruneCmd)
}

// client builds an IPC client for the configured state dir, or a TCP client
// when FOREMAN_ADDR is set.
func client() (*ipc.Client, error) {
	if addr := os.Getenv("FOREMAN_ADDR"); addr != "" {
		return ipc.NewTCPClient(addr, os.Getenv(config.EnvAuthToken)), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(cfg.SocketPath()), nil
}

// invocation gathers the namespace, cwd, and runbook path for
// project-scoped requests.
func invocation(cmd *cobra.Command) (namespace, cwd, runbookPath string, err error) {
	cwd, err = os.Getwd()
	if err != nil {
		return "", "", "", err
	}
	namespace, _ = cmd.Flags().GetString("namespace")
	if namespace == "" {
		namespace = filepath.Base(cwd)
	}
	runbookPath, _ = cmd.Flags().GetString("runbook")
	if !filepath.IsAbs(runbookPath) {
		runbookPath = filepath.Join(cwd, runbookPath)
	}
	return namespace, cwd, runbookPath, nil
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Foreman daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}
		return d.Run(context.Background())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var info ipc.StatusInfo
		if err := c.DoResult(&ipc.Request{Type: ipc.ReqQuery, Query: ipc.QueryStatus}, &info); err != nil {
			return err
		}
		fmt.Printf("Daemon pid %d, up %s, seq %d\n", info.PID, (time.Duration(info.UptimeSecs) * time.Second), info.ProcessedSeq)
		fmt.Printf("  jobs: %d (%d active)\n", info.Jobs, info.ActiveJobs)
		fmt.Printf("  agents: %d (%d live)\n", info.Agents, info.LiveAgents)
		fmt.Printf("  workers: %d  crons: %d  open decisions: %d\n", info.Workers, info.Crons, info.Decisions)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <command> [args...]",
	Short: "Invoke a runbook command",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, cwd, rb, err := invocation(cmd)
		if err != nil {
			return err
		}
		c, err := client()
		if err != nil {
			return err
		}
		resp, err := c.Do(&ipc.Request{
			Type:        ipc.ReqCommandRun,
			Namespace:   ns,
			Cwd:         cwd,
			RunbookPath: rb,
			Command:     args[0],
			Args:        args[1:],
		})
		if err != nil {
			return err
		}
		if resp.Message != "" {
			fmt.Println(resp.Message)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage persisted queues",
}

var queuePushCmd = &cobra.Command{
	Use:   "push <queue> <payload>",
	Short: "Push an item onto a persisted queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, cwd, rb, err := invocation(cmd)
		if err != nil {
			return err
		}
		c, err := client()
		if err != nil {
			return err
		}
		resp, err := c.Do(&ipc.Request{
			Type:        ipc.ReqQueuePush,
			Namespace:   ns,
			Cwd:         cwd,
			RunbookPath: rb,
			Queue:       args[0],
			Payload:     args[1],
		})
		if err != nil {
			return err
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var queueLsCmd = &cobra.Command{
	Use:   "ls <queue>",
	Short: "List a queue's items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, _, _, err := invocation(cmd)
		if err != nil {
			return err
		}
		c, err := client()
		if err != nil {
			return err
		}
		var items []*types.QueueItem
		if err := c.DoResult(&ipc.Request{
			Type: ipc.ReqQuery, Query: ipc.QueryQueue, Namespace: ns, Queue: args[0],
		}, &items); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tPAYLOAD")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", it.ID, it.Status, it.Attempts, truncate(it.Payload, 48))
		}
		return w.Flush()
	},
}

func init() {
	queueCmd.AddCommand(queuePushCmd)
	queueCmd.AddCommand(queueLsCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage workers",
}

var workerStartCmd = &cobra.Command{
	Use:   "start <worker>",
	Short: "Start a worker (idempotent)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, cwd, rb, err := invocation(cmd)
		if err != nil {
			return err
		}
		c, err := client()
		if err != nil {
			return err
		}
		resp, err := c.Do(&ipc.Request{
			Type:        ipc.ReqWorkerStart,
			Namespace:   ns,
			Cwd:         cwd,
			RunbookPath: rb,
			Worker:      args[0],
		})
		if err != nil {
			return err
		}
		if resp.Message != "" {
			fmt.Println(resp.Message)
		}
		return nil
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop <worker>",
	Short: "Stop a worker; active pipelines finish naturally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, _, _, err := invocation(cmd)
		if err != nil {
			return err
		}
		c, err := client()
		if err != nil {
			return err
		}
		_, err = c.Do(&ipc.Request{Type: ipc.ReqWorkerStop, Namespace: ns, Worker: args[0]})
		return err
	},
}

func init() {
	workerCmd.AddCommand(workerStartCmd)
	workerCmd.AddCommand(workerStopCmd)
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage crons",
}

var cronStartCmd = &cobra.Command{
	Use:   "start <cron>",
	Short: "Start a cron",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, cwd, rb, err := invocation(cmd)
		if err != nil {
			return err
		}
		c, err := client()
		if err != nil {
			return err
		}
		_, err = c.Do(&ipc.Request{
			Type:        ipc.ReqCronStart,
			Namespace:   ns,
			Cwd:         cwd,
			RunbookPath: rb,
			Cron:        args[0],
		})
		return err
	},
}

var cronStopCmd = &cobra.Command{
	Use:   "stop <cron>",
	Short: "Stop a cron; active child work continues",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, _, _, err := invocation(cmd)
		if err != nil {
			return err
		}
		c, err := client()
		if err != nil {
			return err
		}
		_, err = c.Do(&ipc.Request{Type: ipc.ReqCronStop, Namespace: ns, Cron: args[0]})
		return err
	},
}

func init() {
	cronCmd.AddCommand(cronStartCmd)
	cronCmd.AddCommand(cronStopCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var jobs []*types.Job
		if err := c.DoResult(&ipc.Request{Type: ipc.ReqQuery, Query: ipc.QueryJobs}, &jobs); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPIPELINE\tSTATUS\tSTEP\tERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Pipeline, j.Status, j.CurrentStep, truncate(j.Error, 40))
		}
		return w.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		_, err = c.Do(&ipc.Request{Type: ipc.ReqJobCancel, JobID: types.JobID(args[0])})
		return err
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a waiting job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		_, err = c.Do(&ipc.Request{Type: ipc.ReqJobResume, JobID: types.JobID(args[0])})
		return err
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var agents []*types.Agent
		if err := c.DoResult(&ipc.Request{Type: ipc.ReqQuery, Query: ipc.QueryAgents}, &agents); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tOWNER\tERROR")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.State, a.Owner, truncate(a.LastError, 40))
		}
		return w.Flush()
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Interact with a running agent",
}

var agentOutputCmd = &cobra.Command{
	Use:   "output <agent-id>",
	Short: "Show an agent's recent output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, _ := cmd.Flags().GetInt("lines")
		c, err := client()
		if err != nil {
			return err
		}
		var out string
		if err := c.DoResult(&ipc.Request{
			Type: ipc.ReqAgentOutput, AgentID: types.AgentID(args[0]), Lines: lines,
		}, &out); err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var agentSignalCmd = &cobra.Command{
	Use:   "signal <agent-id> <input>",
	Short: "Send input to a running agent",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		_, err = c.Do(&ipc.Request{
			Type:    ipc.ReqAgentSignal,
			AgentID: types.AgentID(args[0]),
			Input:   strings.Join(args[1:], " "),
		})
		return err
	},
}

func init() {
	agentOutputCmd.Flags().Int("lines", 100, "Number of trailing lines")
	agentCmd.AddCommand(agentOutputCmd)
	agentCmd.AddCommand(agentSignalCmd)
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List decisions awaiting a human",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var decisions []*types.Decision
		if err := c.DoResult(&ipc.Request{Type: ipc.ReqQuery, Query: ipc.QueryDecisions}, &decisions); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tTITLE")
		for _, d := range decisions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Kind, d.Status, d.Title)
		}
		return w.Flush()
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <decision-id> <resolution> [note...]",
	Short: "Resolve a decision (done, fail, cancel, or freeform guidance)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		_, err = c.Do(&ipc.Request{
			Type:       ipc.ReqResolveDecision,
			DecisionID: types.DecisionID(args[0]),
			Resolution: args[1],
			Note:       strings.Join(args[2:], " "),
		})
		return err
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Inspect crash-orphaned work markers",
}

var orphansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orphaned breadcrumbs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var orphans []breadcrumb.Orphan
		if err := c.DoResult(&ipc.Request{Type: ipc.ReqQuery, Query: ipc.QueryOrphans}, &orphans); err != nil {
			return err
		}
		if len(orphans) == 0 {
			fmt.Println("No orphans")
			return nil
		}
		for _, o := range orphans {
			data, _ := json.Marshal(o.Crumb)
			fmt.Printf("%s\t%s\n", o.Owner, data)
		}
		return nil
	},
}

var orphansDismissCmd = &cobra.Command{
	Use:   "dismiss <owner-id>",
	Short: "Dismiss an orphan and remove its breadcrumb",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		_, err = c.Do(&ipc.Request{Type: ipc.ReqOrphanDismiss, Owner: types.OwnerID(args[0])})
		return err
	},
}

func init() {
	orphansCmd.AddCommand(orphansListCmd)
	orphansCmd.AddCommand(orphansDismissCmd)
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove workspace directories with no owning record",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var removed []string
		if err := c.DoResult(&ipc.Request{Type: ipc.ReqWorkspacePrune}, &removed); err != nil {
			return err
		}
		fmt.Printf("Removed %d workspace(s)\n", len(removed))
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "..."
}
