package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/config"
	"github.com/n3tuk/action-branch-deploy-lock/internal/lock"
	"github.com/n3tuk/action-branch-deploy-lock/internal/logger"
	"github.com/n3tuk/action-branch-deploy-lock/internal/model"
)

// requestFlags are the per-call flags shared by the one-shot commands.
// Defaults come from the GitHub Actions environment where one exists.
type requestFlags struct {
	actor        string
	ref          string
	sha          string
	pr           int
	environment  string
	global       bool
	task         string
	sticky       bool
	reason       string
	command      string
	commentURL   string
	leaveComment bool
	silent       bool
	postDeploy   bool
	environments []string
}

var reqFlags requestFlags

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Claim a deployment lock and print the result as JSON",
	RunE: withManager(func(ctx context.Context, m *lock.Manager, out io.Writer) error {
		res, err := m.Acquire(ctx, reqFlags.lockRequest(false))
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}),
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the deployment lock for a scope as JSON without changing it",
	RunE: withManager(func(ctx context.Context, m *lock.Manager, out io.Writer) error {
		res, err := m.Acquire(ctx, reqFlags.lockRequest(true))
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}),
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Release a deployment lock and print the result as JSON",
	RunE: withManager(func(ctx context.Context, m *lock.Manager, out io.Writer) error {
		res, err := m.Release(ctx, &model.ReleaseRequest{
			Actor:        reqFlags.actor,
			Global:       reqFlags.global,
			Environment:  reqFlags.environment,
			Task:         reqFlags.task,
			Command:      reqFlags.command,
			PRNumber:     reqFlags.prNumber(),
			LeaveComment: reqFlags.leaveComment,
			Silent:       reqFlags.silent,
		})
		if err != nil {
			return err
		}
		if err := printJSON(out, res); err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("lock branch %s could not be deleted", res.LockBranch)
		}
		return nil
	}),
}

var unlockOnMergeCmd = &cobra.Command{
	Use:   "unlock-on-merge",
	Short: "Release the locks held by a merged pull request",
	RunE: withManager(func(ctx context.Context, m *lock.Manager, out io.Writer) error {
		if reqFlags.pr <= 0 || reqFlags.ref == "" {
			return fmt.Errorf("--pr and --ref are required")
		}
		return printJSON(out, m.UnlockOnMerge(ctx, &model.MergeRequest{
			PRNumber:     reqFlags.pr,
			HeadRef:      reqFlags.ref,
			Environments: reqFlags.environments,
		}))
	}),
}

var postDeployCmd = &cobra.Command{
	Use:   "post-deploy",
	Short: "Release a non-sticky lock once its deployment has finished",
	RunE: withManager(func(ctx context.Context, m *lock.Manager, out io.Writer) error {
		res, err := m.ReleaseAfterDeploy(ctx, &model.PostDeployRequest{
			Actor:       reqFlags.actor,
			Ref:         reqFlags.ref,
			PRNumber:    reqFlags.prNumber(),
			Environment: reqFlags.environment,
			Task:        reqFlags.task,
		})
		if err != nil {
			return err
		}
		return printJSON(out, res)
	}),
}

func init() {
	for _, c := range []*cobra.Command{lockCmd, showCmd, unlockCmd, unlockOnMergeCmd, postDeployCmd} {
		f := c.Flags()
		f.StringVar(&reqFlags.actor, "actor", os.Getenv("GITHUB_ACTOR"), "User asking for the lock")
		f.StringVar(&reqFlags.ref, "ref", defaultRef(), "Branch being deployed")
		f.IntVar(&reqFlags.pr, "pr", envInt("PR_NUMBER"), "Pull request number, 0 for none")
		f.StringVar(&reqFlags.environment, "environment", "", "Environment to lock")
		f.StringVar(&reqFlags.task, "task", "", "Task within the environment")
		f.StringVar(&reqFlags.command, "command", "", "Comment text to read the scope, task and reason from")
		f.BoolVar(&reqFlags.global, "global", false, "Select the global lock")
		f.BoolVar(&reqFlags.leaveComment, "leave-comment", false, "Comment the result on the pull request")
	}

	for _, c := range []*cobra.Command{lockCmd, showCmd} {
		f := c.Flags()
		f.StringVar(&reqFlags.sha, "sha", os.Getenv("GITHUB_SHA"), "Commit the lock branch points at, defaults to the head of --ref")
		f.BoolVar(&reqFlags.sticky, "sticky", false, "Keep the lock after the deployment finishes")
		f.StringVar(&reqFlags.reason, "reason", "", "Why the lock is being claimed")
		f.StringVar(&reqFlags.commentURL, "comment-url", "", "Link to the comment that asked for the lock")
		f.BoolVar(&reqFlags.postDeploy, "post-deploy-step", false, "Ignore the global lock")
	}

	unlockCmd.Flags().BoolVar(&reqFlags.silent, "silent", false, "Print a fixed message and never comment")
	unlockOnMergeCmd.Flags().StringSliceVar(&reqFlags.environments, "merge-environments", nil, "Environments to check, defaults to --environments")
}

func (f *requestFlags) prNumber() *int {
	if f.pr <= 0 {
		return nil
	}
	pr := f.pr
	return &pr
}

func (f *requestFlags) lockRequest(detailsOnly bool) *model.LockRequest {
	return &model.LockRequest{
		Actor:          f.actor,
		Ref:            f.ref,
		SHA:            f.sha,
		PRNumber:       f.prNumber(),
		Global:         f.global,
		Environment:    f.environment,
		Task:           f.task,
		Sticky:         f.sticky,
		Reason:         f.reason,
		DetailsOnly:    detailsOnly,
		PostDeployStep: f.postDeploy,
		LeaveComment:   f.leaveComment,
		Command:        f.command,
		CommentURL:     f.commentURL,
	}
}

// defaultRef is the pull request head branch inside a pull request
// workflow and the triggering branch otherwise.
func defaultRef() string {
	if ref := os.Getenv("GITHUB_HEAD_REF"); ref != "" {
		return ref
	}
	return os.Getenv("GITHUB_REF_NAME")
}

func envInt(name string) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0
	}
	return n
}

// withManager loads the configuration, opens the backend and runs fn
// against a lock manager. Logs go to stderr so stdout carries only the
// JSON result.
func withManager(fn func(ctx context.Context, m *lock.Manager, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()
		be, err := openBackend(ctx, cfg, log, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := be.Close(context.WithoutCancel(ctx)); err != nil {
				log.Error("Failed to close lock backend", zap.Error(err))
			}
		}()

		if cfg.Lock.Backend == config.BackendMemory {
			log.Warn("The memory backend forgets every lock when this command exits")
		}

		return fn(ctx, newManager(cfg, be.store, log, nil), cmd.OutOrStdout())
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
