package lock

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/model"
	"github.com/n3tuk/action-branch-deploy-lock/internal/refstore"
)

// Release deletes the lock described by req. Anyone may release a lock.
//
// Releasing a lock that is not held succeeds. A delete the store rejects
// is reported as a failed release, not an error; errors are returned only
// when the store could not be reached.
func (m *Manager) Release(ctx context.Context, req *model.ReleaseRequest) (*model.ReleaseResult, error) {
	res, err := m.release(ctx, req)
	if err != nil {
		m.metrics.RecordLockOperation("release", "error")
		return nil, err
	}
	m.metrics.RecordLockOperation("release", string(res.Outcome))
	return res, nil
}

func (m *Manager) release(ctx context.Context, req *model.ReleaseRequest) (*model.ReleaseResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: no request", ErrInvalidRequest)
	}

	key, _, err := m.resolveKey(req.Global, req.Environment, req.Task, req.Command)
	if err != nil {
		return nil, err
	}
	branch, err := key.Branch()
	if err != nil {
		return nil, err
	}

	log := m.logger.With(
		zap.String("actor", req.Actor),
		zap.String("scope", key.Scope()),
		zap.String("task", key.Task),
		zap.String("branch", branch),
	)

	res := &model.ReleaseResult{LockBranch: branch}
	var msg, silent string

	err = m.store.DeleteRef(ctx, branch)
	switch {
	case err == nil:
		log.Info("Deployment lock released")
		res.OK, res.Outcome = true, model.ReleaseRemoved
		msg, silent = msgRemoved, SilentRemoved
	case errors.Is(err, refstore.ErrNotFound):
		log.Debug("No deployment lock to release")
		res.OK, res.Outcome = true, model.ReleaseNotSet
		msg, silent = msgNotSet, SilentNotSet
	case refstore.IsStatus(err):
		log.Error("Failed to release deployment lock", zap.Error(err))
		res.OK, res.Outcome = false, model.ReleaseFailed
		msg, silent = msgFailed, SilentFailed
	default:
		return nil, fmt.Errorf("delete lock branch %s: %w", branch, err)
	}

	if req.Silent {
		res.Message = silent
		return res, nil
	}

	data := messageData{Actor: req.Actor, Scope: key.Scope(), Task: key.Task, Global: key.Global, LockBranch: branch}
	if res.Message, err = render(msg, data); err != nil {
		return nil, err
	}
	if err := m.comment(ctx, req.LeaveComment, req.PRNumber, res.Message); err != nil {
		return nil, err
	}
	return res, nil
}

// UnlockOnMerge releases the environment locks taken for a pull request
// that has merged. Environments are handled one at a time and a failure
// on one is logged and skipped. Locks taken on another branch, or for
// another pull request, are left alone.
func (m *Manager) UnlockOnMerge(ctx context.Context, req *model.MergeRequest) *model.MergeResult {
	result := &model.MergeResult{Unlocked: []string{}}

	envs := req.Environments
	if len(envs) == 0 {
		envs = m.cfg.Environments
	}

	for _, env := range envs {
		log := m.logger.With(zap.String("environment", env), zap.Int("pr", req.PRNumber))

		res, err := m.Acquire(ctx, &model.LockRequest{
			Ref:            req.HeadRef,
			Environment:    env,
			DetailsOnly:    true,
			PostDeployStep: true,
		})
		if err != nil {
			log.Warn("Failed to check lock after merge", zap.Error(err))
			continue
		}
		if res.Status != model.StatusDetailsOnly || res.LockData == nil {
			log.Debug("No lock to release after merge")
			continue
		}

		held := res.LockData
		if held.Branch != req.HeadRef {
			log.Info("Skipping lock held for another branch", zap.String("held_ref", held.Branch))
			continue
		}
		if held.PRNumber != nil && req.PRNumber != 0 && *held.PRNumber != req.PRNumber {
			log.Info("Skipping lock held for another pull request", zap.Int("held_pr", *held.PRNumber))
			continue
		}

		rel, err := m.Release(ctx, &model.ReleaseRequest{Actor: held.CreatedBy, Environment: env, Silent: true})
		if err != nil {
			log.Warn("Failed to release lock after merge", zap.Error(err))
			continue
		}
		if rel.Outcome != model.ReleaseRemoved {
			log.Warn("Lock not released after merge", zap.String("result", rel.Message))
			continue
		}

		log.Info("Released lock after merge")
		m.metrics.RecordMergeUnlock()
		result.Unlocked = append(result.Unlocked, env)
	}

	return result
}

// ReleaseAfterDeploy removes the lock a finished deployment ran under,
// unless it is sticky or belongs to someone else.
func (m *Manager) ReleaseAfterDeploy(ctx context.Context, req *model.PostDeployRequest) (*model.PostDeployResult, error) {
	res, err := m.Acquire(ctx, &model.LockRequest{
		Actor:          req.Actor,
		Ref:            req.Ref,
		PRNumber:       req.PRNumber,
		Environment:    req.Environment,
		Task:           req.Task,
		DetailsOnly:    true,
		PostDeployStep: true,
	})
	if err != nil {
		return nil, err
	}

	out := &model.PostDeployResult{}
	switch {
	case res.Status != model.StatusDetailsOnly || res.LockData == nil:
		out.Reason = "no lock held"
	case res.LockData.Sticky:
		out.Sticky = true
		out.Reason = "sticky lock kept"
	case Resolve(res.LockData, &model.LockRequest{Actor: req.Actor, Ref: req.Ref, PRNumber: req.PRNumber}) != Owner:
		out.Reason = "lock held by another deployment"
	}
	if out.Reason != "" {
		m.metrics.RecordLockOperation("post_deploy", "kept")
		return out, nil
	}

	rel, err := m.Release(ctx, &model.ReleaseRequest{
		Actor:       req.Actor,
		Environment: req.Environment,
		Task:        req.Task,
		Silent:      true,
	})
	if err != nil {
		return nil, err
	}

	out.Released = rel.Outcome == model.ReleaseRemoved
	out.Reason = rel.Message
	m.metrics.RecordLockOperation("post_deploy", string(rel.Outcome))
	return out, nil
}
