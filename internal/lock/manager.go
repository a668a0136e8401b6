// Package lock implements deployment locks on top of a refstore.RefStore.
//
// A lock is a branch named after its scope and task. Claiming a lock
// creates the branch and commits a lock file describing the claim;
// releasing it deletes the branch. The branch create is the only mutual
// exclusion: when two claims race, the store lets exactly one create
// succeed and the other re-reads the lock the winner now holds. No state
// is kept in the process between calls.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/command"
	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
	"github.com/n3tuk/action-branch-deploy-lock/internal/model"
	"github.com/n3tuk/action-branch-deploy-lock/internal/refstore"
)

// Config holds the repository conventions the manager works with.
type Config struct {
	// LockFile is the path of the lock file on each lock branch.
	LockFile string

	// DefaultEnvironment is used when a request names no scope.
	DefaultEnvironment string

	// Environments are checked for locks when a pull request merges.
	Environments []string

	// UnlockTrigger and GlobalFlag build the unlock command stored with
	// each lock.
	UnlockTrigger string
	GlobalFlag    string

	// ServerURL and Repository, when both set, are used to link to lock
	// branches in messages.
	ServerURL  string
	Repository string
}

// Manager claims, inspects and releases deployment locks.
type Manager struct {
	store   refstore.RefStore
	cfg     Config
	parser  *command.Parser
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager returns a Manager. parser is only used to fill request
// fields left empty from the request's command text and may be nil, as
// may m.
func NewManager(store refstore.RefStore, cfg Config, parser *command.Parser, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if cfg.LockFile == "" {
		cfg.LockFile = "lock.json"
	}
	if cfg.UnlockTrigger == "" {
		cfg.UnlockTrigger = ".unlock"
	}
	if cfg.GlobalFlag == "" {
		cfg.GlobalFlag = "--global"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		store:   store,
		cfg:     cfg,
		parser:  parser,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// resolveKey works out which lock a request is about. Explicit fields win
// over the command text, which wins over the default environment.
func (m *Manager) resolveKey(global bool, env, task, text string) (Key, *command.Command, error) {
	key := Key{Global: global, Environment: strings.TrimSpace(env), Task: strings.TrimSpace(task)}
	explicit := key.Global || key.Environment != ""

	var cmd *command.Command
	if text != "" && m.parser != nil {
		parsed, err := m.parser.Parse(text)
		switch {
		case err == nil:
			cmd = parsed
		case errors.Is(err, command.ErrNotCommand):
		case !explicit:
			return Key{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		default:
			m.logger.Debug("Ignoring unparsable command text", zap.String("command", text), zap.Error(err))
		}
	}

	if cmd != nil {
		if !explicit {
			key.Global = cmd.Global
			key.Environment = cmd.Environment
		}
		if key.Task == "" {
			key.Task = cmd.Task
		}
	}

	if !key.Global && key.Environment == "" {
		key.Environment = m.cfg.DefaultEnvironment
	}
	if !key.Global && key.Environment == "" {
		return Key{}, nil, fmt.Errorf("%w: no environment given and no default configured", ErrInvalidEnvironment)
	}

	return key, cmd, nil
}

func (m *Manager) unlockCommand(k Key) string {
	parts := []string{m.cfg.UnlockTrigger}
	if k.Global {
		parts = append(parts, m.cfg.GlobalFlag)
	} else {
		parts = append(parts, k.Environment)
	}
	if k.Task != "" {
		parts = append(parts, "--task", k.Task)
	}
	return strings.Join(parts, " ")
}

func (m *Manager) branchURL(branch string) string {
	if m.cfg.ServerURL == "" || m.cfg.Repository == "" {
		return ""
	}
	return strings.TrimSuffix(m.cfg.ServerURL, "/") + "/" + m.cfg.Repository + "/tree/" + branch
}

// errMissingLockFile is returned by probe when the lock branch exists but
// carries no lock file.
var errMissingLockFile = errors.New("lock file missing")

// probe returns the lock held on branch, nil if the branch does not
// exist, or errMissingLockFile.
func (m *Manager) probe(ctx context.Context, branch string) (*model.LockRecord, error) {
	if _, err := m.store.GetBranch(ctx, branch); err != nil {
		if errors.Is(err, refstore.ErrNotFound) {
			m.logger.Debug("Lock branch not found", zap.String("branch", branch))
			return nil, nil
		}
		return nil, fmt.Errorf("check lock branch %s: %w", branch, err)
	}

	blob, err := m.store.GetFileContents(ctx, branch, m.cfg.LockFile)
	if err != nil {
		if errors.Is(err, refstore.ErrNotFound) {
			return nil, errMissingLockFile
		}
		return nil, fmt.Errorf("read lock file on %s: %w", branch, err)
	}

	rec, err := Decode(blob)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Branch = branch
		}
		return nil, err
	}
	return rec, nil
}

// inspect is probe for read-only callers: an unreadable lock is reported
// as no lock.
func (m *Manager) inspect(ctx context.Context, branch string) (*model.LockRecord, error) {
	rec, err := m.probe(ctx, branch)
	var de *DecodeError
	switch {
	case errors.Is(err, errMissingLockFile):
		m.logger.Debug("Lock branch has no lock file", zap.String("branch", branch))
		return nil, nil
	case errors.As(err, &de):
		m.logger.Warn("Ignoring unreadable lock file", zap.String("branch", branch), zap.Error(err))
		return nil, nil
	}
	return rec, err
}

// load is probe for mutating callers: an unreadable lock is fatal.
func (m *Manager) load(ctx context.Context, branch string) (*model.LockRecord, error) {
	rec, err := m.probe(ctx, branch)
	if errors.Is(err, errMissingLockFile) {
		return nil, &DecodeError{Branch: branch, Reason: "is missing"}
	}
	return rec, err
}

func (m *Manager) comment(ctx context.Context, leave bool, pr *int, body string) error {
	if !leave || pr == nil || body == "" {
		return nil
	}
	if err := m.store.CreateIssueComment(ctx, *pr, body); err != nil {
		return fmt.Errorf("comment on #%d: %w", *pr, err)
	}
	return nil
}

// Acquire claims the lock described by req, or reports who holds it.
//
// A held global lock takes precedence over environment locks unless
// req.PostDeployStep is set. When DetailsOnly is set nothing is written.
// A claim that loses the race to create the lock branch reports the lock
// the winner holds; it is never an error.
func (m *Manager) Acquire(ctx context.Context, req *model.LockRequest) (*model.LockResult, error) {
	res, err := m.acquire(ctx, req)
	if err != nil {
		m.metrics.RecordLockOperation("acquire", "error")
		return nil, err
	}
	m.metrics.RecordLockOperation("acquire", res.Status.String())
	return res, nil
}

func (m *Manager) acquire(ctx context.Context, req *model.LockRequest) (*model.LockResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: no request", ErrInvalidRequest)
	}
	r := *req

	key, cmd, err := m.resolveKey(r.Global, r.Environment, r.Task, r.Command)
	if err != nil {
		return nil, err
	}
	if cmd != nil {
		if r.Reason == "" {
			r.Reason = cmd.Reason
		}
		r.DetailsOnly = r.DetailsOnly || cmd.Details
	}
	if !r.DetailsOnly && (r.Actor == "" || r.Ref == "") {
		return nil, fmt.Errorf("%w: actor and ref are required", ErrInvalidRequest)
	}

	branch, err := key.Branch()
	if err != nil {
		return nil, err
	}

	log := m.logger.With(
		zap.String("actor", r.Actor),
		zap.String("scope", key.Scope()),
		zap.String("task", key.Task),
		zap.String("branch", branch),
	)

	res := &model.LockResult{
		Environment: key.environment(),
		Global:      key.Global,
		GlobalFlag:  m.cfg.GlobalFlag,
		LockBranch:  branch,
	}

	if !key.Global && !r.PostDeployStep {
		done, err := m.checkGlobal(ctx, &r, res, log)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
	}

	var held *model.LockRecord
	if r.DetailsOnly {
		held, err = m.inspect(ctx, branch)
	} else {
		held, err = m.load(ctx, branch)
	}
	if err != nil {
		return nil, err
	}
	if held != nil {
		if err := m.respondHeld(ctx, &r, held, res, log); err != nil {
			return nil, err
		}
		return res, nil
	}

	data := messageData{Actor: r.Actor, Scope: key.Scope(), Task: key.Task, Global: key.Global, LockBranch: branch}

	if r.DetailsOnly {
		log.Debug("No lock held")
		res.Status = model.StatusNone
		res.Message, err = render(msgNoLock, data)
		return res, err
	}

	sha := r.SHA
	if sha == "" {
		sha, err = m.store.GetBranch(ctx, r.Ref)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", r.Ref, err)
		}
	}

	err = m.store.CreateRef(ctx, branch, sha)
	if errors.Is(err, refstore.ErrAlreadyExists) {
		log.Debug("Lost the race to create the lock branch")
		m.metrics.RecordContention(key.Scope())
		if err := m.afterLostRace(ctx, &r, branch, data, res, log); err != nil {
			return nil, err
		}
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create lock branch %s: %w", branch, err)
	}

	rec := &model.LockRecord{
		Branch:        r.Ref,
		CreatedAt:     m.now().UTC(),
		CreatedBy:     r.Actor,
		Sticky:        r.Sticky,
		Environment:   key.environment(),
		Global:        key.Global,
		UnlockCommand: m.unlockCommand(key),
		Link:          r.CommentURL,
		Task:          key.task(),
		PRNumber:      r.PRNumber,
	}
	if r.Reason != "" {
		reason := r.Reason
		rec.Reason = &reason
	}

	blob, err := Encode(rec)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("lock %s for %s by %s", key.Scope(), r.Ref, r.Actor)
	if err := m.store.PutFileContents(ctx, branch, m.cfg.LockFile, blob, msg); err != nil {
		return nil, fmt.Errorf("write lock file on %s: %w", branch, err)
	}

	log.Info("Deployment lock claimed", zap.String("ref", r.Ref), zap.Bool("sticky", r.Sticky))

	data.Sticky = rec.Sticky
	data.Reason = r.Reason
	data.UnlockCommand = rec.UnlockCommand
	data.LockURL = m.branchURL(branch)

	res.Status = model.StatusClaimed
	if res.Message, err = render(msgClaimed, data); err != nil {
		return nil, err
	}
	if err := m.comment(ctx, r.LeaveComment, r.PRNumber, res.Message); err != nil {
		return nil, err
	}
	return res, nil
}

// checkGlobal reports the global lock in res and returns true when it
// decides the request.
func (m *Manager) checkGlobal(ctx context.Context, r *model.LockRequest, res *model.LockResult, log *zap.Logger) (bool, error) {
	branch, err := BranchName(model.GlobalScope, "")
	if err != nil {
		return false, err
	}

	var held *model.LockRecord
	if r.DetailsOnly {
		held, err = m.inspect(ctx, branch)
	} else {
		held, err = m.load(ctx, branch)
	}
	if err != nil {
		return false, err
	}
	if held == nil || (!r.DetailsOnly && held.CreatedBy == r.Actor) {
		return false, nil
	}

	res.Environment = nil
	res.Global = true
	res.LockBranch = branch

	data := m.heldData(r.Actor, held, branch)
	if r.DetailsOnly {
		res.Status = model.StatusDetailsOnly
		res.LockData = held
		res.Message, err = render(msgDetails, data)
		return true, err
	}

	log.Info("Denied by global lock", zap.String("holder", held.CreatedBy))
	res.Status = model.StatusDenied
	res.LockData = held
	res.Bypass = true
	if res.Message, err = render(msgDenied, data); err != nil {
		return true, err
	}
	return true, m.comment(ctx, r.LeaveComment, r.PRNumber, res.Message)
}

func (m *Manager) heldData(actor string, held *model.LockRecord, branch string) messageData {
	data := messageData{
		Actor:         actor,
		Scope:         held.Scope(),
		Global:        held.Global,
		Sticky:        held.Sticky,
		UnlockCommand: held.UnlockCommand,
		LockBranch:    branch,
		LockURL:       m.branchURL(branch),
		Lock:          held,
	}
	if held.Task != nil {
		data.Task = *held.Task
	}
	if held.Reason != nil {
		data.Reason = *held.Reason
	}
	return data
}

// respondHeld fills res for a lock that is already held.
func (m *Manager) respondHeld(ctx context.Context, r *model.LockRequest, held *model.LockRecord, res *model.LockResult, log *zap.Logger) error {
	data := m.heldData(r.Actor, held, res.LockBranch)
	res.LockData = held

	var err error
	if r.DetailsOnly {
		res.Status = model.StatusDetailsOnly
		res.Message, err = render(msgDetails, data)
		return err
	}

	decision := Resolve(held, r)
	if decision == Owner {
		log.Debug("Requester already owns the lock")
		res.Status = model.StatusOwner
		if res.Message, err = render(msgOwner, data); err != nil {
			return err
		}
		return m.comment(ctx, r.LeaveComment, r.PRNumber, res.Message)
	}

	log.Info("Deployment lock denied",
		zap.String("holder", held.CreatedBy),
		zap.String("held_ref", held.Branch),
		zap.Stringer("decision", decision),
	)
	data.SameUser = decision == DenySameUser
	res.Status = model.StatusDenied
	res.Bypass = true
	if res.Message, err = render(msgDenied, data); err != nil {
		return err
	}
	return m.comment(ctx, r.LeaveComment, r.PRNumber, res.Message)
}

// afterLostRace re-reads a lock branch another request has just created.
// The winner may not have written its lock file yet, and may even have
// released the lock again; either way this request did not get it.
func (m *Manager) afterLostRace(ctx context.Context, r *model.LockRequest, branch string, data messageData, res *model.LockResult, log *zap.Logger) error {
	held, err := m.probe(ctx, branch)
	switch {
	case errors.Is(err, errMissingLockFile):
		held = nil
	case err != nil:
		return err
	}

	if held != nil {
		return m.respondHeld(ctx, r, held, res, log)
	}

	log.Info("Deployment lock claimed concurrently")
	res.Status = model.StatusDenied
	res.Bypass = true
	if res.Message, err = render(msgPending, data); err != nil {
		return err
	}
	return m.comment(ctx, r.LeaveComment, r.PRNumber, res.Message)
}
