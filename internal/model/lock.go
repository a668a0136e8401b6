package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// LockRecord is the metadata committed as the lock file on a lock branch.
// It is written once when the lock is claimed and never edited; changing a
// lock means deleting the branch and claiming it again.
type LockRecord struct {
	// Reason is the free text given with the lock command, if any.
	Reason *string `json:"reason"`

	// Branch is the ref being deployed, not the lock branch itself.
	Branch string `json:"branch"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`

	// Sticky locks survive the deployment that created them and must be
	// released explicitly.
	Sticky bool `json:"sticky"`

	// Environment is nil exactly when Global is true.
	Environment *string `json:"environment"`
	Global      bool    `json:"global"`

	// UnlockCommand is the comment that releases this lock.
	UnlockCommand string `json:"unlock_command"`

	// Link points at the comment that created the lock.
	Link string `json:"link"`

	Task     *string `json:"task"`
	PRNumber *int    `json:"pr_number"`
}

// Scope returns the environment name, or "global" for a global lock.
func (r *LockRecord) Scope() string {
	if r.Global || r.Environment == nil {
		return GlobalScope
	}
	return *r.Environment
}

// GlobalScope is the scope name of a repository-wide lock.
const GlobalScope = "global"

// LockRequest asks for a lock to be claimed or inspected.
type LockRequest struct {
	// Actor is the login of the user asking for the lock.
	Actor string `json:"actor"`

	// Ref is the branch being deployed and SHA the commit the lock branch
	// is created from. When SHA is empty the head of Ref is used.
	Ref string `json:"ref"`
	SHA string `json:"sha,omitempty"`

	PRNumber *int `json:"pr_number,omitempty"`

	// Global selects the repository-wide lock. Otherwise Environment
	// names the scope; when both are unset they are taken from Command,
	// then from the configured default environment.
	Global      bool   `json:"global,omitempty"`
	Environment string `json:"environment,omitempty"`
	Task        string `json:"task,omitempty"`

	Sticky bool   `json:"sticky,omitempty"`
	Reason string `json:"reason,omitempty"`

	// DetailsOnly makes the request read-only.
	DetailsOnly bool `json:"details_only,omitempty"`

	// PostDeployStep skips the global lock check so cleanup after a
	// deployment is never blocked by an unrelated global lock.
	PostDeployStep bool `json:"post_deploy_step,omitempty"`

	// LeaveComment posts the outcome on the pull request.
	LeaveComment bool `json:"leave_comment,omitempty"`

	// Command is the raw comment text the request came from.
	Command string `json:"command,omitempty"`

	// CommentURL links back to the comment that triggered the request.
	CommentURL string `json:"comment_url,omitempty"`
}

// Status is the outcome of an acquire.
type Status int

const (
	// StatusNone means a read-only query found no lock.
	StatusNone Status = iota
	// StatusClaimed means the lock was created by this request.
	StatusClaimed
	// StatusOwner means the requester already holds the lock.
	StatusOwner
	// StatusDenied means someone else holds the lock.
	StatusDenied
	// StatusDetailsOnly means a lock was found and reported without
	// changing anything.
	StatusDetailsOnly
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusClaimed:
		return "claimed"
	case StatusOwner:
		return "owner"
	case StatusDenied:
		return "denied"
	case StatusDetailsOnly:
		return "details-only"
	default:
		return "none"
	}
}

// MarshalJSON encodes the status the way workflow steps consume it:
// true, "owner", false, null or "details-only".
func (s Status) MarshalJSON() ([]byte, error) {
	switch s {
	case StatusClaimed:
		return []byte("true"), nil
	case StatusOwner:
		return []byte(`"owner"`), nil
	case StatusDenied:
		return []byte("false"), nil
	case StatusDetailsOnly:
		return []byte(`"details-only"`), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Status) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true":
		*s = StatusClaimed
	case "false":
		*s = StatusDenied
	case "null":
		*s = StatusNone
	default:
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("invalid lock status %s: %w", data, err)
		}
		switch str {
		case "owner":
			*s = StatusOwner
		case "details-only":
			*s = StatusDetailsOnly
		default:
			return fmt.Errorf("invalid lock status %q", str)
		}
	}
	return nil
}

// LockResult is returned by an acquire.
type LockResult struct {
	Status Status `json:"status"`

	// LockData is the existing lock when one was found. It is nil after
	// a successful claim.
	LockData *LockRecord `json:"lock_data"`

	// Environment, Global and GlobalFlag describe the scope the result
	// refers to, which is the global lock when it took precedence.
	Environment *string `json:"environment"`
	Global      bool    `json:"global"`
	GlobalFlag  string  `json:"global_flag"`

	LockBranch string `json:"lock_branch"`

	// Message is the rendered markdown explaining the result.
	Message string `json:"message,omitempty"`

	// Bypass tells the workflow to skip its remaining steps.
	Bypass bool `json:"bypass"`
}

// ReleaseRequest asks for a lock to be removed.
type ReleaseRequest struct {
	Actor       string `json:"actor"`
	Global      bool   `json:"global,omitempty"`
	Environment string `json:"environment,omitempty"`
	Task        string `json:"task,omitempty"`
	Command     string `json:"command,omitempty"`

	PRNumber     *int `json:"pr_number,omitempty"`
	LeaveComment bool `json:"leave_comment,omitempty"`

	// Silent suppresses comments and makes the result message one of the
	// fixed sentinel strings.
	Silent bool `json:"silent,omitempty"`
}

// ReleaseOutcome describes what a release did.
type ReleaseOutcome string

const (
	ReleaseRemoved ReleaseOutcome = "removed"
	ReleaseNotSet  ReleaseOutcome = "not-set"
	ReleaseFailed  ReleaseOutcome = "failed"
)

// ReleaseResult is returned by a release.
type ReleaseResult struct {
	// OK is true when no lock remains, whether or not one was removed.
	OK         bool           `json:"ok"`
	Outcome    ReleaseOutcome `json:"outcome"`
	LockBranch string         `json:"lock_branch"`
	Message    string         `json:"message"`
}

// MergeRequest describes a merged pull request whose locks should go.
type MergeRequest struct {
	PRNumber int    `json:"pr_number"`
	HeadRef  string `json:"head_ref"`

	// Environments overrides the configured environment list.
	Environments []string `json:"environments,omitempty"`
}

// MergeResult lists the environments whose locks were released.
type MergeResult struct {
	Unlocked []string `json:"unlocked"`
}

// PostDeployRequest identifies a finished deployment.
type PostDeployRequest struct {
	Actor       string `json:"actor"`
	Ref         string `json:"ref"`
	PRNumber    *int   `json:"pr_number,omitempty"`
	Environment string `json:"environment"`
	Task        string `json:"task,omitempty"`
}

// PostDeployResult reports what happened to the deployment's lock.
type PostDeployResult struct {
	Released bool   `json:"released"`
	Sticky   bool   `json:"sticky"`
	Reason   string `json:"reason"`
}
