package lock

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/n3tuk/action-branch-deploy-lock/internal/model"
)

const (
	branchSuffix  = "branch-deploy-lock"
	maxNameLength = 100
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][\w./-]*$`)

// nameEscaper makes "-" unambiguous as a separator: inside a component
// "_" becomes "__" and "-" becomes "_-", so a bare "-" only ever joins
// components.
var nameEscaper = strings.NewReplacer("_", "__", "-", "_-")

func validateName(kind, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalidName, kind)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: %s is longer than %d characters", ErrInvalidName, kind, maxNameLength)
	case !validName.MatchString(name),
		strings.Contains(name, ".."),
		strings.Contains(name, "//"),
		strings.Contains(name, "/."),
		strings.HasSuffix(name, "/"),
		strings.HasSuffix(name, "."),
		strings.HasSuffix(name, ".lock"):
		return fmt.Errorf("%w: %s %q", ErrInvalidName, kind, name)
	}
	return nil
}

// BranchName returns the lock branch for scope, which is either
// model.GlobalScope or an environment name, and an optional task:
//
//	production                 -> production-branch-deploy-lock
//	production, task "backfill" -> production-backfill-branch-deploy-lock
//	global                     -> global-branch-deploy-lock
//
// Distinct (scope, task) pairs always give distinct names.
func BranchName(scope, task string) (string, error) {
	if err := validateName("scope", scope); err != nil {
		return "", err
	}

	parts := []string{nameEscaper.Replace(scope)}
	if task != "" {
		if err := validateName("task", task); err != nil {
			return "", err
		}
		parts = append(parts, nameEscaper.Replace(task))
	}
	parts = append(parts, branchSuffix)

	return strings.Join(parts, "-"), nil
}

// Key identifies one lock.
type Key struct {
	Global      bool
	Environment string
	Task        string
}

// Scope returns the environment, or model.GlobalScope.
func (k Key) Scope() string {
	if k.Global {
		return model.GlobalScope
	}
	return k.Environment
}

// Branch returns the lock branch for k.
func (k Key) Branch() (string, error) {
	if !k.Global && strings.EqualFold(k.Environment, model.GlobalScope) {
		return "", fmt.Errorf("%w: %q is reserved for the global lock", ErrInvalidEnvironment, k.Environment)
	}
	return BranchName(k.Scope(), k.Task)
}

func (k Key) environment() *string {
	if k.Global {
		return nil
	}
	env := k.Environment
	return &env
}

func (k Key) task() *string {
	if k.Task == "" {
		return nil
	}
	task := k.Task
	return &task
}
