package lock

import "github.com/n3tuk/action-branch-deploy-lock/internal/model"

// Decision is the outcome of comparing a held lock with a request.
type Decision int

const (
	// Owner means the requester already holds the lock.
	Owner Decision = iota

	// DenySameUser means the requester holds the lock but for another
	// branch or pull request.
	DenySameUser

	// DenyOtherUser means someone else holds the lock.
	DenyOtherUser
)

func (d Decision) String() string {
	switch d {
	case Owner:
		return "owner"
	case DenySameUser:
		return "deny-same-user"
	default:
		return "deny-other-user"
	}
}

// Resolve decides whether req may use the held lock. The requester owns
// it only when they created it for the same branch, and for the same pull
// request when both sides name one.
func Resolve(held *model.LockRecord, req *model.LockRequest) Decision {
	if held.CreatedBy != req.Actor {
		return DenyOtherUser
	}

	sameBranch := held.Branch == req.Ref
	if held.PRNumber != nil && req.PRNumber != nil {
		sameBranch = sameBranch && *held.PRNumber == *req.PRNumber
	}
	if !sameBranch {
		return DenySameUser
	}
	return Owner
}
