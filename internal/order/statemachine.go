package order

import (
	"fmt"

	"github.com/taskbazaar/settlement/internal/apierr"
)

// Action is a requested order transition.
type Action string

const (
	ActionPay             Action = "pay"
	ActionStartWork       Action = "start_work"
	ActionDeliver         Action = "deliver"
	ActionAccept          Action = "accept"
	ActionRequestRevision Action = "request_revision"
	ActionRedeliver       Action = "redeliver"
	ActionDispute         Action = "dispute"
	ActionResolve         Action = "resolve"
	ActionCancel          Action = "cancel"
)

// Role identifies the kind of actor requesting a transition.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleSeller    Role = "seller"
	RoleAdmin     Role = "admin"
	RoleAI        Role = "ai"
	RoleScheduler Role = "scheduler"
)

// rule is one row of the transition table: an (action, from) pair, the
// resulting state, and the roles allowed to request it.
type rule struct {
	action Action
	from   Status
	to     Status
	roles  []Role
}

var transitions = []rule{
	{ActionPay, StatusPending, StatusPaid, []Role{RoleBuyer, RoleScheduler}},
	{ActionStartWork, StatusPaid, StatusInProgress, []Role{RoleSeller}},
	{ActionDeliver, StatusInProgress, StatusDelivered, []Role{RoleSeller}},
	{ActionDeliver, StatusRevisionRequested, StatusDelivered, []Role{RoleSeller}},
	{ActionAccept, StatusDelivered, StatusCompleted, []Role{RoleBuyer, RoleScheduler}},
	// An escrow release is authoritative even before delivery: when the buyer
	// releases early the order record must follow the funds. Only the
	// settlement callback holds the scheduler role, so buyers still cannot
	// accept undelivered work over HTTP.
	{ActionAccept, StatusPaid, StatusCompleted, []Role{RoleScheduler}},
	{ActionAccept, StatusInProgress, StatusCompleted, []Role{RoleScheduler}},
	{ActionAccept, StatusRevisionRequested, StatusCompleted, []Role{RoleScheduler}},
	{ActionRequestRevision, StatusDelivered, StatusRevisionRequested, []Role{RoleBuyer}},
	{ActionRedeliver, StatusRevisionRequested, StatusDelivered, []Role{RoleSeller}},
	{ActionDispute, StatusInProgress, StatusDisputed, []Role{RoleBuyer}},
	{ActionDispute, StatusDelivered, StatusDisputed, []Role{RoleBuyer}},
	{ActionDispute, StatusRevisionRequested, StatusDisputed, []Role{RoleBuyer}},
	{ActionResolve, StatusDisputed, StatusCompleted, []Role{RoleAdmin, RoleAI}},
	{ActionCancel, StatusPending, StatusCancelled, []Role{RoleBuyer, RoleSeller, RoleAdmin}},
	// Cancelling a paid order requires the compensating escrow refund, which
	// the escrow service performs before calling back in with this action.
	{ActionCancel, StatusPaid, StatusCancelled, []Role{RoleBuyer, RoleAdmin}},
}

// Next computes the resulting status for (action, from) requested by role.
// It is pure: no I/O, no side effects. A pair absent from the table fails
// with ErrInvalidTransition; a matching pair with a role not in the allowed
// set fails with ErrUnauthorized.
func Next(action Action, from Status, role Role) (Status, error) {
	var matched *rule
	for i := range transitions {
		r := &transitions[i]
		if r.action == action && r.from == from {
			matched = r
			break
		}
	}
	if matched == nil {
		return "", fmt.Errorf("%w: cannot %s from %s", apierr.ErrInvalidTransition, action, from)
	}

	for _, allowed := range matched.roles {
		if allowed == role {
			return matched.to, nil
		}
	}
	return "", fmt.Errorf("%w: role %s may not %s an order in %s", apierr.ErrUnauthorized, role, action, from)
}
