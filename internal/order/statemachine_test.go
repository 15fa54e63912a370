package order

import (
	"errors"
	"testing"

	"github.com/taskbazaar/settlement/internal/apierr"
)

func TestNext_AllowedTransitions(t *testing.T) {
	cases := []struct {
		action Action
		from   Status
		role   Role
		want   Status
	}{
		{ActionPay, StatusPending, RoleBuyer, StatusPaid},
		{ActionPay, StatusPending, RoleScheduler, StatusPaid},
		{ActionStartWork, StatusPaid, RoleSeller, StatusInProgress},
		{ActionDeliver, StatusInProgress, RoleSeller, StatusDelivered},
		{ActionDeliver, StatusRevisionRequested, RoleSeller, StatusDelivered},
		{ActionAccept, StatusDelivered, RoleBuyer, StatusCompleted},
		{ActionAccept, StatusDelivered, RoleScheduler, StatusCompleted},
		{ActionAccept, StatusPaid, RoleScheduler, StatusCompleted},
		{ActionAccept, StatusInProgress, RoleScheduler, StatusCompleted},
		{ActionAccept, StatusRevisionRequested, RoleScheduler, StatusCompleted},
		{ActionRequestRevision, StatusDelivered, RoleBuyer, StatusRevisionRequested},
		{ActionRedeliver, StatusRevisionRequested, RoleSeller, StatusDelivered},
		{ActionDispute, StatusInProgress, RoleBuyer, StatusDisputed},
		{ActionDispute, StatusDelivered, RoleBuyer, StatusDisputed},
		{ActionDispute, StatusRevisionRequested, RoleBuyer, StatusDisputed},
		{ActionResolve, StatusDisputed, RoleAdmin, StatusCompleted},
		{ActionResolve, StatusDisputed, RoleAI, StatusCompleted},
		{ActionCancel, StatusPending, RoleBuyer, StatusCancelled},
		{ActionCancel, StatusPending, RoleSeller, StatusCancelled},
		{ActionCancel, StatusPending, RoleAdmin, StatusCancelled},
		{ActionCancel, StatusPaid, RoleBuyer, StatusCancelled},
		{ActionCancel, StatusPaid, RoleAdmin, StatusCancelled},
	}

	for _, tc := range cases {
		got, err := Next(tc.action, tc.from, tc.role)
		if err != nil {
			t.Errorf("Next(%s, %s, %s): unexpected error %v", tc.action, tc.from, tc.role, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Next(%s, %s, %s) = %s, want %s", tc.action, tc.from, tc.role, got, tc.want)
		}
	}
}

func TestNext_InvalidTransitions(t *testing.T) {
	cases := []struct {
		action Action
		from   Status
	}{
		{ActionPay, StatusPaid},            // double payment
		{ActionAccept, StatusCompleted},    // already terminal
		{ActionDeliver, StatusPending},     // nothing to deliver
		{ActionDispute, StatusPending},     // no funds in custody yet
		{ActionDispute, StatusCompleted},   // settled
		{ActionResolve, StatusDelivered},   // no open dispute
		{ActionCancel, StatusCompleted},    // terminal
		{ActionCancel, StatusCancelled},    // terminal
		{ActionStartWork, StatusDelivered}, // already past that
		{ActionRedeliver, StatusDelivered}, // no revision requested
	}

	for _, tc := range cases {
		_, err := Next(tc.action, tc.from, RoleAdmin)
		if !errors.Is(err, apierr.ErrInvalidTransition) {
			t.Errorf("Next(%s, %s) error = %v, want ErrInvalidTransition", tc.action, tc.from, err)
		}
	}
}

func TestNext_UnauthorizedRoles(t *testing.T) {
	cases := []struct {
		action Action
		from   Status
		role   Role
	}{
		{ActionStartWork, StatusPaid, RoleBuyer},
		{ActionDeliver, StatusInProgress, RoleBuyer},
		{ActionAccept, StatusDelivered, RoleSeller},
		// Completing an undelivered order is reserved for the settlement
		// callback; no user-facing role may do it.
		{ActionAccept, StatusPaid, RoleBuyer},
		{ActionAccept, StatusInProgress, RoleBuyer},
		{ActionAccept, StatusInProgress, RoleAdmin},
		{ActionRequestRevision, StatusDelivered, RoleSeller},
		{ActionDispute, StatusDelivered, RoleSeller},
		{ActionResolve, StatusDisputed, RoleBuyer},
		{ActionResolve, StatusDisputed, RoleSeller},
		{ActionCancel, StatusPaid, RoleSeller},
	}

	for _, tc := range cases {
		_, err := Next(tc.action, tc.from, tc.role)
		if !errors.Is(err, apierr.ErrUnauthorized) {
			t.Errorf("Next(%s, %s, %s) error = %v, want ErrUnauthorized", tc.action, tc.from, tc.role, err)
		}
	}
}

func TestNext_IsPure(t *testing.T) {
	// Same inputs, same outputs, regardless of call order.
	for i := 0; i < 3; i++ {
		got, err := Next(ActionPay, StatusPending, RoleScheduler)
		if err != nil || got != StatusPaid {
			t.Fatalf("call %d: got (%s, %v)", i, got, err)
		}
	}
}
