// Package access decides whether an actor may perform an engine operation.
//
// The engine only consumes the Guard interface; RolePolicy is the default
// role-based adapter and GuardFunc lets callers plug in anything else.
package access

import (
	"context"

	"retailpos/backend/internal/domain"
)

type Operation string

const (
	CreateSale          Operation = "create_sale"
	ReadSale            Operation = "read_sale"
	ListSales           Operation = "list_sales"
	ReadStockLedger     Operation = "read_stock_ledger"
	ReadStock           Operation = "read_stock"
	RecordStockMovement Operation = "record_stock_movement"
	ManageCatalog       Operation = "manage_catalog"
	// MutateSale covers editing or deleting a committed sale. No role holds it.
	MutateSale Operation = "mutate_sale"
)

type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Guard authorizes op for actor. ownerID is the seller that owns the
// resource, empty when the operation is not owner scoped.
type Guard interface {
	Authorize(ctx context.Context, actor domain.Actor, op Operation, ownerID string) (Decision, error)
}

type GuardFunc func(ctx context.Context, actor domain.Actor, op Operation, ownerID string) (Decision, error)

func (f GuardFunc) Authorize(ctx context.Context, actor domain.Actor, op Operation, ownerID string) (Decision, error) {
	return f(ctx, actor, op, ownerID)
}

// RolePolicy grants sellers access to their own sales and to stock levels,
// and admins everything except MutateSale.
type RolePolicy struct{}

func (RolePolicy) Authorize(_ context.Context, actor domain.Actor, op Operation, ownerID string) (Decision, error) {
	if actor.Username == "" || op == MutateSale {
		return Deny, nil
	}

	switch actor.Role {
	case domain.RoleAdmin:
		return Allow, nil
	case domain.RoleSeller:
		switch op {
		case CreateSale, ReadSale, ListSales:
			if ownerID == actor.Username {
				return Allow, nil
			}
		case ReadStock:
			return Allow, nil
		}
	}
	return Deny, nil
}

// Check runs guard and converts a deny into *domain.AuthorizationError.
func Check(ctx context.Context, guard Guard, actor domain.Actor, op Operation, ownerID string) error {
	decision, err := guard.Authorize(ctx, actor, op, ownerID)
	if err != nil {
		return err
	}
	if decision != Allow {
		return &domain.AuthorizationError{ActorID: actor.Username, Operation: string(op)}
	}
	return nil
}
