package gpu

import "fmt"

// Role tags what a queue is used for. The core never picks queues itself, it only asks for
// the one carrying the role it needs.
type Role int

const (
	RoleGraphics Role = iota
	RoleGraphicsLoad
	RoleCompute
	RoleTransfer

	roleCount
)

func (r Role) String() string {
	switch r {
	case RoleGraphics:
		return "GCT0"
	case RoleGraphicsLoad:
		return "GCT1"
	case RoleCompute:
		return "Compute"
	case RoleTransfer:
		return "Transfer"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

type Queue struct {
	Handle      QueueHandle
	FamilyIndex int
	QueueIndex  int
	Role        Role
}

// Queues holds one queue per role, indexed by Role.
type Queues [roleCount]Queue

func (q *Queues) Get(role Role) Queue {
	return q[role]
}
