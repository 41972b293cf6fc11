package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Role is the single access level held by an identity. The zero value is
// RoleNone: an identity that was never assigned a role has no access.
type Role uint8

const (
	RoleNone Role = iota
	RoleAdmin
	RoleSupervisor
	RoleOperator
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleAdmin:
		return "admin"
	case RoleSupervisor:
		return "supervisor"
	case RoleOperator:
		return "operator"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

// ParseRole accepts a role name or its numeric value ("1" is admin).
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return RoleNone, nil
	case "admin", "1":
		return RoleAdmin, nil
	case "supervisor", "2":
		return RoleSupervisor, nil
	case "operator", "3":
		return RoleOperator, nil
	}
	return RoleNone, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleAssignment is one row of the registry listing.
type RoleAssignment struct {
	Address Address `json:"address"`
	Role    Role    `json:"role"`
}

// roleTable is an immutable snapshot of the registry. Writers build a new
// table and publish it; readers never lock.
type roleTable struct {
	roles map[Address]Role
	order []Address
}

func (t *roleTable) clone() *roleTable {
	next := &roleTable{
		roles: make(map[Address]Role, len(t.roles)+1),
		order: make([]Address, len(t.order), len(t.order)+1),
	}
	for k, v := range t.roles {
		next.roles[k] = v
	}
	copy(next.order, t.order)
	return next
}

func (t *roleTable) admins() int {
	n := 0
	for _, r := range t.roles {
		if r == RoleAdmin {
			n++
		}
	}
	return n
}

func (t *roleTable) set(a Address, r Role) {
	if _, ok := t.roles[a]; !ok {
		t.order = append(t.order, a)
	}
	t.roles[a] = r
}

func (t *roleTable) remove(a Address) {
	delete(t.roles, a)
	for i, o := range t.order {
		if o == a {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// RoleRegistry maps identities to roles and enforces that at least one admin
// remains after every mutation.
type RoleRegistry struct {
	mu    sync.Mutex
	table atomic.Pointer[roleTable]
}

func NewRoleRegistry() *RoleRegistry {
	r := &RoleRegistry{}
	r.table.Store(&roleTable{roles: map[Address]Role{}})
	return r
}

// Bootstrap seeds the registry with its first admins. It only succeeds on an
// empty registry.
func (r *RoleRegistry) Bootstrap(admins []Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.table.Load().roles) > 0 {
		return fmt.Errorf("%w: registry already initialized", ErrInvalidOperation)
	}
	if len(admins) == 0 {
		return fmt.Errorf("%w: at least one admin is required", ErrInvariantViolation)
	}
	next := &roleTable{roles: map[Address]Role{}}
	for _, a := range admins {
		if err := requireAddress(a); err != nil {
			return err
		}
		next.set(a.Normalize(), RoleAdmin)
	}
	r.table.Store(next)
	return nil
}

// Restore replaces the registry content with persisted assignments.
func (r *RoleRegistry) Restore(assignments []RoleAssignment) error {
	next := &roleTable{roles: map[Address]Role{}}
	for _, as := range assignments {
		if err := requireAddress(as.Address); err != nil {
			return err
		}
		if as.Role == RoleNone || as.Role > RoleOperator {
			return fmt.Errorf("%w: cannot restore role %s for %s", ErrInvalidInput, as.Role, as.Address)
		}
		next.set(as.Address.Normalize(), as.Role)
	}
	if len(next.roles) > 0 && next.admins() == 0 {
		return fmt.Errorf("%w: restored registry has no admin", ErrInvariantViolation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.table.Store(next)
	return nil
}

// Initialized reports whether the registry has been bootstrapped.
func (r *RoleRegistry) Initialized() bool {
	return len(r.table.Load().roles) > 0
}

// Role returns the role held by a; RoleNone when unassigned.
func (r *RoleRegistry) Role(a Address) Role {
	return r.table.Load().roles[a.Normalize()]
}

// Has reports whether a holds exactly role.
func (r *RoleRegistry) Has(a Address, role Role) bool {
	return r.Role(a) == role
}

// Assign sets target's role. Only admins may call it; reassigning the same
// role is rejected, as is demoting the last admin.
func (r *RoleRegistry) Assign(caller, target Address, role Role) error {
	if err := requireAddress(target); err != nil {
		return err
	}
	if role == RoleNone || role > RoleOperator {
		return fmt.Errorf("%w: cannot assign role %s, use remove", ErrInvalidInput, role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.table.Load()
	if current.roles[caller.Normalize()] != RoleAdmin {
		return fmt.Errorf("%w: assigning roles requires admin", ErrUnauthorized)
	}
	target = target.Normalize()
	previous := current.roles[target]
	if previous == role {
		return fmt.Errorf("%w: %s is already %s", ErrRoleUnchanged, target, role)
	}
	if previous == RoleAdmin && current.admins() == 1 {
		return fmt.Errorf("%w: %s is the last admin", ErrInvariantViolation, target)
	}

	next := current.clone()
	next.set(target, role)
	r.table.Store(next)
	return nil
}

// Remove resets target to RoleNone under the same rules as Assign.
func (r *RoleRegistry) Remove(caller, target Address) error {
	if err := requireAddress(target); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.table.Load()
	if current.roles[caller.Normalize()] != RoleAdmin {
		return fmt.Errorf("%w: removing roles requires admin", ErrUnauthorized)
	}
	target = target.Normalize()
	previous, ok := current.roles[target]
	if !ok {
		return fmt.Errorf("%w: %s holds no role", ErrRoleUnchanged, target)
	}
	if previous == RoleAdmin && current.admins() == 1 {
		return fmt.Errorf("%w: %s is the last admin", ErrInvariantViolation, target)
	}

	next := current.clone()
	next.remove(target)
	r.table.Store(next)
	return nil
}

// Assignments lists every identity holding a role, in first-assignment order.
func (r *RoleRegistry) Assignments() []RoleAssignment {
	t := r.table.Load()
	out := make([]RoleAssignment, 0, len(t.order))
	for _, a := range t.order {
		out = append(out, RoleAssignment{Address: a, Role: t.roles[a]})
	}
	return out
}

// AdminCount returns the number of admins in the current snapshot.
func (r *RoleRegistry) AdminCount() int {
	return r.table.Load().admins()
}
