package auth

import (
	"fmt"
	"sort"
)

// Resource is a protected kind of record.
type Resource string

const (
	ResourcePatients         Resource = "patients"
	ResourceAppointments     Resource = "appointments"
	ResourceClinicalSessions Resource = "clinical_sessions"
	ResourcePrescriptions    Resource = "prescriptions"
	ResourceReports          Resource = "reports"
	ResourceAuditLog         Resource = "audit_log"
	ResourceUsers            Resource = "users"
	ResourceConsents         Resource = "consents"
	ResourceBodyMaps         Resource = "body_maps"
)

// Resources lists every known resource in a stable order.
var Resources = []Resource{
	ResourcePatients, ResourceAppointments, ResourceClinicalSessions,
	ResourcePrescriptions, ResourceReports, ResourceAuditLog,
	ResourceUsers, ResourceConsents, ResourceBodyMaps,
}

func (r Resource) Valid() bool {
	for _, k := range Resources {
		if k == r {
			return true
		}
	}
	return false
}

// Action is an operation on a resource.
type Action string

const (
	ActionCreate    Action = "create"
	ActionRead      Action = "read"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionExport    Action = "export"
	ActionManageAll Action = "manage_all"
	ActionApprove   Action = "approve"
	ActionArchive   Action = "archive"
)

// Actions lists every known action in a stable order.
var Actions = []Action{
	ActionCreate, ActionRead, ActionUpdate, ActionDelete,
	ActionExport, ActionManageAll, ActionApprove, ActionArchive,
}

func (a Action) Valid() bool {
	for _, k := range Actions {
		if k == a {
			return true
		}
	}
	return false
}

// DenyReason says why a decision denied access.
type DenyReason string

const (
	ReasonNoGrant        DenyReason = "no_grant"
	ReasonNotOwnData     DenyReason = "not_own_data"
	ReasonCrossTenant    DenyReason = "cross_tenant"
	ReasonMissingContext DenyReason = "missing_context"
	ReasonNotOwner       DenyReason = "not_owner"
)

// Decision is either an allow or a deny carrying its reason. Rule names
// the table entry or predicate that settled it.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  DenyReason `json:"reason,omitempty"`
	Rule    string     `json:"rule"`
}

func Allow(rule string) Decision {
	return Decision{Allowed: true, Rule: rule}
}

func Deny(reason DenyReason, rule string) Decision {
	return Decision{Reason: reason, Rule: rule}
}

func (d Decision) String() string {
	if d.Allowed {
		return "allow(" + d.Rule + ")"
	}
	return fmt.Sprintf("deny(%s by %s)", d.Reason, d.Rule)
}

// AccessContext carries the request facts predicates look at. Empty
// fields mean "not supplied", never "matches anything".
type AccessContext struct {
	TenantID        string
	TargetPatientID string
	TargetOwnerID   string
	AppointmentType string
}

// GrantTable maps a role to the actions it may take on each resource.
type GrantTable map[Role]map[Resource][]Action

// Seniority lets Senior satisfy every grant Junior holds on Resource.
type Seniority struct {
	Resource Resource
	Senior   Role
	Junior   Role
}

// Predicate is a context rule applied after a grant allows. Check
// returns ok=false with a reason to deny.
type Predicate struct {
	Name    string
	Applies func(p Principal, res Resource, act Action) bool
	Check   func(p Principal, ac AccessContext) (DenyReason, bool)
}

type actionSet map[Action]bool

// PermissionEngine decides (principal, resource, action, context)
// tuples. It is pure: no I/O, no clock, no shared mutable state, so it
// is safe for concurrent use.
type PermissionEngine struct {
	grants     map[Role]map[Resource]actionSet
	hierarchy  map[Resource][]Seniority
	predicates []Predicate
}

// NewPermissionEngine builds an engine from a grant table. The table is
// expanded to be total over Roles x Resources; missing cells become
// empty sets. Entries naming unknown roles, resources or actions are
// rejected.
func NewPermissionEngine(table GrantTable, hierarchy []Seniority, predicates []Predicate) (*PermissionEngine, error) {
	e := &PermissionEngine{
		grants:     make(map[Role]map[Resource]actionSet, len(Roles)),
		hierarchy:  make(map[Resource][]Seniority),
		predicates: predicates,
	}
	for _, role := range Roles {
		e.grants[role] = make(map[Resource]actionSet, len(Resources))
		for _, res := range Resources {
			e.grants[role][res] = actionSet{}
		}
	}

	for role, byRes := range table {
		if !role.Valid() {
			return nil, fmt.Errorf("grant table: %w: %q", ErrUnknownRole, role)
		}
		for res, acts := range byRes {
			if !res.Valid() {
				return nil, fmt.Errorf("grant table: %w: %q", ErrUnknownResource, res)
			}
			for _, act := range acts {
				if !act.Valid() {
					return nil, fmt.Errorf("grant table: %w: %q", ErrUnknownAction, act)
				}
				e.grants[role][res][act] = true
			}
		}
	}

	for _, s := range hierarchy {
		if !s.Resource.Valid() || !s.Senior.Valid() || !s.Junior.Valid() {
			return nil, fmt.Errorf("hierarchy: invalid entry %+v", s)
		}
		e.hierarchy[s.Resource] = append(e.hierarchy[s.Resource], s)
	}
	return e, nil
}

// Decide returns the access decision for the tuple. The error is
// non-nil only when role, resource or action is unknown, which is a
// configuration fault rather than a denial.
//
// Order: admin wildcard, static grant, hierarchy; then, only after an
// allow, each predicate in order. The first predicate to deny wins.
func (e *PermissionEngine) Decide(p Principal, res Resource, act Action, ac AccessContext) (Decision, error) {
	d, err := e.Grant(p.Role, res, act)
	if err != nil || !d.Allowed {
		return d, err
	}

	for _, pred := range e.predicates {
		if pred.Applies != nil && !pred.Applies(p, res, act) {
			continue
		}
		if reason, ok := pred.Check(p, ac); !ok {
			return Deny(reason, pred.Name), nil
		}
	}
	return d, nil
}

// Grant is the static part of Decide: admin wildcard, table, hierarchy.
// Callers use it to reject a request before loading the target record.
func (e *PermissionEngine) Grant(role Role, res Resource, act Action) (Decision, error) {
	if !role.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if !res.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownResource, res)
	}
	if !act.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, act)
	}
	return e.grantDecision(role, res, act), nil
}

func (e *PermissionEngine) grantDecision(role Role, res Resource, act Action) Decision {
	if role == RoleAdmin {
		return Allow("admin_wildcard")
	}
	if e.grants[role][res][act] {
		return Allow("grant")
	}
	for _, s := range e.hierarchy[res] {
		if s.Senior == role && e.grants[s.Junior][res][act] {
			return Allow("hierarchy:" + string(s.Junior))
		}
	}
	return Deny(ReasonNoGrant, "grant")
}

// Granted lists the actions role holds on res from the static table and
// the hierarchy, ignoring predicates. Admin holds every action.
func (e *PermissionEngine) Granted(role Role, res Resource) []Action {
	var out []Action
	for _, act := range Actions {
		if e.grantDecision(role, res, act).Allowed {
			out = append(out, act)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultGrants is the clinic's grant table.
func DefaultGrants() GrantTable {
	return GrantTable{
		RolePractitioner: {
			ResourcePatients:         {ActionCreate, ActionRead, ActionUpdate, ActionArchive, ActionExport},
			ResourceAppointments:     {ActionCreate, ActionRead, ActionUpdate, ActionDelete},
			ResourceClinicalSessions: {ActionApprove, ActionArchive, ActionDelete},
			ResourcePrescriptions:    {ActionCreate, ActionRead, ActionUpdate},
			ResourceReports:          {ActionCreate, ActionRead, ActionExport},
			ResourceUsers:            {ActionRead},
			ResourceConsents:         {ActionCreate, ActionRead, ActionUpdate},
		},
		RoleTrainee: {
			ResourcePatients:         {ActionRead},
			ResourceAppointments:     {ActionCreate, ActionRead},
			ResourceClinicalSessions: {ActionCreate, ActionRead, ActionUpdate},
			ResourcePrescriptions:    {ActionRead},
			ResourceReports:          {ActionRead},
			ResourceConsents:         {ActionRead},
			ResourceBodyMaps:         {ActionCreate, ActionRead, ActionUpdate},
		},
		RolePatient: {
			ResourcePatients:         {ActionRead, ActionExport},
			ResourceAppointments:     {ActionCreate, ActionRead},
			ResourceClinicalSessions: {ActionRead},
			ResourcePrescriptions:    {ActionRead},
			ResourceConsents:         {ActionCreate, ActionRead, ActionUpdate},
			ResourceBodyMaps:         {ActionRead},
		},
	}
}

// DefaultHierarchy lets practitioners act as supervisors of trainees.
func DefaultHierarchy() []Seniority {
	return []Seniority{
		{Resource: ResourceAppointments, Senior: RolePractitioner, Junior: RoleTrainee},
		{Resource: ResourceClinicalSessions, Senior: RolePractitioner, Junior: RoleTrainee},
		{Resource: ResourceBodyMaps, Senior: RolePractitioner, Junior: RoleTrainee},
	}
}

// followupAppointment is the only appointment type trainees may book.
const followupAppointment = "followup"

// DefaultPredicates returns the context rules in evaluation order.
func DefaultPredicates() []Predicate {
	return []Predicate{
		{
			Name: "cross_tenant",
			Check: func(p Principal, ac AccessContext) (DenyReason, bool) {
				if ac.TenantID != "" && ac.TenantID != p.TenantID {
					return ReasonCrossTenant, false
				}
				return "", true
			},
		},
		{
			Name: "own_data",
			Applies: func(p Principal, _ Resource, _ Action) bool {
				return p.Role == RolePatient
			},
			Check: func(p Principal, ac AccessContext) (DenyReason, bool) {
				if ac.TargetPatientID == "" {
					return ReasonMissingContext, false
				}
				if p.PatientID == "" || ac.TargetPatientID != p.PatientID {
					return ReasonNotOwnData, false
				}
				return "", true
			},
		},
		{
			Name: "trainee_followup_only",
			Applies: func(p Principal, res Resource, act Action) bool {
				return p.Role == RoleTrainee && res == ResourceAppointments && act == ActionCreate
			},
			Check: func(_ Principal, ac AccessContext) (DenyReason, bool) {
				if ac.AppointmentType == "" {
					return ReasonMissingContext, false
				}
				if ac.AppointmentType != followupAppointment {
					return ReasonNoGrant, false
				}
				return "", true
			},
		},
		{
			Name: "trainee_own_sessions",
			Applies: func(p Principal, res Resource, act Action) bool {
				return p.Role == RoleTrainee && res == ResourceClinicalSessions &&
					(act == ActionUpdate || act == ActionDelete)
			},
			Check: func(p Principal, ac AccessContext) (DenyReason, bool) {
				if ac.TargetOwnerID == "" {
					return ReasonMissingContext, false
				}
				if ac.TargetOwnerID != p.ID {
					return ReasonNotOwner, false
				}
				return "", true
			},
		},
	}
}

// NewDefaultPermissionEngine returns the engine with the clinic's table,
// hierarchy and predicates.
func NewDefaultPermissionEngine() *PermissionEngine {
	e, err := NewPermissionEngine(DefaultGrants(), DefaultHierarchy(), DefaultPredicates())
	if err != nil {
		panic(fmt.Sprintf("auth: default grant table: %v", err))
	}
	return e
}
