// Package policy is EarCrawler's RBAC decision point (C8): it maps
// (actor, role set, command, redacted arguments) to allow/deny by
// evaluating the role lattice and per-command grants as Mangle facts
// and rules through the kept internal/mangle engine, the same "facts in,
// derived facts out" shape the teacher used for shard-routing decisions.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"earcrawler/internal/audit"
	"earcrawler/internal/errs"
	"earcrawler/internal/mangle"
)

// Role is one rung of the lattice reader ⊂ operator ⊂ maintainer ⊂ admin.
type Role string

const (
	RoleReader     Role = "reader"
	RoleOperator   Role = "operator"
	RoleMaintainer Role = "maintainer"
	RoleAdmin      Role = "admin"
)

// roleRank orders the lattice so Decide can derive "role implies every
// rung below it" without asking Mangle to re-walk the chain per query.
var roleRank = map[Role]int{
	RoleReader:     0,
	RoleOperator:   1,
	RoleMaintainer: 2,
	RoleAdmin:      3,
}

// latticeSchema declares the predicates Decide's facts and query populate:
// grant(command, role) says a role (or anything above it) may run command,
// and decision(actor, command) is the derived allow fact Query asks for.
const latticeSchema = `
Decl grant(Command, Role) bound [/string, /string].
Decl actor_role(Actor, Role) bound [/string, /string].
Decl allowed_role(Command, Role) descr [mode("-", "-")] bound [/string, /string].
Decl decision(Actor, Command) descr [mode("+", "+")] bound [/string, /string].

allowed_role(Command, Role) :- grant(Command, Role).
decision(Actor, Command) :- actor_role(Actor, Role), allowed_role(Command, Role).
`

// Request is one access-control question.
type Request struct {
	Actor   string
	Roles   []Role
	Command string
	// Args is redacted before it ever reaches Decide; policy never
	// inspects argument values, only records their (already-redacted)
	// keys for the audit trail.
	Args map[string]string
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Engine is the RBAC decision point. It owns a Mangle engine seeded with
// the role lattice and command grants, and an audit ledger every decision
// is recorded to.
type Engine struct {
	mu        sync.Mutex
	mangle    *mangle.Engine
	ledger    *audit.Ledger
	grants    map[string]Role // command -> minimum role required
	actorID   func(actor string, roles []Role) string
	validator *mangle.AtomValidator
}

// New constructs a policy Engine with the given command->minimum-role
// grant table and an audit ledger to record decisions to. ledger may be
// nil for tests that don't care about the audit trail.
func New(grants map[string]Role, ledger *audit.Ledger) (*Engine, error) {
	eng, err := mangle.NewEngine(mangle.DefaultConfig(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "construct policy mangle engine", err)
	}
	if err := eng.LoadSchemaString(latticeSchema); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "load role lattice schema", err)
	}

	validator := mangle.NewAtomValidator()
	if err := validator.UpdateFromSchema(latticeSchema); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "parse lattice schema for fact validation", err)
	}

	p := &Engine{mangle: eng, ledger: ledger, grants: grants, validator: validator}
	if err := p.seedGrants(); err != nil {
		return nil, err
	}
	return p, nil
}

// validateFact checks one fact's atom rendering against the role-lattice
// schema before it is ever asserted into the Mangle engine.
func (p *Engine) validateFact(f mangle.Fact) error {
	atom := mangle.FormatAtom(f.Predicate, f.Args...)
	if result := p.validator.ValidateAtom(atom); !result.Valid {
		return errs.Wrap(errs.InvalidInput, "fact failed validation", fmt.Errorf("%s: %v", atom, result.Errors))
	}
	return nil
}

// DefaultGrants is the minimum role required per spec.md §6 command, used
// when the caller doesn't supply an explicit grant table.
func DefaultGrants() map[string]Role {
	return map[string]Role{
		"snapshot-validate":     RoleReader,
		"corpus.build":          RoleOperator,
		"corpus.validate":       RoleReader,
		"corpus.snapshot":       RoleOperator,
		"kg.emit":               RoleOperator,
		"kg.load":               RoleOperator,
		"kg.serve":              RoleReader,
		"kg.query":              RoleReader,
		"integrity.check":       RoleReader,
		"bundle.export-profiles": RoleMaintainer,
		"eval.fr-coverage":      RoleOperator,
		"eval.run-rag":          RoleOperator,
		"eval.check-grounding":  RoleOperator,
		"gc.dry-run":            RoleOperator,
		"gc.apply":              RoleMaintainer,
		"audit.verify":          RoleReader,
		"audit.rotate":          RoleMaintainer,
		"policy.whoami":         RoleReader,
		"policy.test":           RoleMaintainer,
	}
}

func (p *Engine) seedGrants() error {
	facts := make([]mangle.Fact, 0, len(p.grants))
	for cmd, minRole := range p.grants {
		for role, rank := range roleRank {
			if rank >= roleRank[minRole] {
				facts = append(facts, mangle.Fact{Predicate: "grant", Args: []interface{}{cmd, string(role)}})
			}
		}
	}
	// Stable insertion order keeps fact-store iteration deterministic
	// across runs even though map iteration above is not.
	sort.Slice(facts, func(i, j int) bool {
		return fmt.Sprint(facts[i].Args) < fmt.Sprint(facts[j].Args)
	})

	for _, f := range facts {
		if err := p.validateFact(f); err != nil {
			return err
		}
	}

	return p.mangle.AddFacts(facts)
}

// Decide evaluates a Request against the role lattice and records the
// outcome as an audit event (access_granted/access_denied).
func (p *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Actor == "" {
		return Decision{}, errs.New(errs.InvalidInput, "actor is required")
	}
	if req.Command == "" {
		return Decision{}, errs.New(errs.InvalidInput, "command is required")
	}

	highest := highestRole(req.Roles)
	if highest == "" {
		return p.record(ctx, req, Decision{Allow: false, Reason: "no roles assigned"})
	}

	facts := []mangle.Fact{
		{Predicate: "actor_role", Args: []interface{}{req.Actor, string(highest)}},
	}
	for _, f := range facts {
		if err := p.validateFact(f); err != nil {
			return Decision{}, err
		}
	}
	if err := p.mangle.AddFacts(facts); err != nil {
		return Decision{}, errs.Wrap(errs.InvalidInput, "assert actor role", err)
	}

	query := fmt.Sprintf("decision(%q, %q)?", req.Actor, req.Command)
	result, err := p.mangle.Query(ctx, query)
	if err != nil {
		return Decision{}, errs.Wrap(errs.InvalidInput, "evaluate access decision", err)
	}

	if len(result.Bindings) > 0 {
		return p.record(ctx, req, Decision{Allow: true, Reason: fmt.Sprintf("role %s grants %s", highest, req.Command)})
	}
	minRole, known := p.grants[req.Command]
	reason := fmt.Sprintf("role %s does not satisfy command %s", highest, req.Command)
	if known {
		reason = fmt.Sprintf("role %s does not meet minimum role %s for %s", highest, minRole, req.Command)
	}
	return p.record(ctx, req, Decision{Allow: false, Reason: reason})
}

func (p *Engine) record(ctx context.Context, req Request, d Decision) (Decision, error) {
	if p.ledger == nil {
		return d, nil
	}
	eventType := audit.EventAccessDenied
	if d.Allow {
		eventType = audit.EventAccessGranted
	}
	fields := map[string]interface{}{
		"command": req.Command,
		"roles":   rolesToStrings(req.Roles),
		"reason":  d.Reason,
	}
	if len(req.Args) > 0 {
		keys := make([]string, 0, len(req.Args))
		for k := range req.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields["redacted_arg_keys"] = keys
	}
	_, err := p.ledger.Append(audit.Entry{
		EventType: eventType,
		ActorID:   req.Actor,
		Target:    req.Command,
		Success:   d.Allow,
		Fields:    fields,
	})
	if err != nil {
		return d, errs.Wrap(errs.IntegrityFailure, "record policy decision", err)
	}
	return d, nil
}

func highestRole(roles []Role) Role {
	best := Role("")
	bestRank := -1
	for _, r := range roles {
		rank, ok := roleRank[r]
		if ok && rank > bestRank {
			best, bestRank = r, rank
		}
	}
	return best
}

func rolesToStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// Implies reports whether role a sits at or above role b in the lattice,
// i.e. a ⊇ b. Used by callers (e.g. `policy whoami`) that want to display
// the full set of commands a role transitively satisfies.
func Implies(a, b Role) bool {
	ra, aok := roleRank[a]
	rb, bok := roleRank[b]
	return aok && bok && ra >= rb
}

// ParseRole validates and normalizes a role string from config or a CLI flag.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[r]; !ok {
		return "", errs.Newf(errs.InvalidInput, "unknown role %q", s)
	}
	return r, nil
}
