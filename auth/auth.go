// Package auth defines the authorization collaborator the coordinator
// consults before privileged operations.
//
// Authorize is called off the coordinator loop; the decision re-enters
// the loop as an event. Implementations must therefore be safe for
// concurrent use and may block (remote policy engines).
package auth

import "context"

// Action identifies a privileged operation.
type Action string

const (
	// ActionLaunchTask guards launching a task under a role.
	ActionLaunchTask Action = "launch_task"

	// ActionKillTask guards killing another owner's task.
	ActionKillTask Action = "kill_task"

	// ActionTeardown guards tearing down an owner and all its tasks.
	ActionTeardown Action = "teardown"

	// ActionReserve and ActionUnreserve guard dynamic reservations.
	ActionReserve   Action = "reserve"
	ActionUnreserve Action = "unreserve"

	// ActionCreateVolume and ActionDestroyVolume guard persistent
	// volumes.
	ActionCreateVolume  Action = "create_volume"
	ActionDestroyVolume Action = "destroy_volume"

	// ActionMarkGone guards the operator's gone declaration.
	ActionMarkGone Action = "mark_gone"
)

// Wildcard matches any principal, action or role in a Rule.
const Wildcard = "*"

// Request describes one authorization question.
type Request struct {
	// Principal is the authenticated caller.
	Principal string

	// Action is the operation being attempted.
	Action Action

	// Role is the resource role the action targets, when the action
	// is role-scoped (launch, reserve, volumes). Empty otherwise.
	Role string
}

// Authorizer answers authorization questions.
type Authorizer interface {
	// Authorize reports whether the request is permitted. An error
	// means the decision could not be made; callers treat it as a
	// denial but surface the error.
	Authorize(ctx context.Context, req Request) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, req Request) (bool, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// AllowAll permits everything. The default when no authorizer is
// configured.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, Request) (bool, error) {
		return true, nil
	})
}

// DenyAll rejects everything.
func DenyAll() Authorizer {
	return AuthorizerFunc(func(context.Context, Request) (bool, error) {
		return false, nil
	})
}

// Rule is one entry in a RuleAuthorizer. Empty fields and Wildcard
// both match anything.
type Rule struct {
	Principal string
	Action    Action
	Role      string
	Allow     bool
}

func (r *Rule) matches(req Request) bool {
	if r.Principal != "" && r.Principal != Wildcard && r.Principal != req.Principal {
		return false
	}
	if r.Action != "" && r.Action != Action(Wildcard) && r.Action != req.Action {
		return false
	}
	if r.Role != "" && r.Role != Wildcard && r.Role != req.Role {
		return false
	}
	return true
}

// RuleAuthorizer evaluates an ordered rule list; the first matching
// rule decides. Requests matching no rule get the default decision.
type RuleAuthorizer struct {
	rules        []Rule
	defaultAllow bool
}

// NewRuleAuthorizer creates a rule-based authorizer. defaultAllow sets
// the decision for requests no rule matches.
func NewRuleAuthorizer(defaultAllow bool, rules ...Rule) *RuleAuthorizer {
	return &RuleAuthorizer{rules: rules, defaultAllow: defaultAllow}
}

// Authorize implements Authorizer.
func (a *RuleAuthorizer) Authorize(_ context.Context, req Request) (bool, error) {
	for i := range a.rules {
		if a.rules[i].matches(req) {
			return a.rules[i].Allow, nil
		}
	}
	return a.defaultAllow, nil
}
