// Package models defines the plan structure and the HTTP request/response
// types shared by the API and the orchestrator core.
package models

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan is returned when a plan fails validation. Nothing is
// scheduled for an invalid plan.
var ErrInvalidPlan = errors.New("invalid plan")

// Concurrency is the execution discipline for agents within one team.
type Concurrency string

const (
	// ConcurrencySequential runs the team's agents strictly in plan order.
	// This is the default.
	ConcurrencySequential Concurrency = "sequential"
	// ConcurrencyParallel runs all of the team's agents at once; the team
	// is done when every agent is terminal.
	ConcurrencyParallel Concurrency = "parallel"
)

// FailurePolicy is the plan-wide rule for how an agent failure affects
// remaining scheduled work.
type FailurePolicy string

const (
	// FailureAbort halts all remaining scheduling on the first failed
	// agent; every remaining non-terminal agent is marked failed with an
	// abort reason, and the session ends failed. This is the default.
	FailureAbort FailurePolicy = "abort"
	// FailureContinue skips failed agents; siblings and later teams still
	// run. The session ends failed only if no agent completed.
	FailureContinue FailurePolicy = "continue"
)

// TeamPlan is one ordered team of agents.
type TeamPlan struct {
	Name        string      `json:"team_name" yaml:"team_name"`
	Agents      []string    `json:"agents" yaml:"agents"`
	Concurrency Concurrency `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// Plan is the ordered team/agent structure defining the work for one
// analysis session. Agent names are the addressing key for status updates
// and must be unique across the whole plan.
type Plan struct {
	Teams         []TeamPlan    `json:"teams" yaml:"teams"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
}

// Normalize fills in defaults for unset enum fields.
func (p *Plan) Normalize() {
	if p.FailurePolicy == "" {
		p.FailurePolicy = FailureAbort
	}
	for i := range p.Teams {
		if p.Teams[i].Concurrency == "" {
			p.Teams[i].Concurrency = ConcurrencySequential
		}
	}
}

// Validate checks plan well-formedness. All violations wrap ErrInvalidPlan.
func (p *Plan) Validate() error {
	if len(p.Teams) == 0 {
		return fmt.Errorf("%w: plan has no teams", ErrInvalidPlan)
	}
	switch p.FailurePolicy {
	case "", FailureAbort, FailureContinue:
	default:
		return fmt.Errorf("%w: unknown failure_policy %q", ErrInvalidPlan, p.FailurePolicy)
	}

	seen := make(map[string]string) // agent name → team name
	for _, team := range p.Teams {
		if team.Name == "" {
			return fmt.Errorf("%w: team with empty name", ErrInvalidPlan)
		}
		if len(team.Agents) == 0 {
			return fmt.Errorf("%w: team %q has no agents", ErrInvalidPlan, team.Name)
		}
		switch team.Concurrency {
		case "", ConcurrencySequential, ConcurrencyParallel:
		default:
			return fmt.Errorf("%w: team %q has unknown concurrency %q",
				ErrInvalidPlan, team.Name, team.Concurrency)
		}
		for _, agent := range team.Agents {
			if agent == "" {
				return fmt.Errorf("%w: team %q has an agent with empty name", ErrInvalidPlan, team.Name)
			}
			if prev, dup := seen[agent]; dup {
				return fmt.Errorf("%w: agent %q appears in both team %q and team %q",
					ErrInvalidPlan, agent, prev, team.Name)
			}
			seen[agent] = team.Name
		}
	}
	return nil
}

// AgentNames returns every agent name in plan order.
func (p *Plan) AgentNames() []string {
	var names []string
	for _, team := range p.Teams {
		names = append(names, team.Agents...)
	}
	return names
}

// TeamOf returns the team containing the given agent, or false.
func (p *Plan) TeamOf(agent string) (TeamPlan, bool) {
	for _, team := range p.Teams {
		for _, a := range team.Agents {
			if a == agent {
				return team, true
			}
		}
	}
	return TeamPlan{}, false
}
