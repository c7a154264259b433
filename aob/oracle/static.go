package oracle

import (
	"context"
	"fmt"
	"sync"
)

// StaticOracle evaluates transitions against an in-process rule table.
// Useful for tests and for deployments whose policy is small and fixed.
//
// Rules are keyed by "from->to" edge; "*" matches any node on either side.
// Lookup order: exact edge, "from->*", "*->to", "*->*". With no matching
// rule the default decision applies.
type StaticOracle struct {
	mu           sync.RWMutex
	rules        map[string]Decision
	defaultAllow bool
}

// NewStaticOracle creates a static oracle. When defaultAllow is false,
// unmatched edges are denied with reason "no matching rule".
func NewStaticOracle(defaultAllow bool) *StaticOracle {
	return &StaticOracle{rules: make(map[string]Decision), defaultAllow: defaultAllow}
}

func edgeKey(from, to string) string { return from + "->" + to }

// Allow registers an allowing rule for the edge. "*" wildcards match any node.
func (s *StaticOracle) Allow(from, to string) *StaticOracle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[edgeKey(from, to)] = Decision{Allow: true}
	return s
}

// Deny registers a denying rule for the edge with the given reason.
func (s *StaticOracle) Deny(from, to, reason string) *StaticOracle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[edgeKey(from, to)] = Decision{Allow: false, Reason: reason}
	return s
}

// Evaluate implements Oracle.
func (s *StaticOracle) Evaluate(ctx context.Context, q Query) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range []string{
		edgeKey(q.From, q.To),
		edgeKey(q.From, "*"),
		edgeKey("*", q.To),
		edgeKey("*", "*"),
	} {
		if d, ok := s.rules[key]; ok {
			return d, nil
		}
	}
	if s.defaultAllow {
		return Decision{Allow: true}, nil
	}
	return Decision{Allow: false, Reason: fmt.Sprintf("no matching rule for %s->%s", q.From, q.To)}, nil
}
