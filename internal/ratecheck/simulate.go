// Package ratecheck replays synthetic traffic through an admission controller
// so operators can see how a limit configuration behaves before deploying it.
package ratecheck

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
)

// Plan describes the synthetic traffic
type Plan struct {
	Class    string
	Clients  []string
	Requests int
	// Interval separates consecutive requests of the whole plan
	Interval time.Duration
	Start    time.Time
}

// Validate checks the plan
func (p Plan) Validate() error {
	if p.Requests < 1 {
		return fmt.Errorf("requests must be at least 1, got %d", p.Requests)
	}
	if p.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", p.Interval)
	}
	if len(p.Clients) == 0 {
		return fmt.Errorf("at least one client is required")
	}
	if p.Class == "" {
		return fmt.Errorf("class is required")
	}
	return nil
}

// Step is one simulated request
type Step struct {
	Index    int                `json:"index"`
	Offset   time.Duration      `json:"offset"`
	Client   string             `json:"client"`
	Decision ratelimit.Decision `json:"decision"`
	Err      string             `json:"error,omitempty"`
}

// ClientSummary totals the outcome for one client
type ClientSummary struct {
	Client   string `json:"client"`
	Admitted int    `json:"admitted"`
	Rejected int    `json:"rejected"`
}

// Report is the result of a simulation
type Report struct {
	Class    string          `json:"class"`
	Limit    ratelimit.Limit `json:"limit"`
	Global   ratelimit.Limit `json:"global"`
	Steps    []Step          `json:"steps"`
	Clients  []ClientSummary `json:"clients"`
	Admitted int             `json:"admitted"`
	Rejected int             `json:"rejected"`
}

// Simulate sends plan.Requests requests round-robin across the plan's clients
// on a simulated clock
func Simulate(ctx context.Context, controller *ratelimit.Controller, plan Plan) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if plan.Start.IsZero() {
		plan.Start = time.Now()
	}

	cfg := controller.Config()
	report := &Report{
		Class:  plan.Class,
		Limit:  cfg.LimitFor(plan.Class),
		Global: cfg.Global,
		Steps:  make([]Step, 0, plan.Requests),
	}
	totals := make(map[string]*ClientSummary, len(plan.Clients))

	for i := 0; i < plan.Requests; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		client := plan.Clients[i%len(plan.Clients)]
		offset := time.Duration(i) * plan.Interval
		decision, err := controller.CheckAndRecord(ctx, ratelimit.Key{Client: client, Class: plan.Class}, plan.Start.Add(offset))

		step := Step{Index: i + 1, Offset: offset, Client: client, Decision: decision}
		if err != nil {
			step.Err = err.Error()
		}
		report.Steps = append(report.Steps, step)

		sum, ok := totals[client]
		if !ok {
			sum = &ClientSummary{Client: client}
			totals[client] = sum
		}
		if decision.Admitted {
			sum.Admitted++
			report.Admitted++
		} else {
			sum.Rejected++
			report.Rejected++
		}
	}

	for _, sum := range totals {
		report.Clients = append(report.Clients, *sum)
	}
	sort.Slice(report.Clients, func(i, j int) bool { return report.Clients[i].Client < report.Clients[j].Client })
	return report, nil
}
