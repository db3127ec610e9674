package observability

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Governor-specific attributes.
var (
	AttrOperation   = attribute.Key("governor.operation")
	AttrPersonaID   = attribute.Key("governor.persona.id")
	AttrBattleID    = attribute.Key("governor.battle.id")
	AttrProvider    = attribute.Key("governor.provider")
	AttrModel       = attribute.Key("governor.model")
	AttrDegraded    = attribute.Key("governor.degraded")
	AttrHaltReason  = attribute.Key("governor.halt.reason")
	AttrBattleState = attribute.Key("governor.battle.status")
)

type governor struct {
	battles        metric.Int64Counter
	spend          metric.Float64Counter
	killSwitch     metric.Int64Counter
	throttled      metric.Int64Counter
	halts          metric.Int64Counter
	humanityGrades metric.Float64Histogram
}

func (g *governor) setup(m metric.Meter) error {
	var err error
	if g.battles, err = m.Int64Counter("governor.battles.total",
		metric.WithDescription("Battles by terminal status"),
		metric.WithUnit("{battle}")); err != nil {
		return err
	}
	if g.spend, err = m.Float64Counter("governor.spend.usd",
		metric.WithDescription("Provider spend appended to the ledger"),
		metric.WithUnit("USD")); err != nil {
		return err
	}
	if g.killSwitch, err = m.Int64Counter("governor.kill_switch.transitions",
		metric.WithDescription("Kill switch activations and deactivations")); err != nil {
		return err
	}
	if g.throttled, err = m.Int64Counter("governor.batches.throttled",
		metric.WithDescription("Batches that ran on the degraded judge model")); err != nil {
		return err
	}
	if g.halts, err = m.Int64Counter("governor.batches.halted",
		metric.WithDescription("Batches refused or stopped early")); err != nil {
		return err
	}
	g.humanityGrades, err = m.Float64Histogram("governor.auditor.humanity_grade",
		metric.WithDescription("Humanity grades issued by the auditor"),
		metric.WithExplicitBucketBoundaries(50, 60, 70, 80, 85, 90, 95, 100))
	return err
}

// RecordBattle counts a battle reaching a terminal status.
func (p *Provider) RecordBattle(ctx context.Context, personaID, status string, degraded bool) {
	p.battles.Add(ctx, 1, metric.WithAttributes(
		AttrPersonaID.String(personaID),
		AttrBattleState.String(status),
		AttrDegraded.Bool(degraded),
	))
}

// RecordSpend adds a ledger entry's cost.
func (p *Provider) RecordSpend(ctx context.Context, provider, model string, cost decimal.Decimal) {
	p.spend.Add(ctx, cost.InexactFloat64(), metric.WithAttributes(
		AttrProvider.String(provider),
		AttrModel.String(model),
	))
}

// RecordKillSwitch counts a kill switch transition.
func (p *Provider) RecordKillSwitch(ctx context.Context, active bool) {
	p.killSwitch.Add(ctx, 1, metric.WithAttributes(attribute.Bool("governor.kill_switch.active", active)))
}

// RecordThrottled counts a batch that ran degraded.
func (p *Provider) RecordThrottled(ctx context.Context) {
	p.throttled.Add(ctx, 1)
}

// RecordHalt counts a batch halted for reason.
func (p *Provider) RecordHalt(ctx context.Context, reason string) {
	p.halts.Add(ctx, 1, metric.WithAttributes(AttrHaltReason.String(reason)))
}

// RecordHumanityGrade records an auditor grade.
func (p *Provider) RecordHumanityGrade(ctx context.Context, grade float64) {
	p.humanityGrades.Record(ctx, grade)
}
