package director

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/liminal/liminal/internal/common/errors"
	"github.com/liminal/liminal/internal/common/telemetry"
	"github.com/liminal/liminal/internal/host"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// run drives one runbook execution to completion. Turns launch in order
// under the max-parallel cap; a turn waits for its dependencies (linear by
// default) before starting. Shared required leases serialize naturally
// through the territory manager's FIFO deferral.
func (d *Director) run(ctx context.Context, rb *v1.Runbook, epochID string) {
	ctx, span := telemetry.StartRunbookSpan(ctx, epochID, rb.Name)
	defer span.End()

	defer func() {
		d.mu.Lock()
		d.running = false
		journal := d.journal
		done := d.doneCh
		d.mu.Unlock()
		if journal != nil {
			_ = journal.Close()
		}
		close(done)
	}()

	now := time.Now().UTC()
	d.journalAppend(Record{Type: recordRunbookStarted, At: now, EpochID: epochID, Runbook: rb.Name})
	d.emit(v1.ExecutionEvent{Type: v1.EventRunbookStarted, EpochID: epochID, Timestamp: now})
	if d.store != nil {
		if err := d.store.SaveSession(ctx, d.Session()); err != nil {
			d.logger.Warn("failed to persist session", zap.Error(err))
		}
	}

	// done channels gate dependency order; summaries land in the session.
	doneChans := make(map[int]chan struct{}, len(rb.Turns))
	for _, turn := range rb.Turns {
		doneChans[turn.TurnID] = make(chan struct{})
	}

	var eg errgroup.Group
	eg.SetLimit(d.cfg.MaxParallel)

	anyFailed := false
	for i := range rb.Turns {
		turn := rb.Turns[i]
		deps := turn.DependsOn
		if len(deps) == 0 && i > 0 {
			deps = []int{rb.Turns[i-1].TurnID}
		}

		eg.Go(func() error {
			defer close(doneChans[turn.TurnID])

			for _, dep := range deps {
				select {
				case <-doneChans[dep]:
				case <-ctx.Done():
					return nil
				}
			}

			if d.isCancelled() || ctx.Err() != nil {
				return nil
			}

			summary := d.runTurn(ctx, epochID, turn)
			d.recordTurn(epochID, summary)
			if summary.State != v1.TurnStateCompleted {
				d.mu.Lock()
				anyFailed = true
				d.mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	end := time.Now().UTC()
	d.mu.Lock()
	d.session.EndTime = &end
	cancelled := d.cancelled
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.FinishSession(context.Background(), epochID, end); err != nil {
			d.logger.Warn("failed to finish session", zap.Error(err))
		}
	}

	switch {
	case cancelled:
		d.journalAppend(Record{Type: recordRunbookFailed, At: end, EpochID: epochID, Error: "cancelled"})
		d.emit(v1.ExecutionEvent{Type: v1.EventRunbookFailed, EpochID: epochID, Error: "cancelled", Timestamp: end})
		d.setRunErr(context.Canceled)
	case anyFailed:
		d.journalAppend(Record{Type: recordRunbookFailed, At: end, EpochID: epochID, Error: "one or more turns failed"})
		d.emit(v1.ExecutionEvent{Type: v1.EventRunbookFailed, EpochID: epochID, Error: "one or more turns failed", Timestamp: end})
		d.setRunErr(fmt.Errorf("runbook %s finished with failed turns", rb.Name))
	default:
		d.journalAppend(Record{Type: recordRunbookCompleted, At: end, EpochID: epochID})
		d.emit(v1.ExecutionEvent{Type: v1.EventRunbookCompleted, EpochID: epochID, Timestamp: end})
	}

	d.logger.Info("runbook finished",
		zap.String("epoch_id", epochID),
		zap.Bool("cancelled", cancelled),
		zap.Bool("any_failed", anyFailed))
}

// runTurn executes one turn: resolve the agent, acquire leases, deliver
// the prompt, collect output until the sentinel, and settle the summary.
func (d *Director) runTurn(ctx context.Context, epochID string, turn v1.Turn) *v1.TurnSummary {
	ctx, span := telemetry.StartTurnSpan(ctx, epochID, turn.TurnID, string(turn.Role))
	defer span.End()

	timeout := turn.Timeout()
	if timeout <= 0 {
		timeout = d.cfg.TurnTimeout
	}
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	summary := &v1.TurnSummary{
		TurnID:    turn.TurnID,
		Role:      turn.Role,
		StartedAt: time.Now().UTC(),
	}

	d.journalAppend(Record{Type: recordTurnStarted, EpochID: epochID, TurnID: turn.TurnID})
	d.emit(v1.ExecutionEvent{Type: v1.EventTurnStarted, EpochID: epochID, TurnID: turn.TurnID, Timestamp: summary.StartedAt})

	// 1. Resolve the specialist agent, spawning one if no Ready agent of
	// the role exists. The Ready→Executing transition doubles as the
	// claim so parallel turns never share an agent.
	agentID, ok := d.host.FindReady(turn.Role)
	if ok {
		if err := d.host.SetExecuting(agentID); err != nil {
			ok = false
		}
	}
	if !ok {
		var err error
		agentID, err = d.host.Spawn(turnCtx, host.SpawnRequest{Role: turn.Role})
		if err != nil {
			return d.failTurn(summary, apperrors.KindSpawn, err)
		}
		d.router.Register(agentID)
		d.startPump(agentID)
		if err := d.host.SetExecuting(agentID); err != nil {
			return d.failTurn(summary, apperrors.KindSpawn, err)
		}
	}
	summary.AgentID = agentID
	unclaim := func() {
		if err := d.host.SetReady(agentID); err != nil && !errors.Is(err, host.ErrAgentNotFound) {
			d.logger.Debug("agent did not return to ready", zap.Error(err))
		}
	}

	// 2. Acquire required leases in sorted order so concurrent turns never
	// interleave their acquisition cyclically.
	resources := append([]string(nil), turn.RequiredLeases...)
	sort.Strings(resources)
	acquired, err := d.acquireLeases(turnCtx, epochID, agentID, resources)
	if err != nil {
		d.releaseLeases(epochID, agentID, acquired)
		unclaim()
		if turnCtx.Err() != nil && ctx.Err() == nil && !d.isCancelled() {
			return d.failTurn(summary, apperrors.KindTurnTimeout, err)
		}
		if d.isCancelled() || ctx.Err() != nil {
			return d.cancelTurn(summary)
		}
		return d.failTurn(summary, apperrors.KindLease, err)
	}

	// 3. Compose and deliver the prompt. Output collection subscribes
	// first so no line is missed.
	eventsCh, cancelEvents := d.host.Events()
	defer cancelEvents()

	prompt, err := composePrompt(epochID, &turn)
	if err != nil {
		d.releaseLeases(epochID, agentID, acquired)
		unclaim()
		return d.failTurn(summary, apperrors.KindParse, err)
	}

	msg := &v1.Message{
		From:        v1.Director,
		To:          agentID,
		Priority:    v1.PriorityCoordinate,
		Kind:        v1.KindCoordinate,
		Payload:     []byte(prompt),
		ContentType: "text/plain",
	}
	if err := d.router.Send(v1.Director, msg); err != nil {
		d.releaseLeases(epochID, agentID, acquired)
		unclaim()
		return d.failTurn(summary, apperrors.KindRouter, err)
	}

	// 4. Collect output until the sentinel, the timeout, a crash, or an
	// external cancel.
	outcome := d.collectOutput(turnCtx, eventsCh, agentID, epochID, turn.TurnID, summary)
	unclaim()

	// 5. Settle: release leases and emit the terminal event.
	d.releaseLeases(epochID, agentID, acquired)

	switch outcome.kind {
	case outcomeCompleted:
		summary.State = v1.TurnStateCompleted
		summary.EndedAt = time.Now().UTC()
		return summary
	case outcomeCancelled:
		return d.cancelTurn(summary)
	case outcomeCrashed:
		return d.failTurn(summary, apperrors.KindAgentCrash, outcome.err)
	default:
		return d.failTurn(summary, apperrors.KindTurnTimeout, outcome.err)
	}
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeTimeout
	outcomeCrashed
	outcomeCancelled
)

type turnOutcome struct {
	kind outcomeKind
	err  error
}

// collectOutput streams the agent's lines into turns/<n>/output until an
// end condition fires.
func (d *Director) collectOutput(ctx context.Context, eventsCh <-chan v1.AgentEvent, agentID v1.AgentID, epochID string, turnID int, summary *v1.TurnSummary) turnOutcome {
	d.mu.Lock()
	layout := d.layout
	d.mu.Unlock()

	output, err := layout.openTurnOutput(turnID)
	if err != nil {
		return turnOutcome{kind: outcomeTimeout, err: err}
	}
	defer output.Close()

	for {
		select {
		case <-ctx.Done():
			if d.isCancelled() {
				return turnOutcome{kind: outcomeCancelled}
			}
			return turnOutcome{kind: outcomeTimeout, err: fmt.Errorf("turn %d exceeded its budget", turnID)}

		case ev, ok := <-eventsCh:
			if !ok {
				return turnOutcome{kind: outcomeCrashed, err: errors.New("host event stream closed")}
			}
			if ev.AgentID != agentID {
				continue
			}
			switch ev.Type {
			case v1.AgentEventOutputLine:
				if _, err := fmt.Fprintln(output, ev.Line); err != nil {
					d.logger.Warn("failed to capture output line", zap.Error(err))
				}
				summary.OutputLines++
				if strings.TrimSpace(ev.Line) == d.cfg.TurnSentinel {
					return turnOutcome{kind: outcomeCompleted}
				}
			case v1.AgentEventCrashed:
				return turnOutcome{kind: outcomeCrashed, err: fmt.Errorf("agent %s crashed on signal %s", agentID, ev.Signal)}
			case v1.AgentEventExited:
				return turnOutcome{kind: outcomeCrashed, err: fmt.Errorf("agent %s exited with code %d mid-turn", agentID, ev.ExitCode)}
			}
		}
	}
}

// acquireLeases requests every resource in order, waiting out deferrals and
// escalations within the turn budget. Returns the resources actually
// acquired; on error the caller releases those.
func (d *Director) acquireLeases(ctx context.Context, epochID string, agentID v1.AgentID, resources []string) ([]string, error) {
	var acquired []string
	for _, resource := range resources {
		result := d.territory.Request(agentID, resource, v1.PriorityCoordinate, d.cfg.LeaseTTL)

		switch result.Decision {
		case v1.LeaseGranted:
			telemetry.LeaseEvent(ctx, "lease.granted", resource, string(agentID))
			d.journalAppend(Record{Type: recordLeaseGranted, EpochID: epochID, Resource: resource, AgentID: agentID, Lease: result.Lease})
			acquired = append(acquired, resource)

		case v1.LeaseDeferred:
			telemetry.LeaseEvent(ctx, "lease.deferred", resource, string(agentID))
			select {
			case lease := <-result.Wake:
				if lease == nil {
					return acquired, apperrors.Lease(fmt.Sprintf("deferred request for %s was cancelled", resource))
				}
				d.journalAppend(Record{Type: recordLeaseGranted, EpochID: epochID, Resource: resource, AgentID: agentID, Lease: lease})
				acquired = append(acquired, resource)
			case <-ctx.Done():
				result.Cancel()
				return acquired, apperrors.Lease(fmt.Sprintf("timed out waiting for lease on %s", resource))
			}

		case v1.LeaseEscalated:
			telemetry.LeaseEvent(ctx, "lease.escalated", resource, string(agentID))
			if result.Escalation != nil && result.Escalation.Deadlock {
				return acquired, apperrors.Lease(fmt.Sprintf("lease request for %s would deadlock", resource))
			}
			// Pause for the human decision; the escalation event is
			// already on the stream. Bounded by the turn budget.
			lease, err := d.awaitEscalation(ctx, agentID, resource)
			if err != nil {
				return acquired, err
			}
			d.journalAppend(Record{Type: recordLeaseGranted, EpochID: epochID, Resource: resource, AgentID: agentID, Lease: lease})
			acquired = append(acquired, resource)

		default:
			return acquired, apperrors.Lease(fmt.Sprintf("lease on %s denied: %s", resource, result.Reason))
		}
	}
	return acquired, nil
}

// awaitEscalation polls until the human grants the lease to the agent,
// denies it, or the turn budget runs out.
func (d *Director) awaitEscalation(ctx context.Context, agentID v1.AgentID, resource string) (*v1.Lease, error) {
	ticker := time.NewTicker(d.cfg.EscalationPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.Lease(fmt.Sprintf("escalation for %s unresolved within the turn budget", resource))
		case <-ticker.C:
			pending := false
			for _, esc := range d.territory.Escalations() {
				if esc.Resource == resource && esc.Requester == agentID {
					pending = true
					break
				}
			}
			for _, lease := range d.territory.Snapshot() {
				if lease.Resource == resource && lease.Holder == agentID {
					copied := lease
					return &copied, nil
				}
			}
			if !pending {
				return nil, apperrors.Lease(fmt.Sprintf("escalation for %s denied", resource))
			}
		}
	}
}

func (d *Director) releaseLeases(epochID string, agentID v1.AgentID, resources []string) {
	for _, resource := range resources {
		d.territory.Release(agentID, resource)
		d.journalAppend(Record{Type: recordLeaseReleased, EpochID: epochID, Resource: resource, AgentID: agentID})
	}
}

// recordTurn persists a settled turn everywhere it belongs: journal, turn
// meta file, store, session record, and the event stream.
func (d *Director) recordTurn(epochID string, summary *v1.TurnSummary) {
	recordType := recordTurnCompleted
	eventType := v1.EventTurnCompleted
	if summary.State != v1.TurnStateCompleted {
		recordType = recordTurnFailed
		eventType = v1.EventTurnFailed
	}
	d.journalAppend(Record{Type: recordType, EpochID: epochID, TurnID: summary.TurnID, AgentID: summary.AgentID, Summary: summary, Error: summary.Error})

	d.mu.Lock()
	d.session.TurnSummaries = append(d.session.TurnSummaries, *summary)
	layout := d.layout
	d.mu.Unlock()

	if err := layout.writeTurnMeta(summary); err != nil {
		d.logger.Warn("failed to write turn meta", zap.Error(err))
	}
	if d.store != nil {
		if err := d.store.SaveTurnSummary(context.Background(), epochID, summary); err != nil {
			d.logger.Warn("failed to persist turn summary", zap.Error(err))
		}
	}

	d.emit(v1.ExecutionEvent{
		Type:      eventType,
		EpochID:   epochID,
		TurnID:    summary.TurnID,
		AgentID:   summary.AgentID,
		Summary:   summary,
		Error:     summary.Error,
		Timestamp: summary.EndedAt,
	})
}

func (d *Director) failTurn(summary *v1.TurnSummary, kind string, err error) *v1.TurnSummary {
	summary.State = v1.TurnStateFailed
	summary.FailureKind = kind
	if err != nil {
		summary.Error = err.Error()
	}
	summary.EndedAt = time.Now().UTC()
	d.logger.Warn("turn failed",
		zap.Int("turn_id", summary.TurnID),
		zap.String("failure_kind", kind),
		zap.String("error", summary.Error))
	return summary
}

func (d *Director) cancelTurn(summary *v1.TurnSummary) *v1.TurnSummary {
	summary.State = v1.TurnStateCancelled
	summary.FailureKind = "cancelled"
	summary.EndedAt = time.Now().UTC()
	return summary
}

func (d *Director) journalAppend(rec Record) {
	d.mu.Lock()
	journal := d.journal
	d.mu.Unlock()
	if journal == nil {
		return
	}
	if err := journal.Append(rec); err != nil {
		d.logger.Error("failed to append journal record", zap.Error(err))
	}
}

func (d *Director) emit(ev v1.ExecutionEvent) {
	d.broadcaster.Publish(ev)
}

func (d *Director) setRunErr(err error) {
	d.mu.Lock()
	d.runErr = err
	d.mu.Unlock()
}

// composePrompt renders the turn's prompt template. Strictly CPU-bound.
func composePrompt(epochID string, turn *v1.Turn) (string, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(turn.PromptTemplate)
	if err != nil {
		return "", apperrors.Parsef("turn %d: invalid prompt template: %v", turn.TurnID, err)
	}

	data := struct {
		Epoch  string
		Turn   int
		Role   string
		Inputs map[string]string
	}{
		Epoch:  epochID,
		Turn:   turn.TurnID,
		Role:   string(turn.Role),
		Inputs: turn.Inputs,
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", apperrors.Parsef("turn %d: prompt template execution failed: %v", turn.TurnID, err)
	}
	return sb.String(), nil
}
