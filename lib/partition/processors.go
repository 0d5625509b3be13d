package partition

import (
	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/ValentinKolb/dState/lib/status"
)

func registerProcessors(a *Applier) {
	a.Register(CommandOpenSubscription, openSubscription)
	a.Register(CommandSubscriptionOpened, subscriptionOpened)
	a.Register(CommandCloseSubscription, closeSubscription)
	a.Register(CommandSubscriptionClosed, subscriptionClosed)
	a.Register(CommandCorrelateSubscription, correlateSubscription)
	a.Register(CommandRetrySubscription, retrySubscription)
	a.Register(CommandCreateIncident, createIncident)
	a.Register(CommandResolveIncident, resolveIncident)
}

func subscriptionKey(cmd *Command) correlation.PrimaryKey {
	return correlation.PrimaryKey{ScopeID: cmd.ScopeID, Name: cmd.Name}
}

// loadSubscription returns the subscription addressed by cmd. ok is false if
// it does not exist.
func loadSubscription(ctx *Context, cmd *Command) (e correlation.Entity, ok bool, err error) {
	e, err = ctx.State.Subscriptions.Get(ctx.Tx, subscriptionKey(cmd))
	if status.IsNotFound(err) {
		return e, false, nil
	}
	return e, err == nil, err
}

// rejectWakeTime rejects a command whose timestamp cannot become a wake time.
func rejectWakeTime(cmd *Command) (Result, bool) {
	if cmd.Timestamp >= 0 {
		return Result{}, false
	}
	res, _ := reject(status.CodeInvalidOperation,
		"Expected a wake time for subscription for element with key '%d' and message name '%s', but got negative time %d",
		cmd.ScopeID, cmd.Name, cmd.Timestamp)
	return res, true
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

func openSubscription(ctx *Context, cmd *Command) (Result, error) {
	if res, rejected := rejectWakeTime(cmd); rejected {
		return res, nil
	}
	existing, ok, err := loadSubscription(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if ok && existing.State != correlation.StateClosed {
		return reject(status.CodeRejected,
			"Expected to open subscription for element with key '%d' and message name '%s', but it is already %s",
			cmd.ScopeID, cmd.Name, existing.State)
	}

	e := correlation.Entity{
		ScopeID:        cmd.ScopeID,
		Name:           cmd.Name,
		Key:            cmd.Key,
		CorrelationKey: cmd.CorrelationKey,
		Payload:        cmd.Value,
	}
	if err := ctx.State.Subscriptions.Put(ctx.Tx, e, cmd.Timestamp); err != nil {
		return Result{}, err
	}
	return accept()
}

func subscriptionOpened(ctx *Context, cmd *Command) (Result, error) {
	existing, ok, err := loadSubscription(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return reject(status.CodeNotFound,
			"Expected to acknowledge subscription for element with key '%d' and message name '%s', but no such subscription was found",
			cmd.ScopeID, cmd.Name)
	}
	if existing.State != correlation.StateOpening {
		return reject(status.CodeRejected,
			"Expected subscription for element with key '%d' and message name '%s' to be OPENING, but it is %s",
			cmd.ScopeID, cmd.Name, existing.State)
	}
	if err := ctx.State.Subscriptions.TransitionToOpened(ctx.Tx, subscriptionKey(cmd)); err != nil {
		return Result{}, err
	}
	return accept()
}

func closeSubscription(ctx *Context, cmd *Command) (Result, error) {
	if res, rejected := rejectWakeTime(cmd); rejected {
		return res, nil
	}
	existing, ok, err := loadSubscription(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return reject(status.CodeNotFound,
			"Expected to close subscription for element with key '%d' and message name '%s', but no such subscription was found",
			cmd.ScopeID, cmd.Name)
	}
	if existing.State == correlation.StateClosing {
		return reject(status.CodeRejected,
			"Expected to close subscription for element with key '%d' and message name '%s', but it is already closing",
			cmd.ScopeID, cmd.Name)
	}
	if err := ctx.State.Subscriptions.TransitionToClosing(ctx.Tx, subscriptionKey(cmd), cmd.Timestamp); err != nil {
		return Result{}, err
	}
	return accept()
}

func subscriptionClosed(ctx *Context, cmd *Command) (Result, error) {
	existed, err := ctx.State.Subscriptions.Remove(ctx.Tx, subscriptionKey(cmd))
	if err != nil {
		return Result{}, err
	}
	if !existed {
		return reject(status.CodeNotFound,
			"Expected to acknowledge close of subscription for element with key '%d' and message name '%s', but no such subscription was found",
			cmd.ScopeID, cmd.Name)
	}
	return accept()
}

func correlateSubscription(ctx *Context, cmd *Command) (Result, error) {
	existing, ok, err := loadSubscription(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return reject(status.CodeNotFound,
			"Expected to correlate subscription for element with key '%d' and message name '%s', but no such subscription was found",
			cmd.ScopeID, cmd.Name)
	}
	if existing.State == correlation.StateClosing || existing.State == correlation.StateClosed {
		return reject(status.CodeRejected,
			"Expected to correlate subscription for element with key '%d' and message name '%s', but it is %s",
			cmd.ScopeID, cmd.Name, existing.State)
	}

	if _, err := ctx.State.Subscriptions.Remove(ctx.Tx, subscriptionKey(cmd)); err != nil {
		return Result{}, err
	}
	if err := ctx.Tx.Put(NamespaceCorrelations, correlationKey(cmd.ScopeID, cmd.Name, cmd.Key), cmd.Value); err != nil {
		return Result{}, err
	}
	return accept()
}

func retrySubscription(ctx *Context, cmd *Command) (Result, error) {
	if res, rejected := rejectWakeTime(cmd); rejected {
		return res, nil
	}
	existing, ok, err := loadSubscription(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return reject(status.CodeNotFound,
			"Expected to retry subscription for element with key '%d' and message name '%s', but no such subscription was found",
			cmd.ScopeID, cmd.Name)
	}
	if !existing.State.IsTransient() {
		return reject(status.CodeRejected,
			"Expected to retry subscription for element with key '%d' and message name '%s', but it is %s",
			cmd.ScopeID, cmd.Name, existing.State)
	}
	if err := ctx.State.Subscriptions.RefreshDeadline(ctx.Tx, subscriptionKey(cmd), cmd.Timestamp); err != nil {
		return Result{}, err
	}
	return accept()
}

// --------------------------------------------------------------------------
// Incidents
// --------------------------------------------------------------------------

func createIncident(ctx *Context, cmd *Command) (Result, error) {
	ok, err := ctx.Tx.Exists(NamespaceIncidents, incidentKey(cmd.Key))
	if err != nil {
		return Result{}, err
	}
	if ok {
		return reject(status.CodeRejected, "Expected to create incident with key '%d', but it already exists", cmd.Key)
	}
	if err := ctx.Tx.Put(NamespaceIncidents, incidentKey(cmd.Key), cmd.Value); err != nil {
		return Result{}, err
	}
	return accept()
}

func resolveIncident(ctx *Context, cmd *Command) (Result, error) {
	ok, err := ctx.Tx.Exists(NamespaceIncidents, incidentKey(cmd.Key))
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return reject(status.CodeNotFound, "Expected to resolve incident with key '%d', but no such incident was found", cmd.Key)
	}
	if err := ctx.Tx.Delete(NamespaceIncidents, incidentKey(cmd.Key)); err != nil {
		return Result{}, err
	}
	return accept()
}
