package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	normalize "github.com/goliatone/go-normalize"
	normalizecommand "github.com/goliatone/go-normalize/command"
	"github.com/goliatone/go-normalize/core"
	normalizequery "github.com/goliatone/go-normalize/query"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so hosts can run them from a worker.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeCommandFunc[T any](handler command.CommandFunc[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(handler, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func SubscribeQueryFunc[T any, R any](qry command.QueryFunc[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Subscriptions tracks dispatcher subscriptions so a host can drop them all
// on shutdown.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, subscription := range s {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

// RegisterFacade registers and subscribes every handler the facade wired.
// Downstream handlers missing from the facade are skipped. On error the
// subscriptions made so far are dropped.
func RegisterFacade(adapter *RegistryAdapter, facade *normalize.Facade, runnerOpts ...runner.Option) (Subscriptions, error) {
	if facade == nil {
		return nil, fmt.Errorf("gocommand: facade is required")
	}
	commands := facade.Commands()
	queries := facade.Queries()

	var steps []registration
	if commands.Migrate != nil {
		steps = append(steps, commandStep[normalizecommand.MigrateMessage](adapter, commands.Migrate, runnerOpts))
	}
	if commands.Rollback != nil {
		steps = append(steps, commandStep[normalizecommand.RollbackMessage](adapter, commands.Rollback, runnerOpts))
	}
	if commands.LinkIntegration != nil {
		steps = append(steps, commandStep[normalizecommand.LinkIntegrationMessage](adapter, commands.LinkIntegration, runnerOpts))
	}
	if commands.BulkLink != nil {
		steps = append(steps, commandStep[normalizecommand.BulkLinkMessage](adapter, commands.BulkLink, runnerOpts))
	}
	if commands.UnlinkIntegration != nil {
		steps = append(steps, commandStep[normalizecommand.UnlinkIntegrationMessage](adapter, commands.UnlinkIntegration, runnerOpts))
	}
	if commands.DeleteIntegration != nil {
		steps = append(steps, commandStep[normalizecommand.DeleteIntegrationMessage](adapter, commands.DeleteIntegration, runnerOpts))
	}
	if commands.UpdateToken != nil {
		steps = append(steps, commandStep[normalizecommand.UpdateTokenMessage](adapter, commands.UpdateToken, runnerOpts))
	}
	if commands.SetServiceActive != nil {
		steps = append(steps, commandStep[normalizecommand.SetServiceActiveMessage](adapter, commands.SetServiceActive, runnerOpts))
	}
	if queries.Preflight != nil {
		steps = append(steps, queryStep[normalizequery.PreflightMessage, core.PreflightResult](adapter, queries.Preflight, runnerOpts))
	}
	if queries.RunHistory != nil {
		steps = append(steps, queryStep[normalizequery.RunHistoryMessage, []core.Run](adapter, queries.RunHistory, runnerOpts))
	}
	if queries.LatestRun != nil {
		steps = append(steps, queryStep[normalizequery.LatestRunMessage, core.Run](adapter, queries.LatestRun, runnerOpts))
	}
	if queries.ActiveIntegrations != nil {
		steps = append(steps, queryStep[normalizequery.ActiveIntegrationsMessage, []core.IntegrationRecord](adapter, queries.ActiveIntegrations, runnerOpts))
	}
	if queries.IntegrationToken != nil {
		steps = append(steps, queryStep[normalizequery.IntegrationTokenMessage, normalizequery.TokenResult](adapter, queries.IntegrationToken, runnerOpts))
	}
	if queries.ListServices != nil {
		steps = append(steps, queryStep[normalizequery.ListServicesMessage, []core.ServiceDescriptor](adapter, queries.ListServices, runnerOpts))
	}

	subs := make(Subscriptions, 0, len(steps))
	for _, step := range steps {
		sub, err := step()
		if err != nil {
			subs.Unsubscribe()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

type registration func() (commanddispatcher.Subscription, error)

func commandStep[T any](adapter *RegistryAdapter, cmd command.Commander[T], runnerOpts []runner.Option) registration {
	return func() (commanddispatcher.Subscription, error) {
		return RegisterAndSubscribe(adapter, cmd, runnerOpts...)
	}
}

func queryStep[T any, R any](adapter *RegistryAdapter, qry command.Querier[T, R], runnerOpts []runner.Option) registration {
	return func() (commanddispatcher.Subscription, error) {
		return RegisterAndSubscribeQuery(adapter, qry, runnerOpts...)
	}
}
