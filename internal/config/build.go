package config

import (
	"fmt"

	"github.com/mattjoyce/bexchange/internal/auth"
	"github.com/mattjoyce/bexchange/internal/connector"
	"github.com/mattjoyce/bexchange/internal/match"
	"github.com/mattjoyce/bexchange/internal/metrics"
	"github.com/mattjoyce/bexchange/internal/naming"
	"github.com/mattjoyce/bexchange/internal/processor"
	"github.com/mattjoyce/bexchange/internal/transport"
)

// BuildDeps are the runtime collaborators wired into built components.
type BuildDeps struct {
	Metrics *metrics.Metrics
	// Complete receives the final result of queued deliveries, normally
	// the registry's Complete method.
	Complete processor.CompletionFunc
}

// Built holds everything constructed from a configuration. Nothing is
// started.
type Built struct {
	Namers     *naming.Set
	Connectors map[string]*connector.Connector
	// Processors are in configuration order.
	Processors []*processor.Processor
	Tokens     []auth.TokenConfig
	// Peers is nil when no peers are configured.
	Peers *auth.Verifier
}

// Build constructs naming templates, connectors and processors from a loaded
// configuration.
func Build(cfg *Config, deps BuildDeps) (*Built, error) {
	namers, err := naming.NewSet(cfg.Naming.Templates)
	if err != nil {
		return nil, err
	}
	b := &Built{
		Namers:     namers,
		Connectors: make(map[string]*connector.Connector, len(cfg.Connectors)),
	}

	for _, cc := range cfg.Connectors {
		c, err := buildConnector(cc, namers, deps)
		if err != nil {
			return nil, err
		}
		b.Connectors[cc.Name] = c
	}

	actionDeps := processor.Deps{
		Connectors: b.Connectors,
		Namers:     namers,
		Complete:   deps.Complete,
	}
	matcher := match.Matcher{FoldCase: cfg.Matching.FoldCase}
	for _, pc := range cfg.Processors {
		f, err := processorFilter(pc)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", pc.Name, err)
		}
		act, err := processor.NewAction(pc.Name, processor.ActionSpec{
			Type:      pc.Action.Type,
			Chain:     pc.Action.Chain,
			QueueSize: pc.Action.QueueSize,
			Dir:       pc.Action.Dir,
			Template:  pc.Action.Template,
		}, actionDeps)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", pc.Name, err)
		}
		p, err := processor.New(processor.Config{
			Name:            pc.Name,
			Filter:          f,
			Active:          pc.IsActive(),
			Action:          act,
			AllowedOrigins:  pc.AllowedOrigins,
			AllowDuplicates: pc.AllowDuplicates,
			Matcher:         matcher,
			StopTimeout:     cfg.Service.StopTimeout,
		})
		if err != nil {
			return nil, err
		}
		b.Processors = append(b.Processors, p)
	}

	for _, tok := range cfg.API.Auth.Tokens {
		b.Tokens = append(b.Tokens, auth.TokenConfig{Token: tok.Token, Scopes: tok.Scopes})
	}
	if len(cfg.API.Peers) > 0 {
		secrets := make(map[string]string, len(cfg.API.Peers))
		for _, p := range cfg.API.Peers {
			secrets[p.NodeName] = p.Secret
		}
		b.Peers = auth.NewVerifier(secrets, cfg.API.MaxSkew)
	}
	return b, nil
}

func buildConnector(cc ConnectorConfig, namers *naming.Set, deps BuildDeps) (*connector.Connector, error) {
	spec := transport.Spec{
		Type:     cc.Transport.Type,
		Address:  cc.Transport.Address,
		Headers:  cc.Transport.Headers,
		Dir:      cc.Transport.Dir,
		Template: cc.Transport.Template,
	}
	if s := cc.Transport.Signer; s != nil {
		signer, err := auth.NewSigner(s.NodeName, s.Secret)
		if err != nil {
			return nil, fmt.Errorf("connector %q: %w", cc.Name, err)
		}
		spec.Signer = signer
	}
	t, err := transport.New(cc.Name, spec, transport.Deps{Namers: namers})
	if err != nil {
		return nil, err
	}
	return connector.New(connector.Config{
		Name:       cc.Name,
		Transport:  t,
		MaxRetries: cc.MaxRetries,
		Backoff: connector.Backoff{
			Kind:  connector.BackoffKind(cc.Backoff.Kind),
			Delay: cc.Backoff.Delay,
		},
		Timeout:  cc.Timeout,
		Observer: deps.Metrics.ObserveAttempt,
	})
}
