// Package graph mirrors identity lineage into a Bolt graph database (Memgraph or Neo4j).
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Statement is one parameterized Cypher statement.
type Statement struct {
	Cypher string
	Params map[string]any
}

// schema is applied once at startup. Memgraph and Neo4j both accept the bare index form.
var schema = []string{
	"CREATE INDEX ON :Entity(id)",
	"CREATE INDEX ON :Alias(id)",
}

type Client struct {
	driver neo4j.DriverWithContext
	logger ectologger.Logger
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port), auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}
	return &Client{driver: driver, logger: logger}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the lookup indexes. Index statements cannot share a transaction with
// writes, so each runs on its own; an index that already exists is logged and skipped.
func (c *Client) EnsureSchema(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.EnsureSchema")
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, stmt := range schema {
		result, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("statement", stmt).Debug("Skipped graph index")
		}
	}
	return nil
}

// Apply runs stmts in order inside one write transaction.
func (c *Client) Apply(ctx context.Context, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "graph.Client.Apply")
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, s := range stmts {
			result, err := tx.Run(ctx, s.Cypher, s.Params)
			if err != nil {
				return nil, err
			}
			if _, err := result.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		tracing.RecordError(span, err)
	}
	return err
}
